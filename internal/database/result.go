package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

var readStatement = regexp.MustCompile(`(?i)^\s*(SELECT|WITH|PRAGMA|EXPLAIN|SHOW)\b`)

// IsReadStatement 按语句开头判断读/写，决定返回行集还是影响行数。
func IsReadStatement(sql string) bool {
	return readStatement.MatchString(sql)
}

// MutationSummary 是写操作的统一结果，不暴露驱动相关的对象。
type MutationSummary struct {
	Message      string `json:"message"`
	RowsAffected int64  `json:"rowsAffected"`
}

// Result 是一次执行的结果：读操作填充 Columns/Rows，写操作填充 Mutation。
type Result struct {
	Columns  []string         `json:"columns,omitempty"`
	Rows     []map[string]any `json:"rows,omitempty"`
	Mutation *MutationSummary `json:"mutation,omitempty"`
}

func (r *Result) IsMutation() bool {
	return r != nil && r.Mutation != nil
}

// Len 返回行数；写操作返回影响行数。
func (r *Result) Len() int64 {
	if r == nil {
		return 0
	}
	if r.Mutation != nil {
		return r.Mutation.RowsAffected
	}
	return int64(len(r.Rows))
}

// Records 返回用于展示的记录；写操作返回只含摘要的一条记录。
func (r *Result) Records() []map[string]any {
	if r == nil {
		return nil
	}
	if r.Mutation != nil {
		return []map[string]any{{"message": r.Mutation.Message, "rowsAffected": r.Mutation.RowsAffected}}
	}
	return r.Rows
}

// Head 返回前 n 条记录以及是否被截断。
func (r *Result) Head(n int) ([]map[string]any, bool) {
	recs := r.Records()
	if n <= 0 || len(recs) <= n {
		return recs, false
	}
	return recs[:n], true
}

// HasColumn 判断读结果中是否包含该列。
func (r *Result) HasColumn(name string) bool {
	if r == nil {
		return false
	}
	for _, c := range r.Columns {
		if c == name {
			return true
		}
	}
	if len(r.Columns) == 0 && len(r.Rows) > 0 {
		_, ok := r.Rows[0][name]
		return ok
	}
	return false
}

// Clone 深拷贝结果，行内的值按 JSON 可表示的类型处理。
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{Columns: append([]string(nil), r.Columns...)}
	if r.Rows != nil {
		out.Rows = make([]map[string]any, len(r.Rows))
		for i, row := range r.Rows {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				cp[k] = v
			}
			out.Rows[i] = cp
		}
	}
	if r.Mutation != nil {
		m := *r.Mutation
		out.Mutation = &m
	}
	return out
}

// normalizeValue 把驱动返回的值转换为 nil/bool/int64/float64/string 之一，可 JSON 序列化也可写入快照。
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return uintValue(uint64(x))
	case uint64:
		return uintValue(x)
	case float32:
		return float64(x)
	case json.Number:
		return numberValue(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func uintValue(u uint64) any {
	if u > math.MaxInt64 {
		return fmt.Sprint(u)
	}
	return int64(u)
}

// numberValue 把 JSON 数字还原为 int64，带小数或超出范围时为 float64。
func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// RestoreNumbers 在 JSON 解码后还原行内的数字类型，要求解码时启用 UseNumber。
func RestoreNumbers(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			if n, ok := v.(json.Number); ok {
				row[k] = numberValue(n)
			}
		}
	}
}

// UnmarshalJSON 保留整数列的 int64 类型，避免从快照恢复后变成 float64。
func (r *Result) UnmarshalJSON(b []byte) error {
	type plain Result
	var p plain
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	RestoreNumbers(p.Rows)
	*r = Result(p)
	return nil
}
