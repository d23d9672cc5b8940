package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wwwzy/QueryFit/internal/database"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Guard 是生成 SQL 的静态安全检查。
type Guard struct {
	DefaultLimit int
	MaxLimit     int
}

func NewGuard(defaultLimit, maxLimit int) *Guard {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultLimit, maxLimit)
	}
	return &Guard{DefaultLimit: defaultLimit, MaxLimit: maxLimit}
}

func (g *Guard) limits() (int, int) {
	if g == nil {
		return DefaultLimit, MaxLimit
	}
	return g.DefaultLimit, g.MaxLimit
}

// EnforceReadOnly 是读路径的通用守卫：只允许单条 SELECT，并补齐/收紧 LIMIT。
// 返回改写后的 SQL（去掉结尾分号）。
func (g *Guard) EnforceReadOnly(sql string, d database.Dialect) (string, error) {
	script, err := Parse(sql, d)
	if err != nil {
		return "", err
	}
	if len(script.Statements) > 1 {
		return "", &SecurityError{
			Attempted: "MULTIPLE",
			Msg:       fmt.Sprintf("Only a single statement is allowed. Found %d statements.", len(script.Statements)),
		}
	}
	st := script.Statements[0]
	if st.Kind != KindSelect || st.Mutating() {
		attempted := attemptedKind(st)
		return "", &SecurityError{
			Attempted: attempted,
			Msg:       "Only SELECT queries are allowed. Attempted: " + attempted,
		}
	}
	def, ceiling := g.limits()
	return st.rewriteLimit(def, ceiling), nil
}

// EnforceMutation 是操作路径的守卫：必须恰好一条 INSERT/UPDATE/DELETE/REPLACE。
func (g *Guard) EnforceMutation(sql string, d database.Dialect) (string, error) {
	script, err := Parse(sql, d)
	if err != nil {
		return "", err
	}
	if len(script.Statements) > 1 {
		return "", &SecurityError{
			Attempted: "MULTIPLE",
			Msg:       fmt.Sprintf("Exactly one data manipulation statement is allowed. Found %d statements.", len(script.Statements)),
		}
	}
	st := script.Statements[0]
	switch st.Kind {
	case KindInsert, KindUpdate, KindDelete:
	case KindReplace:
		if script.Dialect == database.Postgres {
			return "", &SecurityError{Attempted: "REPLACE", Msg: "REPLACE is not a data manipulation statement in Postgres."}
		}
	default:
		attempted := attemptedKind(st)
		return "", &SecurityError{
			Attempted: attempted,
			Msg:       "Only INSERT, UPDATE, DELETE or REPLACE statements are allowed on the manipulation path. Attempted: " + attempted,
		}
	}
	return st.Text, nil
}

// IsMutation 判断 SQL 是否包含写操作；无法解析时按关键字保守判断。
func IsMutation(sql string, d database.Dialect) bool {
	script, err := Parse(sql, d)
	if err != nil {
		return mutationPrefix.MatchString(sql)
	}
	for _, st := range script.Statements {
		if st.Mutating() || st.Kind == KindOther {
			return true
		}
	}
	return false
}

var mutationPrefix = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|REPLACE|MERGE|DROP|ALTER|TRUNCATE|CREATE)\b`)

func attemptedKind(st *Statement) string {
	if st.Kind == KindSelect {
		if st.SelectInto {
			return "SELECT INTO"
		}
		return "SELECT (with embedded write)"
	}
	if st.Kind != KindOther {
		return string(st.Kind)
	}
	if st.Keyword != "" {
		return st.Keyword
	}
	return "UNKNOWN"
}

// rewriteLimit 按 def/ceiling 补齐或收紧顶层 LIMIT。
func (st *Statement) rewriteLimit(def, ceiling int) string {
	text := st.Text
	base := st.offset
	maxText := strconv.Itoa(ceiling)

	if st.Limit == nil {
		if st.lockAt >= 0 {
			at := st.lockAt - base
			return strings.TrimRight(text[:at], " \t\r\n") + " LIMIT " + strconv.Itoa(def) + " " + text[at:]
		}
		return text + " LIMIT " + strconv.Itoa(def)
	}

	lc := st.Limit
	if lc.Numeric && lc.Value >= 0 && lc.Value <= float64(ceiling) && lc.Value == float64(int64(lc.Value)) {
		return text
	}
	start, end := lc.start-base, lc.end-base
	if start == end {
		// "LIMIT" 或 "FETCH FIRST ROW" 后没有数值
		return text[:start] + " " + maxText + text[end:]
	}
	return text[:start] + maxText + text[end:]
}

var denied = []string{"DROP", "ALTER", "TRUNCATE", "ATTACH", "DETACH", "VACUUM"}

var deniedPattern = regexp.MustCompile(`(?i)\b(DROP|ALTER|TRUNCATE|ATTACH|DETACH|VACUUM)\b`)

// DeniedKeywords 返回 SQL 中出现的破坏性 DDL 关键字（字符串与注释中的不算）。
func DeniedKeywords(sql string, d database.Dialect) []string {
	toks, err := lex(sql, d)
	if err != nil {
		var found []string
		seen := map[string]bool{}
		for _, m := range deniedPattern.FindAllString(sql, -1) {
			kw := strings.ToUpper(m)
			if !seen[kw] {
				seen[kw] = true
				found = append(found, kw)
			}
		}
		return found
	}
	var found []string
	for _, kw := range denied {
		for _, t := range toks {
			if t.isWord(kw) {
				found = append(found, kw)
				break
			}
		}
	}
	return found
}
