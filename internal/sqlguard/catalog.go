package sqlguard

import (
	"regexp"
	"sort"
	"strings"

	"github.com/wwwzy/QueryFit/internal/database"
)

type tableInfo struct {
	columns map[string]bool
	// open 为 true 时不校验列（视图或无法解析列清单的表）。
	open bool
}

// Catalog 是从 schema 描述文本中解析出的表/列集合，名字统一小写。
type Catalog struct {
	tables map[string]*tableInfo
}

var constraintWords = map[string]bool{
	"CONSTRAINT": true, "PRIMARY": true, "UNIQUE": true, "CHECK": true, "FOREIGN": true,
	"KEY": true, "INDEX": true, "FULLTEXT": true, "SPATIAL": true, "EXCLUDE": true,
}

var catalogFallback = regexp.MustCompile(`(?i)\b(?:TABLE|VIEW)\s+(?:IF\s+NOT\s+EXISTS\s+)?["` + "`" + `\[]?([\w.]+)`)

// ParseCatalog 解析 "CREATE TABLE t (...)" 和 "TABLE t (...);" 两种格式。
func ParseCatalog(schema string) *Catalog {
	c := &Catalog{tables: map[string]*tableInfo{}}
	if strings.TrimSpace(schema) == "" {
		return c
	}
	toks, err := lex(schema, database.SQLite)
	if err != nil {
		for _, m := range catalogFallback.FindAllStringSubmatch(schema, -1) {
			c.add(m[1]).open = true
		}
		return c
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.depth != 0 || !(t.isWord("TABLE") || t.isWord("VIEW")) {
			continue
		}
		view := t.isWord("VIEW")
		j := i + 1
		if j+2 < len(toks) && toks[j].isWord("IF") && toks[j+1].isWord("NOT") && toks[j+2].isWord("EXISTS") {
			j += 3
		}
		_, name, next, ok := readName(toks, j)
		if !ok {
			continue
		}
		info := c.add(name)
		if view || next >= len(toks) || !toks[next].isPunct("(") {
			info.open = true
			i = next - 1
			continue
		}
		end := skipParens(toks, next)
		for k := next + 1; k < end-1; k++ {
			col := toks[k]
			if col.depth != toks[next].depth+1 || !col.isName() {
				continue
			}
			// 列名紧跟在开括号或同层逗号之后
			if !(k-1 == next || toks[k-1].isPunct(",") && toks[k-1].depth == toks[next].depth+1) {
				continue
			}
			if col.kind == tokWord && constraintWords[col.upper()] {
				continue
			}
			info.columns[col.ident()] = true
		}
		i = end - 1
	}
	return c
}

func (c *Catalog) add(name string) *tableInfo {
	name = strings.ToLower(name)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	info, ok := c.tables[name]
	if !ok {
		info = &tableInfo{columns: map[string]bool{}}
		c.tables[name] = info
	}
	return info
}

func (c *Catalog) Empty() bool {
	return c == nil || len(c.tables) == 0
}

func (c *Catalog) HasTable(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.tables[strings.ToLower(name)]
	return ok
}

func (c *Catalog) HasColumn(table, column string) bool {
	if c == nil {
		return false
	}
	info, ok := c.tables[strings.ToLower(table)]
	if !ok {
		return false
	}
	return info.open || info.columns[strings.ToLower(column)]
}

// Tables 返回排序后的表名。
func (c *Catalog) Tables() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsSystemTable 判断表是否属于当前方言的系统/目录表，这类表不要求出现在 schema 中。
func IsSystemTable(d database.Dialect, schema, name string) bool {
	schema = strings.ToLower(schema)
	name = strings.ToLower(name)
	if schema == "information_schema" || name == "information_schema" {
		return true
	}
	switch d {
	case database.SQLite:
		return strings.HasPrefix(name, "sqlite_") || strings.HasPrefix(name, "pragma_")
	case database.Postgres:
		return schema == "pg_catalog" || strings.HasPrefix(name, "pg_")
	case database.MySQL:
		switch schema {
		case "mysql", "performance_schema", "sys":
			return true
		}
	}
	return false
}

// References 是语句中无法在 schema 中找到的引用。
type References struct {
	Tables  []string
	Columns []string
}

func (r References) Empty() bool {
	return len(r.Tables) == 0 && len(r.Columns) == 0
}

func (r References) String() string {
	var parts []string
	if len(r.Tables) > 0 {
		parts = append(parts, "unknown table(s): "+strings.Join(r.Tables, ", "))
	}
	if len(r.Columns) > 0 {
		parts = append(parts, "unknown column(s): "+strings.Join(r.Columns, ", "))
	}
	return strings.Join(parts, "; ")
}

// UnknownReferences 对照 catalog 检查表引用和列引用；catalog 为空时不做判断。
// 未限定的列名只在语句只涉及一张已知表时才绑定到该表。
func UnknownReferences(script *Script, c *Catalog) References {
	var refs References
	if script == nil || c.Empty() {
		return refs
	}
	seenT := map[string]bool{}
	seenC := map[string]bool{}
	for _, st := range script.Statements {
		ctes := map[string]bool{}
		for _, name := range st.CTEs {
			ctes[name] = true
		}
		// alias/表名 → 表名
		bind := map[string]string{}
		for _, t := range st.Tables {
			if t.Func || ctes[t.Name] {
				continue
			}
			if IsSystemTable(script.Dialect, t.Schema, t.Name) {
				bind[t.Name] = ""
				if t.Alias != "" {
					bind[t.Alias] = ""
				}
				continue
			}
			if !c.HasTable(t.Name) {
				if !seenT[t.Name] {
					seenT[t.Name] = true
					refs.Tables = append(refs.Tables, t.Name)
				}
				continue
			}
			bind[t.Name] = t.Name
			if t.Alias != "" {
				bind[t.Alias] = t.Name
			}
		}
		cols := st.Columns
		if table, ok := soleTable(st, script.Dialect, c); ok {
			for _, name := range bareColumns(st, table) {
				cols = append(cols, ColumnRef{Qualifier: table, Name: name})
			}
		}
		for _, col := range cols {
			table, ok := bind[col.Qualifier]
			if !ok || table == "" || col.Name == "*" {
				continue
			}
			if !c.HasColumn(table, col.Name) {
				key := table + "." + col.Name
				if !seenC[key] {
					seenC[key] = true
					refs.Columns = append(refs.Columns, key)
				}
			}
		}
	}
	return refs
}

// soleTable 返回语句唯一引用的 catalog 表。带 CTE 或子查询的语句不做推断。
func soleTable(st *Statement, d database.Dialect, c *Catalog) (string, bool) {
	switch st.Kind {
	case KindSelect, KindUpdate, KindDelete:
	default:
		return "", false
	}
	if len(st.CTEs) > 0 || len(st.Tables) != 1 {
		return "", false
	}
	t := st.Tables[0]
	if t.Func || IsSystemTable(d, t.Schema, t.Name) || !c.HasTable(t.Name) {
		return "", false
	}
	selects := 0
	for _, tok := range st.toks {
		if tok.isWord("SELECT") {
			selects++
		}
	}
	if selects > 1 || st.Kind != KindSelect && selects > 0 {
		return "", false
	}
	return t.Name, true
}

// bareColumns 收集语句中未限定的列名，排除表名、别名、函数名和关键字。
func bareColumns(st *Statement, table string) []string {
	toks := st.toks
	skip := map[string]bool{table: true}
	for _, t := range st.Tables {
		if t.Alias != "" {
			skip[t.Alias] = true
		}
	}
	for i, t := range toks {
		if i > 0 && t.isName() && isAliasPosition(toks, i) {
			skip[t.ident()] = true
		}
	}

	var out []string
	seen := map[string]bool{}
	for i, t := range toks {
		if !t.isName() {
			continue
		}
		if t.kind == tokWord && (isReserved(t.upper()) || nonColumnWords[t.upper()]) {
			continue
		}
		if i > 0 && (toks[i-1].isPunct(".") || toks[i-1].kind == tokOperator && toks[i-1].text == "::") {
			continue
		}
		if i+1 < len(toks) && (toks[i+1].isPunct(".") || toks[i+1].isPunct("(")) {
			continue
		}
		name := t.ident()
		if skip[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// isAliasPosition 判断 toks[i] 是否处于别名位置：AS 之后，或紧跟在同层的表达式之后。
func isAliasPosition(toks []token, i int) bool {
	prev := toks[i-1]
	if prev.isWord("AS") {
		return true
	}
	if prev.depth != toks[i].depth {
		return false
	}
	switch {
	case prev.kind == tokNumber, prev.kind == tokString, prev.kind == tokQuotedIdent:
		return true
	case prev.isPunct(")"), prev.isWord("END"):
		return true
	case prev.kind == tokWord:
		return !isReserved(prev.upper()) && !nonColumnWords[prev.upper()]
	}
	return false
}

// nonColumnWords 是可能以裸词出现、但不是列名的关键字、类型名和日期单位。
var nonColumnWords = map[string]bool{
	"ASC": true, "DESC": true, "NULLS": true, "FIRST": true, "LAST": true, "TRUE": true, "FALSE": true,
	"UNKNOWN": true, "ISNULL": true, "NOTNULL": true, "ESCAPE": true, "GLOB": true, "REGEXP": true,
	"RLIKE": true, "ILIKE": true, "SIMILAR": true, "TO": true, "ANY": true, "SOME": true, "DIV": true,
	"MOD": true, "XOR": true, "COLLATE": true, "NOCASE": true, "BINARY": true, "OVER": true,
	"PARTITION": true, "ROWS": true, "ROW": true, "RANGE": true, "GROUPS": true, "PRECEDING": true,
	"FOLLOWING": true, "UNBOUNDED": true, "CURRENT": true, "FILTER": true, "ONLY": true, "NEXT": true,
	"TIES": true, "PERCENT": true, "INTERVAL": true, "AT": true, "TIME": true, "ZONE": true,
	"LOCAL": true, "WITHOUT": true, "DATE": true, "TIMESTAMP": true, "TIMESTAMPTZ": true,
	"CURRENT_DATE": true, "CURRENT_TIME": true, "CURRENT_TIMESTAMP": true, "CURRENT_USER": true,
	"LOCALTIME": true, "LOCALTIMESTAMP": true, "YEAR": true, "MONTH": true, "WEEK": true, "DAY": true,
	"HOUR": true, "MINUTE": true, "SECOND": true, "QUARTER": true, "EPOCH": true, "DOW": true,
	"DOY": true, "INTEGER": true, "INT": true, "BIGINT": true, "SMALLINT": true, "REAL": true,
	"FLOAT": true, "DOUBLE": true, "PRECISION": true, "NUMERIC": true, "DECIMAL": true, "TEXT": true,
	"VARCHAR": true, "CHAR": true, "CHARACTER": true, "VARYING": true, "BOOLEAN": true, "BOOL": true,
	"SIGNED": true, "UNSIGNED": true, "BLOB": true, "JSON": true, "JSONB": true, "UUID": true,
	"UPDATE": true, "DELETE": true, "SHARE": true, "NOWAIT": true, "SKIP": true, "LOCKED": true,
	"OF": true, "KEY": true, "NO": true, "RECURSIVE": true, "DISTINCTROW": true, "OR": true,
}
