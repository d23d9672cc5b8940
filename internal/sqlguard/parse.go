package sqlguard

import (
	"strconv"
	"strings"

	"github.com/wwwzy/QueryFit/internal/database"
)

type Kind string

const (
	KindSelect  Kind = "SELECT"
	KindInsert  Kind = "INSERT"
	KindUpdate  Kind = "UPDATE"
	KindDelete  Kind = "DELETE"
	KindReplace Kind = "REPLACE"
	KindMerge   Kind = "MERGE"
	KindOther   Kind = "OTHER"
)

// Mutating 表示该类语句会修改数据。
func (k Kind) Mutating() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindReplace, KindMerge:
		return true
	}
	return false
}

// TableRef 是语句中出现的一个表引用。
type TableRef struct {
	Schema string
	Name   string
	Alias  string
	// Func 为 true 表示表值函数（如 pragma_table_info(...)、generate_series(...)）。
	Func bool
}

// ColumnRef 是限定形式的列引用 qualifier.name，或 INSERT/UPDATE 的目标列（Qualifier 为目标表）。
type ColumnRef struct {
	Qualifier string
	Name      string
}

// LimitClause 描述顶层的 LIMIT / FETCH FIRST。start/end 是计数部分在原始 SQL 中的偏移。
type LimitClause struct {
	Fetch   bool
	All     bool
	Numeric bool
	Value   float64
	start   int
	end     int
}

// Statement 是单条语句的浅层语法树。
type Statement struct {
	Kind Kind
	// Keyword 为语句的首个关键字（大写），用于错误信息，例如 DROP。
	Keyword string
	// Text 为语句原文（不含结尾分号）。
	Text string

	Tables   []TableRef
	Columns  []ColumnRef
	CTEs     []string
	HasWhere bool
	// SelectInto 表示顶层出现 SELECT ... INTO（会建表或写文件）。
	SelectInto bool
	// EmbeddedWrite 表示 SELECT/WITH 内部嵌入了写操作（例如 postgres 的 data-modifying CTE）。
	EmbeddedWrite bool
	Limit         *LimitClause

	toks   []token
	offset int
	// lockAt 为顶层 FOR UPDATE/SHARE 的起始偏移，-1 表示没有。
	lockAt int
}

// Mutating 综合语句类型与嵌入写操作。
func (s *Statement) Mutating() bool {
	return s.Kind.Mutating() || s.EmbeddedWrite || s.SelectInto
}

// Script 是一段 SQL 文本解析后的结果。
type Script struct {
	Dialect    database.Dialect
	SQL        string
	Statements []*Statement
}

// Parse 把 SQL 按方言词法切分，并逐条语句建立浅层语法树。
func Parse(sql string, d database.Dialect) (*Script, error) {
	if !d.Valid() {
		d = database.SQLite
	}
	toks, err := lex(sql, d)
	if err != nil {
		return nil, err
	}

	script := &Script{Dialect: d, SQL: sql}
	var cur []token
	flush := func() {
		if len(cur) == 0 {
			return
		}
		script.Statements = append(script.Statements, analyze(sql, cur))
		cur = nil
	}
	for _, t := range toks {
		if t.depth == 0 && t.isPunct(";") {
			flush()
			continue
		}
		cur = append(cur, t)
	}
	flush()

	if len(script.Statements) == 0 {
		return nil, syntaxErr(d, 0, "empty statement")
	}
	for _, st := range script.Statements {
		if err := checkShape(st, d); err != nil {
			return nil, err
		}
	}
	return script, nil
}

// checkShape 做最基本的结构检查，拦截明显不完整的语句。
func checkShape(st *Statement, d database.Dialect) error {
	first := st.toks[0]
	if first.kind != tokWord && !first.isPunct("(") {
		return syntaxErr(d, first.pos, "statement cannot start with %q", first.text)
	}
	switch st.Kind {
	case KindSelect:
		last := st.toks[len(st.toks)-1]
		if last.kind == tokOperator && last.text != "*" || last.isPunct(",") || last.isPunct(".") {
			return syntaxErr(d, last.pos, "unexpected end of statement after %q", last.text)
		}
		for _, kw := range []string{"SELECT", "FROM", "WHERE", "AND", "OR", "BY", "JOIN", "ON", "LIMIT", "HAVING"} {
			if last.isWord(kw) {
				return syntaxErr(d, last.pos, "unexpected end of statement after %s", kw)
			}
		}
		if hasAdjacentCommas(st.toks) {
			return syntaxErr(d, first.pos, "unexpected ','")
		}
	case KindUpdate:
		if !containsWordAtDepth(st.toks, "SET", st.toks[0].depth) {
			return syntaxErr(d, first.pos, "UPDATE without SET")
		}
	case KindInsert, KindReplace:
		if !containsWord(st.toks, "INTO") && d != database.MySQL {
			return syntaxErr(d, first.pos, "%s without INTO", st.Kind)
		}
	case KindDelete:
		if !containsWord(st.toks, "FROM") && d != database.MySQL {
			return syntaxErr(d, first.pos, "DELETE without FROM")
		}
	}
	return nil
}

func hasAdjacentCommas(toks []token) bool {
	for i := 1; i < len(toks); i++ {
		if toks[i].isPunct(",") && (toks[i-1].isPunct(",") || toks[i-1].isPunct("(")) {
			return true
		}
		if toks[i].isPunct(")") && toks[i-1].isPunct(",") {
			return true
		}
	}
	return false
}

func containsWord(toks []token, kw string) bool {
	for _, t := range toks {
		if t.isWord(kw) {
			return true
		}
	}
	return false
}

func containsWordAtDepth(toks []token, kw string, depth int) bool {
	for _, t := range toks {
		if t.depth == depth && t.isWord(kw) {
			return true
		}
	}
	return false
}

func analyze(sql string, toks []token) *Statement {
	st := &Statement{
		toks:   toks,
		offset: toks[0].pos,
		Text:   strings.TrimSpace(sql[toks[0].pos:toks[len(toks)-1].end]),
		lockAt: -1,
	}
	st.Kind, st.Keyword = classify(toks)
	st.CTEs = cteNames(toks)
	st.collectRefs()
	if st.Kind == KindSelect {
		st.findLimit()
		st.findLock()
		st.SelectInto = selectInto(toks)
		st.EmbeddedWrite = embeddedWrite(toks)
	}
	st.HasWhere = containsWordAtDepth(toks, "WHERE", 0)
	return st
}

func classify(toks []token) (Kind, string) {
	i := 0
	for i < len(toks) && toks[i].isPunct("(") {
		i++
	}
	if i >= len(toks) || toks[i].kind != tokWord {
		return KindOther, ""
	}
	head := toks[i].upper()
	switch head {
	case "SELECT":
		return KindSelect, head
	case "INSERT":
		return KindInsert, head
	case "UPDATE":
		return KindUpdate, head
	case "DELETE":
		return KindDelete, head
	case "REPLACE":
		return KindReplace, head
	case "MERGE":
		return KindMerge, head
	case "WITH":
		base := toks[i].depth
		for _, t := range toks[i+1:] {
			if t.depth != base || t.kind != tokWord {
				continue
			}
			switch t.upper() {
			case "SELECT":
				return KindSelect, head
			case "INSERT":
				return KindInsert, head
			case "UPDATE":
				return KindUpdate, head
			case "DELETE":
				return KindDelete, head
			case "REPLACE":
				return KindReplace, head
			case "MERGE":
				return KindMerge, head
			}
		}
		return KindOther, head
	}
	return KindOther, head
}

func cteNames(toks []token) []string {
	if len(toks) == 0 || !toks[0].isWord("WITH") {
		return nil
	}
	var names []string
	expectName := true
	for i := 1; i < len(toks); i++ {
		t := toks[i]
		if t.depth != 0 {
			continue
		}
		if t.isWord("RECURSIVE") {
			continue
		}
		if expectName && t.isName() {
			names = append(names, t.ident())
			expectName = false
			continue
		}
		if t.isPunct(",") {
			expectName = true
			continue
		}
		if t.kind == tokWord && isStatementHead(t.upper()) {
			break
		}
	}
	return names
}

func isStatementHead(kw string) bool {
	switch kw {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "REPLACE", "MERGE", "VALUES":
		return true
	}
	return false
}

// collectRefs 提取表引用与限定列引用。
func (s *Statement) collectRefs() {
	toks := s.toks
	funcParen := make([]bool, 0, 8)
	inFunc := func() bool {
		for _, f := range funcParen {
			if f {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.isPunct("("):
			funcParen = append(funcParen, i > 0 && opensCall(toks[i-1]))
			continue
		case t.isPunct(")"):
			if len(funcParen) > 0 {
				funcParen = funcParen[:len(funcParen)-1]
			}
			continue
		}
		if t.kind != tokWord || inFunc() {
			continue
		}

		switch t.upper() {
		case "FROM":
			i = s.tableList(i+1, true)
		case "JOIN":
			i = s.tableList(i+1, false)
		case "INTO":
			if s.Kind == KindInsert || s.Kind == KindReplace || s.Kind == KindMerge {
				i = s.insertTarget(i + 1)
			}
		case "UPDATE":
			if isUpdateHead(toks, i) {
				i = s.updateTarget(i + 1)
			}
		case "USING":
			if s.Kind == KindDelete || s.Kind == KindMerge {
				i = s.tableList(i+1, true)
			}
		}
	}
	s.qualifiedColumns()
}

// opensCall 判断 '(' 前的 token 是否构成函数调用，函数参数中的 FROM（如 EXTRACT(YEAR FROM d)）不是表引用。
func opensCall(prev token) bool {
	if prev.kind == tokQuotedIdent {
		return true
	}
	if prev.kind != tokWord {
		return false
	}
	switch prev.upper() {
	case "FROM", "JOIN", "IN", "EXISTS", "AS", "ANY", "ALL", "SOME", "ON", "WHERE", "AND", "OR", "NOT",
		"SELECT", "UNION", "INTERSECT", "EXCEPT", "LATERAL", "VALUES", "INTO", "USING", "WITH",
		"RECURSIVE", "THEN", "ELSE", "WHEN", "CASE", "BY", "HAVING", "SET", "RETURNING", "MATERIALIZED",
		"DISTINCT", "IS", "LIKE", "BETWEEN", "TABLE", "ROW":
		return false
	}
	return true
}

func isUpdateHead(toks []token, i int) bool {
	if i == 0 {
		return true
	}
	// FOR UPDATE / ON DUPLICATE KEY UPDATE / DO UPDATE 都不是 UPDATE 语句
	prev := toks[i-1]
	return !(prev.isWord("FOR") || prev.isWord("KEY") || prev.isWord("DO") || prev.isWord("NO") || prev.isWord("ON"))
}

// readName 读取可能带 schema 限定的名字，返回新位置。
func readName(toks []token, i int) (schema, name string, next int, ok bool) {
	if i >= len(toks) || !toks[i].isName() {
		return "", "", i, false
	}
	parts := []string{toks[i].ident()}
	j := i + 1
	for j+1 < len(toks) && toks[j].isPunct(".") && toks[j+1].isName() {
		parts = append(parts, toks[j+1].ident())
		j += 2
	}
	name = parts[len(parts)-1]
	if len(parts) > 1 {
		schema = strings.Join(parts[:len(parts)-1], ".")
	}
	return schema, name, j, true
}

// tableList 解析 FROM/JOIN 之后的表引用；list 为 true 时允许逗号分隔多个表。返回最后消费的下标。
func (s *Statement) tableList(i int, list bool) int {
	toks := s.toks
	for i < len(toks) {
		for i < len(toks) && (toks[i].isWord("ONLY") || toks[i].isWord("LATERAL")) {
			i++
		}
		if i >= len(toks) || toks[i].isPunct("(") {
			return i - 1
		}
		schema, name, next, ok := readName(toks, i)
		if !ok || (toks[i].kind == tokWord && isReserved(toks[i].upper())) {
			return i - 1
		}
		ref := TableRef{Schema: schema, Name: name}
		depth := toks[i].depth
		if next < len(toks) && toks[next].isPunct("(") {
			ref.Func = true
			next = skipParens(toks, next)
		}
		next, ref.Alias = readAlias(toks, next)
		s.Tables = append(s.Tables, ref)

		if !list || next >= len(toks) || !toks[next].isPunct(",") || toks[next].depth != depth {
			return next - 1
		}
		i = next + 1
	}
	return i
}

func readAlias(toks []token, i int) (int, string) {
	if i < len(toks) && toks[i].isWord("AS") {
		i++
	}
	if i < len(toks) && toks[i].isName() && !(toks[i].kind == tokWord && isReserved(toks[i].upper())) {
		return i + 1, toks[i].ident()
	}
	return i, ""
}

// skipParens 从 '(' 开始跳到与之匹配的 ')' 之后。
func skipParens(toks []token, i int) int {
	depth := toks[i].depth
	for j := i + 1; j < len(toks); j++ {
		if toks[j].isPunct(")") && toks[j].depth == depth {
			return j + 1
		}
	}
	return len(toks)
}

func (s *Statement) insertTarget(i int) int {
	toks := s.toks
	schema, name, next, ok := readName(toks, i)
	if !ok {
		return i - 1
	}
	ref := TableRef{Schema: schema, Name: name}
	next, ref.Alias = readAliasBeforeParen(toks, next)
	s.Tables = append(s.Tables, ref)

	if next < len(toks) && toks[next].isPunct("(") {
		end := skipParens(toks, next)
		// 列清单后面必须跟 VALUES/SELECT/DEFAULT，否则是子查询
		if end < len(toks) && (toks[end].isWord("VALUES") || toks[end].isWord("SELECT") || toks[end].isWord("VALUE") || toks[end].isWord("DEFAULT") || toks[end].isWord("WITH")) {
			for j := next + 1; j < end-1; j++ {
				if toks[j].isName() && (toks[j-1].isPunct("(") || toks[j-1].isPunct(",")) {
					s.Columns = append(s.Columns, ColumnRef{Qualifier: name, Name: toks[j].ident()})
				}
			}
		}
		return end - 1
	}
	return next - 1
}

func readAliasBeforeParen(toks []token, i int) (int, string) {
	if i < len(toks) && toks[i].isWord("AS") && i+1 < len(toks) && toks[i+1].isName() {
		return i + 2, toks[i+1].ident()
	}
	return i, ""
}

func (s *Statement) updateTarget(i int) int {
	toks := s.toks
	for i < len(toks) && (toks[i].isWord("ONLY") || toks[i].isWord("OR") || toks[i].isWord("LOW_PRIORITY") || toks[i].isWord("IGNORE") ||
		toks[i].isWord("ROLLBACK") || toks[i].isWord("ABORT") || toks[i].isWord("REPLACE") || toks[i].isWord("FAIL")) {
		i++
	}
	schema, name, next, ok := readName(toks, i)
	if !ok {
		return i - 1
	}
	ref := TableRef{Schema: schema, Name: name}
	next, ref.Alias = readAlias(toks, next)
	s.Tables = append(s.Tables, ref)

	// SET a = 1, b = 2
	if next < len(toks) && toks[next].isWord("SET") {
		depth := toks[next].depth
		expect := true
		for j := next + 1; j < len(toks); j++ {
			t := toks[j]
			if t.depth != depth {
				continue
			}
			if t.kind == tokWord && (t.isWord("WHERE") || t.isWord("FROM") || t.isWord("RETURNING") || t.isWord("LIMIT") || t.isWord("ORDER")) {
				break
			}
			if expect && t.isName() {
				_, col, after, _ := readName(toks, j)
				if after < len(toks) && toks[after].kind == tokOperator && toks[after].text == "=" {
					s.Columns = append(s.Columns, ColumnRef{Qualifier: name, Name: col})
				}
				expect = false
				continue
			}
			if t.isPunct(",") {
				expect = true
			}
		}
	}
	return next - 1
}

// qualifiedColumns 收集 a.b 形式的引用（b 后面不是 '(' 或 '.'）。
func (s *Statement) qualifiedColumns() {
	toks := s.toks
	for i := 0; i+2 < len(toks); i++ {
		if !toks[i].isName() || !toks[i+1].isPunct(".") || !toks[i+2].isName() {
			continue
		}
		if i > 0 && toks[i-1].isPunct(".") {
			continue
		}
		if i+3 < len(toks) && (toks[i+3].isPunct(".") || toks[i+3].isPunct("(")) {
			continue
		}
		s.Columns = append(s.Columns, ColumnRef{Qualifier: toks[i].ident(), Name: toks[i+2].ident()})
	}
}

func (s *Statement) findLimit() {
	toks := s.toks
	for i := len(toks) - 1; i >= 0; i-- {
		t := toks[i]
		if t.depth != 0 || t.kind != tokWord {
			continue
		}
		switch {
		case t.isWord("LIMIT"):
			s.Limit = limitAt(toks, i)
			return
		case t.isWord("FETCH") && i+1 < len(toks) && (toks[i+1].isWord("FIRST") || toks[i+1].isWord("NEXT")):
			s.Limit = fetchAt(toks, i)
			return
		}
	}
}

func limitAt(toks []token, i int) *LimitClause {
	j := i + 1
	end := j
	for end < len(toks) && !(toks[end].depth == 0 && (toks[end].isWord("OFFSET") || toks[end].isWord("FOR") || toks[end].isWord("FETCH"))) {
		end++
	}
	if j >= end {
		return &LimitClause{start: toks[i].end, end: toks[i].end}
	}
	lc := &LimitClause{start: toks[j].pos, end: toks[end-1].end}
	span := toks[j:end]

	// LIMIT offset, count
	if len(span) == 3 && span[1].isPunct(",") {
		span = span[2:]
		lc.start = span[0].pos
	}
	if len(span) == 1 {
		switch {
		case span[0].isWord("ALL"):
			lc.All = true
		case span[0].kind == tokNumber:
			if v, err := strconv.ParseFloat(span[0].text, 64); err == nil {
				lc.Numeric = true
				lc.Value = v
			}
		}
	}
	return lc
}

func fetchAt(toks []token, i int) *LimitClause {
	j := i + 2
	lc := &LimitClause{Fetch: true, Numeric: true, Value: 1, start: toks[i+1].end, end: toks[i+1].end}
	if j < len(toks) && toks[j].kind == tokNumber {
		lc.start, lc.end = toks[j].pos, toks[j].end
		if v, err := strconv.ParseFloat(toks[j].text, 64); err == nil {
			lc.Value = v
		} else {
			lc.Numeric = false
		}
	} else if j < len(toks) && !(toks[j].isWord("ROW") || toks[j].isWord("ROWS")) {
		lc.Numeric = false
		end := j
		for end < len(toks) && !(toks[end].isWord("ROW") || toks[end].isWord("ROWS")) {
			end++
		}
		lc.start, lc.end = toks[j].pos, toks[end-1].end
	}
	return lc
}

func (s *Statement) findLock() {
	toks := s.toks
	for i := 0; i+1 < len(toks); i++ {
		t := toks[i]
		if t.depth != 0 || !t.isWord("FOR") {
			continue
		}
		n := toks[i+1]
		if n.isWord("UPDATE") || n.isWord("SHARE") || n.isWord("NO") || n.isWord("KEY") {
			s.lockAt = t.pos
			return
		}
	}
}

func selectInto(toks []token) bool {
	for _, t := range toks {
		if t.depth == 0 && t.isWord("INTO") {
			return true
		}
	}
	return false
}

func embeddedWrite(toks []token) bool {
	for i, t := range toks {
		if t.kind != tokWord {
			continue
		}
		switch t.upper() {
		case "INSERT", "DELETE", "MERGE":
			return true
		case "UPDATE":
			if isUpdateHead(toks, i) && i > 0 && toks[i-1].isPunct("(") {
				return true
			}
		case "REPLACE":
			if i+1 < len(toks) && toks[i+1].isWord("INTO") {
				return true
			}
		}
	}
	return false
}

var reserved = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "ORDER": true, "BY": true, "HAVING": true,
	"LIMIT": true, "OFFSET": true, "JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "ON": true, "USING": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "AND": true, "OR": true, "NOT": true, "SET": true, "VALUES": true, "RETURNING": true,
	"WINDOW": true, "FETCH": true, "FOR": true, "AS": true, "INTO": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "CASE": true, "IS": true, "NULL": true, "IN": true, "LIKE": true,
	"BETWEEN": true, "EXISTS": true, "ALL": true, "DISTINCT": true, "WITH": true, "DEFAULT": true,
	"STRAIGHT_JOIN": true, "LATERAL": true, "QUALIFY": true,
}

func isReserved(kw string) bool {
	return reserved[kw]
}
