package sqlguard

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wwwzy/QueryFit/internal/database"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokParam
	tokPunct
	tokOperator
)

// token 的 Pos/End 是在原始 SQL 中的字节偏移；Depth 是所在括号层级（括号本身取外层层级）。
type token struct {
	kind  tokenKind
	text  string
	pos   int
	end   int
	depth int
}

func (t token) isWord(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

func (t token) upper() string {
	return strings.ToUpper(t.text)
}

// ident 返回标识符的规范名（去掉引号、小写）。
func (t token) ident() string {
	switch t.kind {
	case tokWord:
		return strings.ToLower(t.text)
	case tokQuotedIdent:
		if len(t.text) >= 2 {
			inner := t.text[1 : len(t.text)-1]
			q := t.text[:1]
			if q == "[" {
				return strings.ToLower(inner)
			}
			return strings.ToLower(strings.ReplaceAll(inner, q+q, q))
		}
	}
	return ""
}

func (t token) isName() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

type lexer struct {
	src     string
	dialect database.Dialect
	pos     int
	depth   int
	tokens  []token
}

func lex(src string, d database.Dialect) ([]token, error) {
	l := &lexer{src: src, dialect: d}
	if err := l.run(); err != nil {
		return nil, err
	}
	if l.depth != 0 {
		return nil, syntaxErr(d, len(src), "unbalanced parentheses")
	}
	return l.tokens, nil
}

func (l *lexer) emit(kind tokenKind, start int) {
	l.tokens = append(l.tokens, token{kind: kind, text: l.src[start:l.pos], pos: start, end: l.pos, depth: l.depth})
}

func (l *lexer) peek(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		start := l.pos
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			l.pos++
		case c == '-' && l.peek(1) == '-':
			l.skipLine()
		case c == '#' && l.dialect == database.MySQL:
			l.skipLine()
		case c == '/' && l.peek(1) == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return syntaxErr(l.dialect, start, "unterminated comment")
			}
			l.pos += end + 4
		case c == '\'':
			if err := l.quoted('\'', l.dialect == database.MySQL); err != nil {
				return err
			}
			l.emit(tokString, start)
		case c == '"':
			if err := l.quoted('"', l.dialect == database.MySQL); err != nil {
				return err
			}
			if l.dialect == database.MySQL {
				l.emit(tokString, start)
			} else {
				l.emit(tokQuotedIdent, start)
			}
		case c == '`':
			if l.dialect == database.Postgres {
				return syntaxErr(l.dialect, start, "unexpected character '`'")
			}
			if err := l.quoted('`', false); err != nil {
				return err
			}
			l.emit(tokQuotedIdent, start)
		case c == '[' && l.dialect == database.SQLite:
			end := strings.IndexByte(l.src[l.pos:], ']')
			if end < 0 {
				return syntaxErr(l.dialect, start, "unterminated bracket identifier")
			}
			l.pos += end + 1
			l.emit(tokQuotedIdent, start)
		case c == '$' && l.dialect == database.Postgres:
			if err := l.dollar(); err != nil {
				return err
			}
		case c == '?' && l.dialect != database.Postgres:
			l.pos++
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
			l.emit(tokParam, start)
		case (c == ':' || c == '@' || c == '$') && l.dialect != database.Postgres && isIdentStart(l.peekRune(1)):
			l.pos++
			l.identTail()
			l.emit(tokParam, start)
		case isDigit(c) || (c == '.' && isDigit(l.peek(1))):
			l.number()
			l.emit(tokNumber, start)
		case c == '(':
			l.pos++
			l.emit(tokPunct, start)
			l.depth++
		case c == ')':
			if l.depth == 0 {
				return syntaxErr(l.dialect, start, "unexpected ')'")
			}
			l.depth--
			l.pos++
			l.emit(tokPunct, start)
		case c == ',' || c == ';' || c == '.':
			l.pos++
			l.emit(tokPunct, start)
		case strings.IndexByte("+-*/%<>=!|&^~:[]{}?@", c) >= 0:
			for l.pos < len(l.src) && strings.IndexByte("+-*/%<>=!|&^~:?@", l.src[l.pos]) >= 0 {
				// 注释起始符不吞进运算符
				if l.src[l.pos] == '-' && l.peek(1) == '-' || l.src[l.pos] == '/' && l.peek(1) == '*' {
					break
				}
				l.pos++
			}
			if l.pos == start {
				l.pos++
			}
			l.emit(tokOperator, start)
		default:
			r := l.peekRune(0)
			if !isIdentStart(r) {
				return syntaxErr(l.dialect, start, "unexpected character %q", r)
			}
			// postgres 的 E'...' 转义字符串
			if l.dialect == database.Postgres && (c == 'E' || c == 'e') && l.peek(1) == '\'' {
				l.pos++
				if err := l.quoted('\'', true); err != nil {
					return err
				}
				l.emit(tokString, start)
				continue
			}
			l.identTail()
			l.emit(tokWord, start)
		}
	}
	return nil
}

func (l *lexer) skipLine() {
	end := strings.IndexByte(l.src[l.pos:], '\n')
	if end < 0 {
		l.pos = len(l.src)
		return
	}
	l.pos += end + 1
}

// quoted 读取以 q 包围的内容，成对的 q 表示转义；backslash 为 true 时 \ 也转义下一个字符。
func (l *lexer) quoted(q byte, backslash bool) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if backslash && c == '\\' {
			l.pos += 2
			continue
		}
		if c == q {
			if l.peek(1) == q {
				l.pos += 2
				continue
			}
			l.pos++
			return nil
		}
		l.pos++
	}
	return syntaxErr(l.dialect, start, "unterminated quoted literal")
}

func (l *lexer) dollar() error {
	start := l.pos
	if isDigit(l.peek(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		l.emit(tokParam, start)
		return nil
	}
	// $tag$ ... $tag$
	end := strings.IndexByte(l.src[l.pos+1:], '$')
	if end < 0 {
		return syntaxErr(l.dialect, start, "unexpected character '$'")
	}
	tag := l.src[l.pos : l.pos+end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return syntaxErr(l.dialect, start, "unexpected character '$'")
		}
	}
	body := l.pos + len(tag)
	closeAt := strings.Index(l.src[body:], tag)
	if closeAt < 0 {
		return syntaxErr(l.dialect, start, "unterminated dollar-quoted string")
	}
	l.pos = body + closeAt + len(tag)
	l.emit(tokString, start)
	return nil
}

func (l *lexer) number() {
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.peek(0) == '.' && l.pos+1 <= len(l.src) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if c := l.peek(0); c == 'e' || c == 'E' {
		next := l.peek(1)
		if isDigit(next) || ((next == '+' || next == '-') && isDigit(l.peek(2))) {
			l.pos += 2
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
	}
}

func (l *lexer) identTail() {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			l.pos += size
			continue
		}
		break
	}
}

func (l *lexer) peekRune(off int) rune {
	if l.pos+off >= len(l.src) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.pos+off:])
	return r
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}
