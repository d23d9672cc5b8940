package sqlguard

import (
	"errors"
	"fmt"

	"github.com/wwwzy/QueryFit/internal/database"
)

var (
	ErrSyntax   = errors.New("sql syntax error")
	ErrSecurity = errors.New("sql security violation")
)

// SyntaxError 表示 SQL 无法被解析。
type SyntaxError struct {
	Dialect database.Dialect
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("Syntax Error: The generated SQL is invalid (%s at offset %d, dialect %s).", e.Msg, e.Pos, e.Dialect)
}

func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

// SecurityError 表示语句形态不被当前路径允许（例如只读路径上出现了写语句）。
type SecurityError struct {
	// Attempted 为检测到的语句类型（例如 DELETE、DROP）。
	Attempted string
	Msg       string
}

func (e *SecurityError) Error() string {
	return "Security Alert: " + e.Msg
}

func (e *SecurityError) Is(target error) bool {
	return target == ErrSecurity
}

func syntaxErr(d database.Dialect, pos int, format string, args ...any) error {
	return &SyntaxError{Dialect: d, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
