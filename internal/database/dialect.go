package database

import (
	"errors"
	"fmt"
	"strings"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

var ErrUnknownDialect = errors.New("unknown database dialect")

// ParseDialect 归一化方言名称，兼容托管服务的别名（supabase/neon 都是 postgres）。
func ParseDialect(v string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql", "supabase", "neon", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, v)
}

func (d Dialect) Valid() bool {
	switch d {
	case SQLite, Postgres, MySQL:
		return true
	}
	return false
}

// DisplayName 用于面向用户的反馈文案。
func (d Dialect) DisplayName() string {
	switch d {
	case Postgres:
		return "Postgres"
	case MySQL:
		return "MySQL"
	default:
		return "SQLite"
	}
}
