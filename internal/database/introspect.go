package database

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	sqliteSchemaQuery = `SELECT sql FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL
ORDER BY name`

	postgresSchemaQuery = `SELECT table_name,
       string_agg(column_name || ' ' || data_type, ', ' ORDER BY ordinal_position) AS columns
FROM information_schema.columns
WHERE table_schema = 'public'
GROUP BY table_name
ORDER BY table_name`

	mysqlSchemaQuery = `SELECT TABLE_NAME AS table_name,
       GROUP_CONCAT(CONCAT(COLUMN_NAME, ' ', COLUMN_TYPE) ORDER BY ORDINAL_POSITION SEPARATOR ', ') AS columns
FROM information_schema.columns
WHERE TABLE_SCHEMA = DATABASE()
GROUP BY TABLE_NAME
ORDER BY TABLE_NAME`
)

type tableColumns struct {
	TableName string `gorm:"column:table_name"`
	Columns   string `gorm:"column:columns"`
}

// introspect 把库结构整理成一段描述文本：
// sqlite 输出原始 CREATE TABLE 语句，postgres/mysql 输出 "TABLE t (col type, ...);" 行。
func introspect(ctx context.Context, db *gorm.DB, d Dialect) (string, error) {
	switch d {
	case SQLite:
		var stmts []string
		if err := db.WithContext(ctx).Raw(sqliteSchemaQuery).Scan(&stmts).Error; err != nil {
			return "", fmt.Errorf("read sqlite_master: %w", err)
		}
		return strings.Join(stmts, "\n"), nil
	case Postgres, MySQL:
		q := postgresSchemaQuery
		if d == MySQL {
			q = mysqlSchemaQuery
		}
		var rows []tableColumns
		if err := db.WithContext(ctx).Raw(q).Scan(&rows).Error; err != nil {
			return "", fmt.Errorf("read information_schema: %w", err)
		}
		lines := make([]string, 0, len(rows))
		for _, r := range rows {
			lines = append(lines, fmt.Sprintf("TABLE %s (%s);", r.TableName, r.Columns))
		}
		return strings.Join(lines, "\n"), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDialect, d)
}
