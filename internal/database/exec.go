package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

func queryRows(ctx context.Context, db *gorm.DB, sql string) (*Result, error) {
	rows, err := db.WithContext(ctx).Raw(sql).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	res := &Result{Columns: cols, Rows: []map[string]any{}}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func execWrite(ctx context.Context, db *gorm.DB, sql string) (*Result, error) {
	tx := db.WithContext(ctx).Exec(sql)
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &Result{Mutation: &MutationSummary{Message: "Success", RowsAffected: tx.RowsAffected}}, nil
}
