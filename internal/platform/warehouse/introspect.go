package warehouse

import (
	"context"
	"fmt"
)

// Column is one column of an introspected table.
type Column struct {
	Name string
	Type string
}

// Introspector discovers table and column metadata for a catalog/schema
// pair. The catalog component maps to the database name in Postgres.
type Introspector interface {
	ListTables(ctx context.Context, catalog, schema string) ([]string, error)
	ListColumns(ctx context.Context, catalog, schema, table string) ([]Column, error)
}

// ListTables returns base table names in the given catalog.schema.
func (p *PG) ListTables(ctx context.Context, catalog, schema string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_catalog = $1
		  AND table_schema = $2
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`, catalog, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables for %s.%s: %w", catalog, schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ListColumns returns the columns of one table in ordinal order.
func (p *PG) ListColumns(ctx context.Context, catalog, schema, table string) ([]Column, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_catalog = $1
		  AND table_schema = $2
		  AND table_name = $3
		ORDER BY ordinal_position`, catalog, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}
