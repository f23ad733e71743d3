package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrExecution wraps failures reported by the underlying SQL engine. The
// engine's message is preserved; its stack is not.
var ErrExecution = errors.New("query execution failed")

// ResultSet holds the output of a read query: column order plus one map
// per row. Callers reassemble results by column name, never by position
// beyond the Columns slice.
type ResultSet struct {
	Columns []string
	Rows    []map[string]any
}

// Executor runs SQL against the warehouse. Query is for read statements,
// Exec for DDL (cohort materialization). Both honor context deadlines.
type Executor interface {
	Query(ctx context.Context, sql string) (*ResultSet, error)
	Exec(ctx context.Context, sql string) error
}

// PG is the pgx-backed Executor and Introspector.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// Query runs a read statement and returns results as a slice of maps.
func (p *PG) Query(ctx context.Context, sql string) (*ResultSet, error) {
	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = string(fd.Name)
	}

	rs := &ResultSet{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			row[name] = values[i]
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	return rs, nil
}

// Exec runs a statement without collecting rows.
func (p *PG) Exec(ctx context.Context, sql string) error {
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}
