package cohort

import "time"

// Table is one materialized cohort. Immutable once created; a refined
// cohort is a new Table, never an update of the old one.
type Table struct {
	TableID   string    `json:"table_id"`
	SourceSQL string    `json:"-"`
	RowCount  int64     `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
	JoinKeys  []string  `json:"join_keys"`
}

// HasJoinKey reports whether the cohort exposes the given identifier
// column for downstream joins.
func (t *Table) HasJoinKey(key string) bool {
	for _, k := range t.JoinKeys {
		if k == key {
			return true
		}
	}
	return false
}
