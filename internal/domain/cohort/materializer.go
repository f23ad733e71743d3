// Package cohort persists patient-record result sets as named warehouse
// tables and tracks which identifier columns each table carries.
package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/platform/warehouse"
)

// ErrMaterialization wraps execution failures while creating or counting
// a cohort table. The engine's message is preserved, its stack is not.
var ErrMaterialization = errors.New("cohort materialization failed")

// Identifier columns recognized as join keys, in preference order.
var joinKeyCandidates = []string{"patient_key", "medrec_key", "encounter_key", "patient_id", "encounter_id"}

// Materializer creates cohort tables. Calling Materialize twice with
// byte-identical SQL for the same session returns the first table
// without re-running the creation statement.
type Materializer struct {
	exec   warehouse.Executor
	schema string
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastTS    int64
	bySession map[string]map[string]*Table
}

func NewMaterializer(exec warehouse.Executor, schema string, log zerolog.Logger) *Materializer {
	return &Materializer{
		exec:      exec,
		schema:    schema,
		log:       log,
		now:       time.Now,
		bySession: make(map[string]map[string]*Table),
	}
}

// Materialize persists recordsSQL as a cohort table and returns its
// metadata. Idempotent per (sessionID, exact SQL bytes).
func (m *Materializer) Materialize(ctx context.Context, sessionID, recordsSQL string) (*Table, error) {
	fp := fingerprint(recordsSQL)

	m.mu.Lock()
	if t := m.bySession[sessionID][fp]; t != nil {
		m.mu.Unlock()
		m.log.Debug().Str("session", sessionID).Str("table", t.TableID).Msg("reusing materialized cohort")
		return t, nil
	}
	m.mu.Unlock()

	name := fmt.Sprintf("cohort_%s_%d", shortID(sessionID), m.nextTimestamp())
	qualified := m.qualify(name)

	stmt := fmt.Sprintf("CREATE TABLE %s AS %s", qualified, strings.TrimRight(strings.TrimSpace(recordsSQL), ";"))
	if err := m.exec.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaterialization, err)
	}

	// The table exists from here on; if the follow-up probes fail it
	// must not be left behind unregistered, where Drop cannot find it.
	count, err := m.countRows(ctx, qualified)
	if err != nil {
		m.dropOrphan(ctx, qualified)
		return nil, err
	}
	keys, err := m.detectJoinKeys(ctx, qualified)
	if err != nil {
		m.dropOrphan(ctx, qualified)
		return nil, err
	}

	t := &Table{
		TableID:   name,
		SourceSQL: recordsSQL,
		RowCount:  count,
		CreatedAt: m.now(),
		JoinKeys:  keys,
	}

	m.mu.Lock()
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]*Table)
	}
	m.bySession[sessionID][fp] = t
	m.mu.Unlock()

	m.log.Info().
		Str("session", sessionID).
		Str("table", name).
		Int64("rows", count).
		Strs("join_keys", keys).
		Msg("cohort materialized")
	return t, nil
}

// Drop removes every cohort table created for the session and forgets
// the fingerprints, so a later identical request re-materializes.
func (m *Materializer) Drop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	tables := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	m.mu.Unlock()

	var firstErr error
	for _, t := range tables {
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", m.qualify(t.TableID))
		if err := m.exec.Exec(ctx, stmt); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("drop cohort table %s: %w", t.TableID, err)
		}
	}
	return firstErr
}

// dropOrphan is best-effort: the original failure is what the caller
// sees either way.
func (m *Materializer) dropOrphan(ctx context.Context, qualified string) {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified)
	if err := m.exec.Exec(ctx, stmt); err != nil {
		m.log.Warn().Str("table", qualified).Err(err).Msg("failed to drop orphaned cohort table")
	}
}

// Qualified returns the table's fully qualified name for use in
// downstream statements.
func (m *Materializer) Qualified(t *Table) string {
	return m.qualify(t.TableID)
}

func (m *Materializer) qualify(name string) string {
	if m.schema == "" {
		return name
	}
	return m.schema + "." + name
}

func (m *Materializer) countRows(ctx context.Context, qualified string) (int64, error) {
	rs, err := m.exec.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", qualified))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMaterialization, err)
	}
	if len(rs.Rows) == 0 {
		return 0, fmt.Errorf("%w: count query returned no rows", ErrMaterialization)
	}
	return toInt64(rs.Rows[0]["n"]), nil
}

func (m *Materializer) detectJoinKeys(ctx context.Context, qualified string) ([]string, error) {
	rs, err := m.exec.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", qualified))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaterialization, err)
	}

	present := make(map[string]bool, len(rs.Columns))
	for _, c := range rs.Columns {
		present[strings.ToLower(c)] = true
	}

	var keys []string
	for _, cand := range joinKeyCandidates {
		if present[cand] {
			keys = append(keys, cand)
		}
	}
	return keys, nil
}

// nextTimestamp returns a strictly increasing unix timestamp so two
// materializations in the same second never collide on table name.
func (m *Materializer) nextTimestamp() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now().Unix()
	if ts <= m.lastTS {
		ts = m.lastTS + 1
	}
	m.lastTS = ts
	return ts
}

func fingerprint(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// shortID compresses a session id into the 8-character table name
// component, dropping UUID dashes.
func shortID(sessionID string) string {
	s := strings.ToLower(strings.ReplaceAll(sessionID, "-", ""))
	if len(s) > 8 {
		s = s[:8]
	}
	return s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
