package dimension

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/platform/nlq"
	"github.com/cohort/cohort/internal/platform/schemacat"
	"github.com/cohort/cohort/internal/platform/sqlcheck"
	"github.com/cohort/cohort/internal/platform/warehouse"
)

// Generator produces one breakdown statement per request.
type Generator interface {
	GenerateDimension(ctx context.Context, req nlq.DimensionRequest) (string, error)
}

// SchemaSource yields the schema entry used for validation and prompt
// context.
type SchemaSource interface {
	Get(ctx context.Context, catalog, schema string) (*schemacat.Entry, error)
}

// Result is the outcome for one axis. Exactly one of Rows and Err is
// set; Error mirrors Err for transport.
type Result struct {
	Dimension string           `json:"dimension"`
	SQL       string           `json:"sql,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// Engine fans the per-axis pipeline out over a fixed worker pool. One
// axis failing at any stage never aborts its siblings, and Analyze
// itself never fails.
type Engine struct {
	gen     Generator
	exec    warehouse.Executor
	schemas SchemaSource

	catalogName  string
	schemaName   string
	cohortSchema string
	workers      int
	log          zerolog.Logger
}

func NewEngine(gen Generator, exec warehouse.Executor, schemas SchemaSource, catalogName, schemaName, cohortSchema string, workers int, log zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		gen:          gen,
		exec:         exec,
		schemas:      schemas,
		catalogName:  catalogName,
		schemaName:   schemaName,
		cohortSchema: cohortSchema,
		workers:      workers,
		log:          log,
	}
}

// Analyze evaluates every spec against the cohort table and returns a
// complete map keyed by dimension name. Completion order carries no
// meaning; callers reassemble by key.
func (e *Engine) Analyze(ctx context.Context, table *cohort.Table, specs []Spec) map[string]Result {
	jobs := make(chan Spec)
	results := make(map[string]Result, len(specs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				r := e.analyzeOne(ctx, table, spec)
				mu.Lock()
				results[spec.Name] = r
				mu.Unlock()
			}
		}()
	}

	for _, s := range specs {
		jobs <- s
	}
	close(jobs)
	wg.Wait()

	return results
}

// analyzeOne runs the generate → validate → execute pipeline for one
// axis, regenerating once with the validator's findings before giving
// up.
func (e *Engine) analyzeOne(ctx context.Context, table *cohort.Table, spec Spec) Result {
	entry, err := e.schemas.Get(ctx, e.catalogName, e.schemaName)
	if err != nil {
		return fail(spec, "", fmt.Errorf("schema discovery: %w", err))
	}

	qualified := e.qualify(table.TableID)
	var problems []string

	for attempt := 0; attempt < 2; attempt++ {
		sql, err := e.gen.GenerateDimension(ctx, nlq.DimensionRequest{
			Dimension:     spec.Name,
			OutputColumns: spec.RequiredOutputColumns,
			CohortTable:   qualified,
			JoinKeys:      table.JoinKeys,
			SchemaContext: entry.Render(spec.SourcePurposes...),
			Problems:      problems,
		})
		if err != nil {
			return fail(spec, "", err)
		}

		check := sqlcheck.Validate(sql, sqlcheck.Expect{
			OutputColumns:    spec.RequiredOutputColumns,
			RequireAggregate: true,
			AllowTables:      []string{table.TableID, qualified},
		}, entry)
		if !check.OK {
			problems = problemMessages(check)
			e.log.Debug().
				Str("dimension", spec.Name).
				Int("attempt", attempt+1).
				Strs("problems", problems).
				Msg("dimension statement rejected")
			continue
		}

		rs, err := e.exec.Query(ctx, sql)
		if err != nil {
			return fail(spec, sql, err)
		}
		return Result{Dimension: spec.Name, SQL: sql, Rows: rs.Rows}
	}

	return fail(spec, "", fmt.Errorf("statement rejected twice: %s", strings.Join(problems, "; ")))
}

func (e *Engine) qualify(tableID string) string {
	if e.cohortSchema == "" {
		return tableID
	}
	return e.cohortSchema + "." + tableID
}

func fail(spec Spec, sql string, err error) Result {
	return Result{Dimension: spec.Name, SQL: sql, Err: err, Error: err.Error()}
}

func problemMessages(r sqlcheck.Result) []string {
	msgs := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		if !p.Advisory {
			msgs = append(msgs, p.Message)
		}
	}
	return msgs
}
