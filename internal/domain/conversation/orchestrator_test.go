package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/dimension"
	"github.com/cohort/cohort/internal/platform/nlq"
	"github.com/cohort/cohort/internal/platform/warehouse"
)

type fakeIntents struct {
	intent *nlq.Intent
	err    error
}

func (f *fakeIntents) Extract(ctx context.Context, text string) (*nlq.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.intent != nil {
		return f.intent, nil
	}
	return &nlq.Intent{Concepts: []nlq.Concept{{Text: "heart failure", Span: text}}}, nil
}

type fakeResolver struct {
	codes []nlq.Code
	err   error
}

func (f *fakeResolver) Search(ctx context.Context, conceptText string, maxResults int) ([]nlq.Code, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.codes, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	generate func(criteria nlq.Criteria, purpose nlq.Purpose, handle string) (*nlq.Generation, error)
	answer   string
}

func (f *fakeGenerator) Generate(ctx context.Context, criteria nlq.Criteria, purpose nlq.Purpose, handle string) (*nlq.Generation, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.generate != nil {
		return f.generate(criteria, purpose, handle)
	}
	return &nlq.Generation{
		SQL:    fmt.Sprintf("SELECT patient_key FROM patient_demographics WHERE q = %d AND p = '%s'", n, purpose),
		Handle: fmt.Sprintf("conv-%d", n),
	}, nil
}

func (f *fakeGenerator) GenerateDimension(ctx context.Context, req nlq.DimensionRequest) (string, error) {
	return "", errors.New("not used in these tests")
}

func (f *fakeGenerator) Answer(ctx context.Context, question, handle string) (string, error) {
	if f.answer == "" {
		return "", nlq.ErrGeneration
	}
	return f.answer, nil
}

type fakeMaterializer struct {
	mu      sync.Mutex
	seq     int
	bySQL   map[string]*cohort.Table
	err     error
	dropped []string
}

func (f *fakeMaterializer) Materialize(ctx context.Context, sessionID, recordsSQL string) (*cohort.Table, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bySQL == nil {
		f.bySQL = make(map[string]*cohort.Table)
	}
	if t, ok := f.bySQL[sessionID+"|"+recordsSQL]; ok {
		return t, nil
	}
	f.seq++
	t := &cohort.Table{
		TableID:   fmt.Sprintf("cohort_test_%d", f.seq),
		SourceSQL: recordsSQL,
		RowCount:  int64(100 * f.seq),
		JoinKeys:  []string{"patient_key"},
	}
	f.bySQL[sessionID+"|"+recordsSQL] = t
	return t, nil
}

func (f *fakeMaterializer) Drop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
	return nil
}

type fakeEngine struct {
	failDims map[string]bool
}

func (f *fakeEngine) Analyze(ctx context.Context, table *cohort.Table, specs []dimension.Spec) map[string]dimension.Result {
	out := make(map[string]dimension.Result, len(specs))
	for _, spec := range specs {
		if f.failDims[spec.Name] {
			err := errors.New("statement rejected twice: required output column missing")
			out[spec.Name] = dimension.Result{Dimension: spec.Name, Err: err, Error: err.Error()}
			continue
		}
		out[spec.Name] = dimension.Result{
			Dimension: spec.Name,
			SQL:       "SELECT 1",
			Rows:      []map[string]any{{"value": "a", "patient_count": int64(7)}},
		}
	}
	return out
}

type fakeExecutor struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeExecutor) Query(ctx context.Context, sql string) (*warehouse.ResultSet, error) {
	f.mu.Lock()
	f.queries = append(f.queries, sql)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &warehouse.ResultSet{
		Columns: []string{"patient_count", "encounter_count"},
		Rows:    []map[string]any{{"patient_count": int64(4321), "encounter_count": int64(9876)}},
	}, nil
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string) error { return nil }

func eightCodes() []nlq.Code {
	codes := make([]nlq.Code, 8)
	for i := range codes {
		codes[i] = nlq.Code{Code: fmt.Sprintf("I50.%d", i), Vocabulary: "ICD-10-CM", Description: "Heart failure", Score: 0.9}
	}
	return codes
}

type fixture struct {
	store *Store
	orc   *Orchestrator
	deps  Deps
}

func newFixture(mutate func(*Deps)) *fixture {
	deps := Deps{
		Store:              NewStore(),
		Intents:            &fakeIntents{},
		Resolver:           &fakeResolver{codes: eightCodes()},
		Generator:          &fakeGenerator{answer: "Mostly inpatient visits."},
		Materializer:       &fakeMaterializer{},
		Engine:             &fakeEngine{},
		Executor:           &fakeExecutor{},
		Registry:           dimension.DefaultRegistry()[:9],
		ResolverMaxResults: 10,
		SearchConcurrency:  4,
		Log:                zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{store: deps.Store, orc: NewOrchestrator(deps), deps: deps}
}

func (f *fixture) turn(t *testing.T, id, text string) *TurnResponse {
	t.Helper()
	resp, err := f.orc.ProcessTurn(context.Background(), id, text)
	if err != nil {
		t.Fatalf("ProcessTurn(%q) error: %v", text, err)
	}
	return resp
}

// Scenario A: criteria → codes → confirm all → counts → explore →
// nine dimension results.
func TestScenarioExploreFullPipeline(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	r1 := f.turn(t, s.ID, "patients with heart failure")
	if r1.Step != StepAwaitingCodeConfirmation {
		t.Fatalf("turn 1 step = %s, want %s", r1.Step, StepAwaitingCodeConfirmation)
	}
	if r1.PendingQuestion == "" {
		t.Error("turn 1 should pose the code confirmation question")
	}

	r2 := f.turn(t, s.ID, "use all")
	if r2.Step != StepAwaitingAnalysisDecision {
		t.Fatalf("turn 2 step = %s, want %s", r2.Step, StepAwaitingAnalysisDecision)
	}
	if len(r2.Counts) == 0 {
		t.Error("turn 2 should carry counts")
	}

	r3 := f.turn(t, s.ID, "explore")
	if r3.Step != StepExploring {
		t.Fatalf("turn 3 step = %s, want %s", r3.Step, StepExploring)
	}
	if r3.CohortSummary == nil {
		t.Fatal("turn 3 missing cohort summary")
	}
	if len(r3.DimensionResults) != 9 {
		t.Fatalf("dimension results = %d, want 9", len(r3.DimensionResults))
	}
	withRows := 0
	for _, r := range r3.DimensionResults {
		if len(r.Rows) > 0 {
			withRows++
		}
	}
	if withRows == 0 {
		t.Error("expected at least one dimension with rows")
	}
}

// Scenario B: refinement after exploration clears the cohort and a new
// exploration materializes a different table.
func TestScenarioRefineSwapsCohort(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	r := f.turn(t, s.ID, "explore")
	firstTable := r.CohortSummary.TableID

	r4 := f.turn(t, s.ID, "add age filter 50 to 70")
	if r4.Step != StepAwaitingCodeConfirmation {
		t.Fatalf("refinement should rerun the pipeline, step = %s", r4.Step)
	}

	// Cohort is stale and must be gone before the next explore.
	snap, _ := f.store.Snapshot(s.ID)
	if snap.Cohort != nil {
		t.Fatal("refinement did not clear the cohort")
	}
	if !strings.Contains(snap.CriteriaText, "heart failure") || !strings.Contains(snap.CriteriaText, "age filter") {
		t.Errorf("merged criteria = %q", snap.CriteriaText)
	}

	f.turn(t, s.ID, "use all")
	r6 := f.turn(t, s.ID, "explore")
	if r6.CohortSummary == nil {
		t.Fatal("second explore missing cohort")
	}
	if r6.CohortSummary.TableID == firstTable {
		t.Errorf("cohort table not swapped: still %s", firstTable)
	}
}

// Scenario C: one dimension fails while the rest return rows; the turn
// still succeeds.
func TestScenarioPartialDimensionFailure(t *testing.T) {
	f := newFixture(func(d *Deps) {
		d.Engine = &fakeEngine{failDims: map[string]bool{"race": true}}
	})
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	r := f.turn(t, s.ID, "explore")

	if r.Step == StepError {
		t.Fatal("partial dimension failure must not fail the turn")
	}
	race := r.DimensionResults["race"]
	if race.Err == nil || race.Error == "" {
		t.Error("race should carry a descriptive error")
	}
	good := 0
	for name, res := range r.DimensionResults {
		if name != "race" && res.Err == nil {
			good++
		}
	}
	if good != 8 {
		t.Errorf("successful siblings = %d, want 8", good)
	}
}

func TestReasoningLogIsAppendOnly(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	var prev []LogEntry
	for _, text := range []string{"patients with heart failure", "use all", "explore", "add age filter"} {
		r := f.turn(t, s.ID, text)
		if len(r.ReasoningLog) < len(prev) {
			t.Fatalf("log shrank from %d to %d entries", len(prev), len(r.ReasoningLog))
		}
		for i := range prev {
			if r.ReasoningLog[i] != prev[i] {
				t.Fatalf("log entry %d rewritten: %+v -> %+v", i, prev[i], r.ReasoningLog[i])
			}
		}
		prev = r.ReasoningLog
	}
}

func TestIntentExtractionFailureIsTurnFatal(t *testing.T) {
	f := newFixture(func(d *Deps) {
		d.Intents = &fakeIntents{intent: &nlq.Intent{}}
	})
	s := f.store.Create()

	r := f.turn(t, s.ID, "asdf qwerty")
	if r.Step != StepError {
		t.Fatalf("step = %s, want %s", r.Step, StepError)
	}
	if r.Error != ErrIntentExtraction.Error() {
		t.Errorf("error category = %q", r.Error)
	}
	if r.AssistantMessage == "" {
		t.Error("fatal errors must include an actionable message")
	}

	// Session stays usable: a fresh criteria turn restarts cleanly.
	f.deps.Intents.(*fakeIntents).intent = nil
	r2 := f.turn(t, s.ID, "patients with heart failure")
	if r2.Step != StepAwaitingCodeConfirmation {
		t.Errorf("recovery turn step = %s", r2.Step)
	}
}

func TestResolverFailurePerConceptIsContained(t *testing.T) {
	// One of two concepts finds codes; the turn proceeds with a
	// warning instead of failing.
	f := newFixture(func(d *Deps) {
		d.Intents = &fakeIntents{intent: &nlq.Intent{Concepts: []nlq.Concept{
			{Text: "heart failure"}, {Text: "unobtainium"},
		}}}
		d.Resolver = &conceptResolver{codes: map[string][]nlq.Code{"heart failure": eightCodes()}}
	})
	s := f.store.Create()

	r := f.turn(t, s.ID, "patients with heart failure on unobtainium")
	if r.Step != StepAwaitingCodeConfirmation {
		t.Fatalf("step = %s, want confirmation despite one empty concept", r.Step)
	}
	if !strings.Contains(r.AssistantMessage, "no matches") {
		t.Errorf("warning not surfaced: %q", r.AssistantMessage)
	}
}

type conceptResolver struct {
	codes map[string][]nlq.Code
}

func (r *conceptResolver) Search(ctx context.Context, conceptText string, maxResults int) ([]nlq.Code, error) {
	return r.codes[conceptText], nil
}

func TestUnmatchedConfirmationAsksAgain(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	r := f.turn(t, s.ID, "Z99.999")
	if r.Step != StepAwaitingCodeConfirmation {
		t.Fatalf("step = %s, want to keep waiting", r.Step)
	}
	if r.PendingQuestion == "" {
		t.Error("should re-ask the confirmation question")
	}
}

func TestConfirmationBySpecificCodes(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	r := f.turn(t, s.ID, "use I50.1 and I50.3")
	if r.Step != StepAwaitingAnalysisDecision {
		t.Fatalf("step = %s, want %s", r.Step, StepAwaitingAnalysisDecision)
	}

	snap, _ := f.store.Snapshot(s.ID)
	if len(snap.SelectedCodes) != 2 {
		t.Errorf("selected codes = %d, want 2", len(snap.SelectedCodes))
	}
}

func TestBareRefineAsksForInstruction(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")

	r := f.turn(t, s.ID, "refine")
	if r.Step != StepRefining || r.PendingQuestion == "" {
		t.Fatalf("bare refine: step = %s, pending = %q", r.Step, r.PendingQuestion)
	}

	// The next turn is read strictly as the refinement instruction.
	r2 := f.turn(t, s.ID, "only ages 50 to 70")
	if r2.Step != StepAwaitingCodeConfirmation {
		t.Fatalf("refinement instruction step = %s", r2.Step)
	}
	snap, _ := f.store.Snapshot(s.ID)
	if !strings.Contains(snap.CriteriaText, "only ages 50 to 70") {
		t.Errorf("criteria = %q", snap.CriteriaText)
	}
	if strings.Contains(snap.CriteriaText, "; refine") {
		t.Errorf("bare refine leaked into criteria: %q", snap.CriteriaText)
	}
}

func TestAnswerQuestionFromCohortMetadata(t *testing.T) {
	f := newFixture(nil)
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	f.turn(t, s.ID, "explore")

	r := f.turn(t, s.ID, "how many patients are in the cohort?")
	if r.Step != StepAnsweringQuestion {
		t.Fatalf("step = %s, want %s", r.Step, StepAnsweringQuestion)
	}
	if !strings.Contains(r.AssistantMessage, "100") {
		t.Errorf("count answer missing row count: %q", r.AssistantMessage)
	}
}

func TestMaterializationFailureDoesNotKillSession(t *testing.T) {
	mat := &fakeMaterializer{err: errors.New("disk full")}
	f := newFixture(func(d *Deps) { d.Materializer = mat })
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	r := f.turn(t, s.ID, "explore")
	if r.Step != StepError {
		t.Fatalf("step = %s, want %s", r.Step, StepError)
	}

	// User refines and retries; the pipeline runs again.
	mat.err = nil
	f.turn(t, s.ID, "patients with heart failure over 65")
	f.turn(t, s.ID, "use all")
	r2 := f.turn(t, s.ID, "explore")
	if r2.Step != StepExploring || r2.CohortSummary == nil {
		t.Errorf("retry after failure: step = %s", r2.Step)
	}
}

// literalIntents behaves like a real extractor: command words such as
// "explore" contain no clinical concepts.
type literalIntents struct{}

func (literalIntents) Extract(ctx context.Context, text string) (*nlq.Intent, error) {
	if !strings.Contains(strings.ToLower(text), "heart failure") {
		return &nlq.Intent{}, nil
	}
	return &nlq.Intent{Concepts: []nlq.Concept{{Text: "heart failure", Span: text}}}, nil
}

func TestRepeatExploreRetriesAfterMaterializationFailure(t *testing.T) {
	mat := &fakeMaterializer{err: errors.New("warehouse unavailable")}
	f := newFixture(func(d *Deps) {
		d.Materializer = mat
		d.Intents = literalIntents{}
	})
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	r := f.turn(t, s.ID, "explore")
	if r.Step != StepError {
		t.Fatalf("step = %s, want %s", r.Step, StepError)
	}

	// The warehouse recovers; repeating the instruction retries the
	// exploration with the state built so far instead of treating
	// "explore" as fresh criteria.
	mat.err = nil
	r2 := f.turn(t, s.ID, "explore")
	if r2.Step != StepExploring {
		t.Fatalf("repeat explore step = %s, want %s", r2.Step, StepExploring)
	}
	if r2.CohortSummary == nil {
		t.Fatal("repeat explore missing cohort summary")
	}

	snap, _ := f.store.Snapshot(s.ID)
	if len(snap.SelectedCodes) != 8 {
		t.Errorf("selected codes = %d, want 8 (retry must keep pipeline state)", len(snap.SelectedCodes))
	}
	if len(snap.CountRows) == 0 {
		t.Error("counts lost across the retry")
	}
}

func TestAnswerQuestionWithoutContext(t *testing.T) {
	// The answering step refuses to guess before any counts or cohort
	// exist, whatever routed the turn there.
	f := newFixture(nil)
	s := f.store.Create()

	var r *TurnResponse
	ok, err := f.store.WithSession(s.ID, func(sess *Session) error {
		r = f.orc.answerQuestion(context.Background(), sess, "how many patients are in the cohort?")
		return nil
	})
	if !ok || err != nil {
		t.Fatalf("WithSession: ok=%v err=%v", ok, err)
	}
	if r.Step != StepError {
		t.Fatalf("step = %s, want %s", r.Step, StepError)
	}
	if r.Error != ErrNoContext.Error() {
		t.Errorf("error category = %q, want %q", r.Error, ErrNoContext.Error())
	}
	if r.AssistantMessage == "" {
		t.Error("no-context errors must include an actionable message")
	}
}

func TestProcessTurnUnknownSession(t *testing.T) {
	f := newFixture(nil)
	if _, err := f.orc.ProcessTurn(context.Background(), "nope", "hello"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestAbandonDropsCohortTables(t *testing.T) {
	mat := &fakeMaterializer{}
	f := newFixture(func(d *Deps) { d.Materializer = mat })
	s := f.store.Create()

	f.turn(t, s.ID, "patients with heart failure")
	f.turn(t, s.ID, "use all")
	f.turn(t, s.ID, "explore")

	if err := f.orc.Abandon(context.Background(), s.ID); err != nil {
		t.Fatalf("Abandon() error: %v", err)
	}
	if len(mat.dropped) != 1 || mat.dropped[0] != s.ID {
		t.Errorf("dropped = %v", mat.dropped)
	}
	if _, ok := f.store.Snapshot(s.ID); ok {
		t.Error("session still present after abandon")
	}
}
