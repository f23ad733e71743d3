package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/dimension"
	"github.com/cohort/cohort/internal/platform/nlq"
	"github.com/cohort/cohort/internal/platform/sqlcheck"
	"github.com/cohort/cohort/internal/platform/warehouse"
)

var (
	// ErrIntentExtraction means no clinical concepts could be pulled
	// from the criteria text.
	ErrIntentExtraction = errors.New("intent extraction failed")

	// ErrNoContext means a question was asked before any cohort or
	// counts exist.
	ErrNoContext = errors.New("no cohort context")

	// ErrSessionNotFound is returned for turns on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Materializer persists record sets as cohort tables.
type Materializer interface {
	Materialize(ctx context.Context, sessionID, recordsSQL string) (*cohort.Table, error)
	Drop(ctx context.Context, sessionID string) error
}

// Analyzer evaluates the dimension registry against a cohort table.
type Analyzer interface {
	Analyze(ctx context.Context, table *cohort.Table, specs []dimension.Spec) map[string]dimension.Result
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store        *Store
	Intents      nlq.IntentExtractor
	Resolver     nlq.Resolver
	Generator    nlq.Generator
	Materializer Materializer
	Engine       Analyzer
	Executor     warehouse.Executor

	Registry           []dimension.Spec
	ResolverMaxResults int
	SearchConcurrency  int
	Log                zerolog.Logger
}

// Orchestrator is the top-level state machine. One instance serves all
// sessions; per-session serialization lives in the store.
type Orchestrator struct {
	d Deps
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.ResolverMaxResults < 1 {
		d.ResolverMaxResults = 10
	}
	if d.SearchConcurrency < 1 {
		d.SearchConcurrency = 1
	}
	return &Orchestrator{d: d}
}

// ProcessTurn runs one user turn against the session, serialized with
// any concurrent turns on the same session.
func (o *Orchestrator) ProcessTurn(ctx context.Context, sessionID, userText string) (*TurnResponse, error) {
	var resp *TurnResponse
	ok, err := o.d.Store.WithSession(sessionID, func(s *Session) error {
		resp = o.processLocked(ctx, s, strings.TrimSpace(userText))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return resp, nil
}

// Abandon drops the session and its materialized cohort tables.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) error {
	if !o.d.Store.Delete(sessionID) {
		return ErrSessionNotFound
	}
	return o.d.Materializer.Drop(ctx, sessionID)
}

func (o *Orchestrator) processLocked(ctx context.Context, s *Session, text string) *TurnResponse {
	next := Classify(s, text)
	o.d.Log.Debug().
		Str("session", s.ID).
		Str("from", string(s.CurrentStep)).
		Str("to", string(next)).
		Msg("turn classified")

	switch next {
	case StepInterpreting:
		return o.interpret(ctx, s, text)
	case StepGeneratingSQL:
		return o.confirmCodes(ctx, s, text)
	case StepExploring:
		return o.explore(ctx, s)
	case StepRefining:
		return o.refine(ctx, s, text)
	case StepAnsweringQuestion:
		return o.answerQuestion(ctx, s, text)
	default:
		return o.interpret(ctx, s, text)
	}
}

// interpret_intent: extract concepts and filters, then move straight
// into code search.
func (o *Orchestrator) interpret(ctx context.Context, s *Session, text string) *TurnResponse {
	s.CurrentStep = StepInterpreting
	s.WaitingFor = WaitingNone
	s.resetDerived()
	s.CriteriaText = text

	intent, err := o.d.Intents.Extract(ctx, text)
	if err != nil {
		return o.fail(s, ErrIntentExtraction, err,
			"I could not interpret those criteria. Try rephrasing, e.g. \"patients with heart failure over 65\".")
	}
	if len(intent.Concepts) == 0 {
		return o.fail(s, ErrIntentExtraction, errors.New("no concepts extracted"),
			"I did not find any clinical concepts in that. Try naming a condition, procedure, or medication.")
	}

	s.Concepts = intent.Concepts
	s.Demographics = intent.Demographics
	s.Timeframe = intent.Timeframe
	s.appendLog(StepInterpreting, fmt.Sprintf("extracted %d concept(s) from criteria", len(intent.Concepts)))

	return o.searchCodes(ctx, s)
}

// search_codes: resolve every concept concurrently, grouping candidates
// by concept. A concept with no candidates is flagged, not fatal.
func (o *Orchestrator) searchCodes(ctx context.Context, s *Session) *TurnResponse {
	s.CurrentStep = StepSearchingCodes

	candidates := make([]CandidateSet, len(s.Concepts))
	var g errgroup.Group
	g.SetLimit(o.d.SearchConcurrency)

	for i, concept := range s.Concepts {
		i, concept := i, concept
		g.Go(func() error {
			codes, err := o.d.Resolver.Search(ctx, concept.Text, o.d.ResolverMaxResults)
			set := CandidateSet{Concept: concept.Text, Codes: codes}
			if err != nil {
				set.Warning = fmt.Sprintf("code search failed: %v", err)
			} else if len(codes) == 0 {
				set.Warning = "no candidate codes found"
			}
			candidates[i] = set
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	warnings := 0
	for _, c := range candidates {
		total += len(c.Codes)
		if c.Warning != "" {
			warnings++
		}
	}
	if total == 0 {
		return o.fail(s, nlq.ErrResolverUnavailable, errors.New("no candidates for any concept"),
			"I could not find codes for any of those concepts. Try different terminology.")
	}

	s.Candidates = candidates
	s.CurrentStep = StepAwaitingCodeConfirmation
	s.WaitingFor = WaitingCodeConfirmation
	s.appendLog(StepSearchingCodes, fmt.Sprintf("found %d candidate code(s) across %d concept(s), %d warning(s)", total, len(candidates), warnings))

	msg := fmt.Sprintf("I found %d candidate codes for your criteria.", total)
	if warnings > 0 {
		msg += fmt.Sprintf(" %d concept(s) had no matches and were skipped.", warnings)
	}
	return o.respond(s, msg, "Which codes should I use? Reply \"use all\" or list specific codes.")
}

// Code confirmation: read the selection, then generate and run the
// counts statement.
func (o *Orchestrator) confirmCodes(ctx context.Context, s *Session, text string) *TurnResponse {
	selected := selectCodes(s.Candidates, text)
	if len(selected) == 0 {
		// Stay in the confirmation state and ask again.
		return o.respond(s, "I could not match that to any of the candidate codes.",
			"Reply \"use all\" or name the codes to keep, e.g. \"I50.9, 428.0\".")
	}

	s.SelectedCodes = selected
	s.WaitingFor = WaitingNone
	s.appendLog(StepAwaitingCodeConfirmation, fmt.Sprintf("user confirmed %d code(s)", len(selected)))

	return o.generateCounts(ctx, s)
}

func (o *Orchestrator) generateCounts(ctx context.Context, s *Session) *TurnResponse {
	s.CurrentStep = StepGeneratingSQL

	gen, err := o.d.Generator.Generate(ctx, o.criteria(s), nlq.PurposeCounts, s.RemoteHandle)
	if err != nil {
		return o.fail(s, nlq.ErrGeneration, err,
			"I could not build a query for those criteria. Try simplifying or rephrasing them.")
	}
	s.RemoteHandle = gen.Handle

	if check := sqlcheck.Validate(gen.SQL, sqlcheck.Expect{}, nil); !check.OK {
		return o.fail(s, nlq.ErrGeneration, fmt.Errorf("generated statement failed safety checks: %+v", check.Problems),
			"The generated query did not pass safety checks. Try rephrasing your criteria.")
	}
	s.CountsSQL = gen.SQL
	s.appendLog(StepGeneratingSQL, "generated counts statement")

	rs, err := o.d.Executor.Query(ctx, s.CountsSQL)
	if err != nil {
		return o.fail(s, warehouse.ErrExecution, err,
			"Running the counts query failed. You can refine the criteria and try again.")
	}

	s.CountRows = rs.Rows
	s.CurrentStep = StepAwaitingAnalysisDecision
	s.WaitingFor = WaitingAnalysisDecision
	s.appendLog(StepAwaitingAnalysisDecision, "counts ready, awaiting explore/refine decision")

	resp := o.respond(s, "Here are the counts for your cohort.",
		"Explore this cohort across dimensions, or refine the criteria?")
	resp.Counts = s.CountRows
	return resp
}

// explore_cohort: materialize (or reuse) the cohort table, then run the
// dimension engine. Partial dimension failure is a valid terminal
// outcome, not an error.
func (o *Orchestrator) explore(ctx context.Context, s *Session) *TurnResponse {
	s.CurrentStep = StepExploring
	s.WaitingFor = WaitingNone

	if s.RecordsSQL == "" {
		gen, err := o.d.Generator.Generate(ctx, o.criteria(s), nlq.PurposeRecords, s.RemoteHandle)
		if err != nil {
			return o.fail(s, nlq.ErrGeneration, err,
				"I could not build the record-level query for this cohort. Try refining the criteria.")
		}
		s.RemoteHandle = gen.Handle
		if check := sqlcheck.Validate(gen.SQL, sqlcheck.Expect{}, nil); !check.OK {
			return o.fail(s, nlq.ErrGeneration, fmt.Errorf("generated statement failed safety checks: %+v", check.Problems),
				"The generated query did not pass safety checks. Try rephrasing your criteria.")
		}
		s.RecordsSQL = gen.SQL
		s.appendLog(StepGeneratingSQL, "generated records statement")
	}

	if s.Cohort == nil || s.Cohort.SourceSQL != s.RecordsSQL {
		table, err := o.d.Materializer.Materialize(ctx, s.ID, s.RecordsSQL)
		if err != nil {
			return o.fail(s, cohort.ErrMaterialization, err,
				"Materializing the cohort failed. You can refine the criteria and try again.")
		}
		s.Cohort = table
		s.appendLog(StepExploring, fmt.Sprintf("materialized cohort %s with %d rows", table.TableID, table.RowCount))
	}

	results := o.d.Engine.Analyze(ctx, s.Cohort, o.d.Registry)
	s.DimensionResults = results

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	s.appendLog(StepExploring, fmt.Sprintf("analyzed %d dimension(s), %d failed", len(results), failed))

	msg := fmt.Sprintf("Cohort %s has %d rows; %d of %d dimension breakdowns completed.",
		s.Cohort.TableID, s.Cohort.RowCount, len(results)-failed, len(results))
	resp := o.respond(s, msg, "")
	resp.CohortSummary = s.Cohort
	resp.DimensionResults = results
	return resp
}

// refine_criteria: merge the instruction into the criteria, drop the
// now-stale cohort and statements, and re-run the pipeline. The
// superseded criteria stay in the reasoning log.
func (o *Orchestrator) refine(ctx context.Context, s *Session, text string) *TurnResponse {
	s.CurrentStep = StepRefining

	// A bare "refine" carries no instruction to merge; hold the state
	// and ask for one.
	if isBareRefineRequest(text) {
		s.WaitingFor = WaitingRefinementInput
		return o.respond(s, "Sure, we can refine the cohort.",
			"What would you like to change? E.g. \"only ages 50 to 70\" or \"exclude outpatient visits\".")
	}

	s.WaitingFor = WaitingNone
	s.appendLog(StepRefining, fmt.Sprintf("refining criteria %q with %q", s.CriteriaText, text))

	merged := text
	if s.CriteriaText != "" {
		merged = s.CriteriaText + "; " + text
	}

	// interpret resets all derived state before re-running the
	// pipeline with the merged criteria.
	return o.interpret(ctx, s, merged)
}

// answer_question: answer from existing results without re-running
// materialization.
func (o *Orchestrator) answerQuestion(ctx context.Context, s *Session, text string) *TurnResponse {
	s.CurrentStep = StepAnsweringQuestion
	s.WaitingFor = WaitingNone

	if s.Cohort == nil && len(s.CountRows) == 0 {
		return o.fail(s, ErrNoContext, errors.New("question before any cohort"),
			"There is no cohort yet. Describe the patients you are looking for first.")
	}

	lower := strings.ToLower(text)
	if s.Cohort != nil && containsAny(lower, []string{"how many", "how big", "count", "number of"}) {
		s.appendLog(StepAnsweringQuestion, "answered count question from cohort metadata")
		resp := o.respond(s, fmt.Sprintf("The current cohort has %d rows (table %s).", s.Cohort.RowCount, s.Cohort.TableID), "")
		resp.CohortSummary = s.Cohort
		return resp
	}

	answer, err := o.d.Generator.Answer(ctx, text, s.RemoteHandle)
	if err != nil {
		return o.fail(s, nlq.ErrGeneration, err,
			"I could not answer that from the current results. You can refine the criteria or explore again.")
	}
	s.appendLog(StepAnsweringQuestion, "answered follow-up question")
	return o.respond(s, answer, "")
}

// handle_error: every failure path funnels here. Cohort and generated
// statements are left untouched so a retry or refinement can reuse
// them; waitingFor is cleared so the next turn classifies cleanly.
func (o *Orchestrator) fail(s *Session, category, cause error, userMessage string) *TurnResponse {
	o.d.Log.Warn().
		Str("session", s.ID).
		Str("category", category.Error()).
		Err(cause).
		Msg("turn failed")

	s.CurrentStep = StepError
	s.WaitingFor = WaitingNone
	s.LastError = category.Error()
	s.appendLog(StepError, category.Error())

	resp := o.respond(s, userMessage, "")
	resp.Error = category.Error()
	return resp
}

func (o *Orchestrator) respond(s *Session, message, pending string) *TurnResponse {
	logCopy := make([]LogEntry, len(s.ReasoningLog))
	copy(logCopy, s.ReasoningLog)
	return &TurnResponse{
		SessionID:        s.ID,
		Step:             s.CurrentStep,
		AssistantMessage: message,
		ReasoningLog:     logCopy,
		PendingQuestion:  pending,
	}
}

func (o *Orchestrator) criteria(s *Session) nlq.Criteria {
	return nlq.Criteria{
		Text:         s.CriteriaText,
		Codes:        s.SelectedCodes,
		Demographics: s.Demographics,
		Timeframe:    s.Timeframe,
	}
}

var bareRefineRequests = map[string]bool{
	"refine": true, "refine it": true, "refine the criteria": true,
	"no": true, "not yet": true, "change it": true,
}

func isBareRefineRequest(text string) bool {
	return bareRefineRequests[strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), ".!")]
}

// selectCodes reads the user's confirmation. "use all" (or "all"/"yes")
// keeps every candidate; otherwise tokens are matched against candidate
// code values case-insensitively.
func selectCodes(candidates []CandidateSet, text string) []nlq.Code {
	lower := strings.ToLower(strings.TrimSpace(text))

	if containsAny(lower, []string{"use all", "all of them", "yes"}) || lower == "all" {
		var all []nlq.Code
		for _, set := range candidates {
			all = append(all, set.Codes...)
		}
		return all
	}

	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	wanted := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		wanted[tok] = true
	}

	var selected []nlq.Code
	for _, set := range candidates {
		for _, code := range set.Codes {
			if wanted[strings.ToLower(code.Code)] {
				selected = append(selected, code)
			}
		}
	}
	return selected
}
