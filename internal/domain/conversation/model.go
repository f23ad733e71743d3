// Package conversation holds the multi-turn state machine that drives
// cohort building: it classifies each user turn, routes it to the right
// processing step, and keeps the per-session state and reasoning trace.
package conversation

import (
	"time"

	"github.com/cohort/cohort/internal/domain/cohort"
	"github.com/cohort/cohort/internal/domain/dimension"
	"github.com/cohort/cohort/internal/platform/nlq"
)

// Step is the orchestrator's current position in the pipeline.
type Step string

const (
	StepNewCohort                Step = "new_cohort"
	StepInterpreting             Step = "interpreting"
	StepSearchingCodes           Step = "searching_codes"
	StepAwaitingCodeConfirmation Step = "awaiting_code_confirmation"
	StepGeneratingSQL            Step = "generating_sql"
	StepAwaitingAnalysisDecision Step = "awaiting_analysis_decision"
	StepExploring                Step = "exploring"
	StepRefining                 Step = "refining"
	StepAnsweringQuestion        Step = "answering_question"
	StepError                    Step = "error"
)

// WaitingFor marks the pending question the next user turn answers.
// While set, classification reads the turn strictly as that answer.
type WaitingFor string

const (
	WaitingNone             WaitingFor = ""
	WaitingCodeConfirmation WaitingFor = "code-confirmation"
	WaitingAnalysisDecision WaitingFor = "analysis-decision"
	WaitingRefinementInput  WaitingFor = "refinement-input"
)

// LogEntry is one line of the session's reasoning trace. The trace is
// append-only; entries are never rewritten or reordered.
type LogEntry struct {
	Step    string    `json:"step"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// CandidateSet groups the resolver's candidates for one extracted
// concept. Warning is set when the concept yielded nothing or the
// lookup failed; partial results are surfaced, never dropped.
type CandidateSet struct {
	Concept string     `json:"concept"`
	Codes   []nlq.Code `json:"codes,omitempty"`
	Warning string     `json:"warning,omitempty"`
}

// Session is the full state of one conversation. Exactly one
// orchestrator step mutates it per turn; concurrent turns on the same
// session serialize through the store's per-session lock.
type Session struct {
	ID          string     `json:"id"`
	CurrentStep Step       `json:"current_step"`
	WaitingFor  WaitingFor `json:"waiting_for,omitempty"`

	// Set by interpret_intent, replaced wholesale by refine_criteria.
	CriteriaText string            `json:"criteria_text,omitempty"`
	Concepts     []nlq.Concept     `json:"concepts,omitempty"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Timeframe    string            `json:"timeframe,omitempty"`

	// Set by search_codes, consumed by the confirmation turn.
	Candidates    []CandidateSet `json:"candidates,omitempty"`
	SelectedCodes []nlq.Code     `json:"selected_codes,omitempty"`

	// Opaque generator conversation id, carried across turns.
	RemoteHandle string `json:"-"`

	// Set by generate_sql; cleared by refine_criteria.
	CountsSQL  string           `json:"-"`
	RecordsSQL string           `json:"-"`
	CountRows  []map[string]any `json:"counts,omitempty"`

	// Set by explore_cohort; cleared by refine_criteria.
	Cohort           *cohort.Table               `json:"cohort,omitempty"`
	DimensionResults map[string]dimension.Result `json:"dimension_results,omitempty"`

	ReasoningLog []LogEntry `json:"reasoning_log"`
	LastError    string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// resetDerived drops everything downstream of the criteria text. Called
// when a turn restarts interpretation so stale statements, counts, and
// cohort references never leak into the new pipeline run.
func (s *Session) resetDerived() {
	s.Concepts = nil
	s.Demographics = nil
	s.Timeframe = ""
	s.Candidates = nil
	s.SelectedCodes = nil
	s.CountsSQL = ""
	s.RecordsSQL = ""
	s.CountRows = nil
	s.Cohort = nil
	s.DimensionResults = nil
}

func (s *Session) appendLog(step Step, summary string) {
	s.ReasoningLog = append(s.ReasoningLog, LogEntry{
		Step:    string(step),
		Summary: summary,
		At:      time.Now(),
	})
	s.UpdatedAt = time.Now()
}

// TurnResponse is the structured record returned to the UI layer after
// each turn.
type TurnResponse struct {
	SessionID        string                      `json:"session_id"`
	Step             Step                        `json:"step"`
	AssistantMessage string                      `json:"assistant_message"`
	ReasoningLog     []LogEntry                  `json:"reasoning_log"`
	PendingQuestion  string                      `json:"pending_question,omitempty"`
	Counts           []map[string]any            `json:"counts,omitempty"`
	CohortSummary    *cohort.Table               `json:"cohort_summary,omitempty"`
	DimensionResults map[string]dimension.Result `json:"dimension_results,omitempty"`
	Error            string                      `json:"error,omitempty"`
}
