// Package nlq defines the contracts for the external language services:
// the code resolver, the SQL generator, and the intent extractor. Domain
// packages depend on these interfaces; the HTTP bindings live alongside
// them.
package nlq

import (
	"context"
	"errors"
)

var (
	// ErrResolverUnavailable covers transport failures and non-2xx
	// responses from the code resolver.
	ErrResolverUnavailable = errors.New("code resolver unavailable")

	// ErrGeneration covers failures of the SQL generator, for both
	// cohort and dimension statements.
	ErrGeneration = errors.New("sql generation failed")
)

// Purpose tags a generated statement. Counts statements aggregate;
// records statements return row-level identifiers for materialization.
type Purpose string

const (
	PurposeCounts  Purpose = "counts"
	PurposeRecords Purpose = "records"
)

// Code is one ranked candidate from the resolver.
type Code struct {
	Code        string  `json:"code"`
	Vocabulary  string  `json:"vocabulary"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Concept is a clinical idea extracted from free text, with the raw span
// it was extracted from.
type Concept struct {
	Text string `json:"concept"`
	Span string `json:"span"`
}

// Intent is the structured reading of one criteria statement.
type Intent struct {
	Concepts     []Concept         `json:"concepts"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Timeframe    string            `json:"timeframe,omitempty"`
}

// Criteria is the payload sent to the generator: the analyst's text plus
// the codes and filters settled so far.
type Criteria struct {
	Text         string            `json:"text"`
	Codes        []Code            `json:"codes,omitempty"`
	Demographics map[string]string `json:"demographics,omitempty"`
	Timeframe    string            `json:"timeframe,omitempty"`
}

// Generation is the generator's output. Handle is an opaque remote
// conversation id; passing it back on the next call lets the remote side
// keep context across turns.
type Generation struct {
	SQL    string `json:"sql"`
	Handle string `json:"conversation_id"`
}

// DimensionRequest asks the generator for one breakdown statement
// against a materialized cohort table. Problems carries validator
// findings from a failed prior attempt.
type DimensionRequest struct {
	Dimension     string   `json:"dimension"`
	OutputColumns []string `json:"output_columns"`
	CohortTable   string   `json:"cohort_table"`
	JoinKeys      []string `json:"join_keys,omitempty"`
	SchemaContext string   `json:"schema_context,omitempty"`
	Problems      []string `json:"problems,omitempty"`
}

// Resolver maps a clinical concept to ranked candidate codes. An empty
// result is a valid outcome, not an error.
type Resolver interface {
	Search(ctx context.Context, conceptText string, maxResults int) ([]Code, error)
}

// Generator produces SQL from structured criteria and answers follow-up
// questions using the remote conversation handle.
type Generator interface {
	Generate(ctx context.Context, criteria Criteria, purpose Purpose, handle string) (*Generation, error)
	GenerateDimension(ctx context.Context, req DimensionRequest) (string, error)
	Answer(ctx context.Context, question, handle string) (string, error)
}

// IntentExtractor pulls concepts and filters out of free text.
type IntentExtractor interface {
	Extract(ctx context.Context, text string) (*Intent, error)
}
