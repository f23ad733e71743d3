package conversation

import "strings"

// Classify decides which step handles the incoming turn. A pending
// question always wins: while WaitingFor is set, the text is read
// strictly as the answer, even when it superficially resembles a fresh
// criteria statement. With nothing pending, text against existing
// results routes to answering, refinement, or exploration — repeating
// "explore" after a failed exploration retries it instead of wiping the
// session through re-interpretation. Anything else restarts
// interpretation as new criteria (the low-confidence default).
func Classify(s *Session, text string) Step {
	switch s.WaitingFor {
	case WaitingCodeConfirmation:
		return StepGeneratingSQL
	case WaitingAnalysisDecision:
		return classifyDecision(text)
	case WaitingRefinementInput:
		return StepRefining
	}

	if hasResults(s) {
		if looksLikeQuestion(text) {
			return StepAnsweringQuestion
		}
		lower := strings.ToLower(text)
		if containsAny(lower, refineWords) {
			return StepRefining
		}
		if containsAny(lower, exploreWords) {
			return StepExploring
		}
	}
	return StepInterpreting
}

func hasResults(s *Session) bool {
	return s.Cohort != nil || len(s.CountRows) > 0 || len(s.DimensionResults) > 0
}

var exploreWords = []string{"explore", "break down", "breakdown", "analyze", "analyse", "dimensions", "yes"}

var refineWords = []string{"refine", "add ", "remove ", "drop ", "change", "filter", "only ", "exclude", "narrow", "instead", "limit to"}

// classifyDecision reads the answer to the explore-vs-refine question.
// An unrecognized answer is treated as a refinement instruction, which
// loops the pipeline rather than materializing a cohort the user may
// not want.
func classifyDecision(text string) Step {
	lower := strings.ToLower(text)
	if containsAny(lower, exploreWords) {
		return StepExploring
	}
	if containsAny(lower, refineWords) {
		return StepRefining
	}
	if looksLikeQuestion(text) {
		return StepAnsweringQuestion
	}
	return StepRefining
}

var questionLeads = []string{
	"how ", "what ", "which ", "why ", "who ", "when ", "where ",
	"is ", "are ", "do ", "does ", "did ", "can ", "could ",
}

func looksLikeQuestion(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	for _, lead := range questionLeads {
		if strings.HasPrefix(trimmed, lead) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
