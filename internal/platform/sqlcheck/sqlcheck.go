// Package sqlcheck validates generated SQL before it reaches the
// warehouse. Validation never rejects by panicking or returning an
// error: every finding is reported as a structured problem so the
// caller can feed the full list back into a regeneration attempt.
package sqlcheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cohort/cohort/internal/platform/schemacat"
)

// Problem codes.
const (
	CodeEmptyStatement   = "empty_statement"
	CodeMultiStatement   = "multi_statement"
	CodeDestructiveVerb  = "destructive_verb"
	CodeNotReadOnly      = "not_read_only"
	CodeUnknownTable     = "unknown_table"
	CodeMissingColumn    = "missing_output_column"
	CodeMissingAggregate = "missing_aggregate"
	CodeSelectStar       = "select_star"
	CodeUnbalancedParens = "unbalanced_parentheses"
)

// Problem is a single validation finding. Advisory problems do not fail
// validation; they are surfaced so a regeneration prompt can mention
// them.
type Problem struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Advisory bool   `json:"advisory,omitempty"`
}

// Result is the outcome of one validation pass. OK is true when no
// blocking problem was found.
type Result struct {
	OK       bool      `json:"ok"`
	Problems []Problem `json:"problems,omitempty"`
}

// Expect declares what the caller requires of the statement beyond it
// being safe: output columns the select list must produce, whether an
// aggregate is required, and extra table names to accept on top of the
// schema entry (materialized cohort tables live outside the warehouse
// catalog).
type Expect struct {
	OutputColumns    []string
	RequireAggregate bool
	AllowTables      []string
}

// Statements must read, never write. MERGE and GRANT are included even
// though the upstream generator should never emit them.
var destructiveVerbs = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER", "TRUNCATE", "MERGE", "GRANT",
}

var (
	verbPatterns   = compileVerbPatterns()
	commentPattern = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)
	tablePattern   = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)
	aggPattern     = regexp.MustCompile(`(?i)\b(?:COUNT|SUM|AVG|MIN|MAX)\s*\(`)
)

func compileVerbPatterns() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(destructiveVerbs))
	for _, v := range destructiveVerbs {
		out[v] = regexp.MustCompile(`(?i)\b` + v + `\b`)
	}
	return out
}

// Validate checks one statement against the safety rules and the
// caller's expectations. entry may be nil, in which case table-existence
// checks are skipped.
func Validate(sql string, expect Expect, entry *schemacat.Entry) Result {
	var problems []Problem

	stripped := strings.TrimSpace(commentPattern.ReplaceAllString(sql, " "))
	if stripped == "" {
		return Result{Problems: []Problem{{
			Code:    CodeEmptyStatement,
			Message: "statement is empty",
		}}}
	}

	// A trailing semicolon is tolerated; an interior one means a second
	// statement is smuggled in.
	if rest := strings.TrimRight(stripped, "; \t\n"); strings.Contains(rest, ";") {
		problems = append(problems, Problem{
			Code:    CodeMultiStatement,
			Message: "only a single statement is allowed",
		})
	}

	for _, verb := range destructiveVerbs {
		if verbPatterns[verb].MatchString(stripped) {
			problems = append(problems, Problem{
				Code:    CodeDestructiveVerb,
				Message: fmt.Sprintf("statement contains forbidden keyword %s", verb),
			})
		}
	}

	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		problems = append(problems, Problem{
			Code:    CodeNotReadOnly,
			Message: "statement must start with SELECT or WITH",
		})
	}

	if depth := parenBalance(stripped); depth != 0 {
		problems = append(problems, Problem{
			Code:    CodeUnbalancedParens,
			Message: "parentheses are unbalanced",
		})
	}

	problems = append(problems, checkTables(stripped, expect, entry)...)
	problems = append(problems, checkOutput(stripped, expect)...)

	ok := true
	for _, p := range problems {
		if !p.Advisory {
			ok = false
			break
		}
	}
	return Result{OK: ok, Problems: problems}
}

func checkTables(sql string, expect Expect, entry *schemacat.Entry) []Problem {
	if entry == nil {
		return nil
	}

	allowed := make(map[string]bool, len(expect.AllowTables))
	for _, t := range expect.AllowTables {
		allowed[strings.ToLower(t)] = true
	}

	// CTE names are legal FROM targets even though they are not tables.
	cteNames := collectCTENames(sql)

	var problems []Problem
	seen := map[string]bool{}
	for _, m := range tablePattern.FindAllStringSubmatch(sql, -1) {
		ref := m[1]
		// Strip any schema qualifier; the entry indexes bare names.
		bare := ref
		if i := strings.LastIndex(ref, "."); i >= 0 {
			bare = ref[i+1:]
		}
		lower := strings.ToLower(bare)
		if seen[lower] {
			continue
		}
		seen[lower] = true

		if allowed[lower] || allowed[strings.ToLower(ref)] || cteNames[lower] {
			continue
		}
		if entry.Table(bare) == nil {
			problems = append(problems, Problem{
				Code:    CodeUnknownTable,
				Message: fmt.Sprintf("table %s does not exist in the discovered schema", ref),
			})
		}
	}
	return problems
}

// parenBalance ignores parentheses inside single-quoted literals.
func parenBalance(sql string) int {
	depth := 0
	inString := false
	for _, r := range sql {
		switch {
		case r == '\'':
			inString = !inString
		case inString:
		case r == '(':
			depth++
		case r == ')':
			depth--
		}
	}
	return depth
}

var ctePattern = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*\(`)

func collectCTENames(sql string) map[string]bool {
	names := map[string]bool{}
	for _, m := range ctePattern.FindAllStringSubmatch(sql, -1) {
		names[strings.ToLower(m[1])] = true
	}
	return names
}

func checkOutput(sql string, expect Expect) []Problem {
	var problems []Problem
	lower := strings.ToLower(sql)

	if len(expect.OutputColumns) > 0 {
		if strings.Contains(lower, "select *") {
			problems = append(problems, Problem{
				Code:     CodeSelectStar,
				Message:  "SELECT * makes required output columns unverifiable",
				Advisory: true,
			})
		} else {
			for _, col := range expect.OutputColumns {
				if !strings.Contains(lower, strings.ToLower(col)) {
					problems = append(problems, Problem{
						Code:    CodeMissingColumn,
						Message: fmt.Sprintf("required output column %s is not produced", col),
					})
				}
			}
		}
	}

	if expect.RequireAggregate && !aggPattern.MatchString(sql) {
		problems = append(problems, Problem{
			Code:    CodeMissingAggregate,
			Message: "statement must compute an aggregate (COUNT, SUM, AVG, MIN or MAX)",
		})
	}
	return problems
}
