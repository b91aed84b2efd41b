package planner

import (
	"regexp"

	"github.com/swellow-db/swellow/internal/migration"
)

// breakingTokens are scanned case-insensitively against SQL with string and
// comment literals stripped out first, so a token appearing only inside a
// literal ('DROP TABLE' as a string value, or in a -- comment) is not a
// false positive.
var breakingTokens = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?i)\bDROP\s+COLUMN\b`),
	regexp.MustCompile(`(?i)\bTRUNCATE\b`),
	regexp.MustCompile(`(?i)\bALTER\s+\w+(\s+\w+)*\s+DROP\b`),
}

// appendBreakingChangeDiagnostics scans each step's SQL for tokens that
// historically precede data loss and attaches a warning diagnostic per
// match. This never blocks the plan.
func appendBreakingChangeDiagnostics(plan *migration.Plan) {
	for _, step := range plan.Steps {
		stripped := stripLiterals(step.SQL)
		for _, token := range breakingTokens {
			if token.MatchString(stripped) {
				plan.Diagnostics = append(plan.Diagnostics, migration.Diagnostic{
					VersionID: step.VersionID,
					Kind:      migration.DiagnosticBreakingChange,
					Message:   "step " + token.String() + " matched a breaking-change pattern",
				})
			}
		}
	}
}

// stripLiterals blanks out the contents of single/double-quoted strings and
// -- / block comments so the heuristic scan only sees actual SQL keywords.
func stripLiterals(sql string) string {
	runes := []rune(sql)
	n := len(runes)
	out := make([]rune, 0, n)

	for i := 0; i < n; i++ {
		c := runes[i]
		switch {
		case c == '\'' || c == '"':
			quote := c
			out = append(out, ' ')
			i++
			for i < n {
				if runes[i] == quote {
					if i+1 < n && runes[i+1] == quote {
						i += 2
						continue
					}
					break
				}
				i++
			}
		case c == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i < n {
				if runes[i] == '/' && i > 0 && runes[i-1] == '*' {
					break
				}
				i++
			}
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
