package spark

import "strings"

// SplitStatements splits a migration script into individual statements on
// top-level semicolons, skipping semicolons inside single-quoted strings,
// double-quoted identifiers, and -- / block comments. Spark Connect has no
// simple-query submission like PostgreSQL, so each statement is sent as
// its own ExecutePlan call, in source order.
func SplitStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	runes := []rune(sql)
	n := len(runes)

	for i := 0; i < n; i++ {
		c := runes[i]

		switch {
		case c == '\'' || c == '"':
			quote := c
			current.WriteRune(c)
			i++
			for i < n {
				current.WriteRune(runes[i])
				if runes[i] == quote {
					// doubled quote is an escaped literal quote
					if i+1 < n && runes[i+1] == quote {
						current.WriteRune(runes[i+1])
						i += 2
						continue
					}
					break
				}
				i++
			}
		case c == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				current.WriteRune(runes[i])
				i++
			}
			if i < n {
				current.WriteRune(runes[i])
			}
		case c == '/' && i+1 < n && runes[i+1] == '*':
			current.WriteRune(c)
			i++
			current.WriteRune(runes[i])
			i++
			for i < n {
				current.WriteRune(runes[i])
				if runes[i] == '/' && runes[i-1] == '*' {
					break
				}
				i++
			}
		case c == ';':
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteRune(c)
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}
