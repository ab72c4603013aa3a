// Package sqlsafe gates ad-hoc SQL text before it reaches any backend
// connector. It is a defense-in-depth filter, not a SQL parser: it is
// deliberately conservative and rejects on ambiguity, because a false
// rejection is safe and a false acceptance is not.
package sqlsafe

import (
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// deniedKeywords are rejected as whole words anywhere in the statement.
var deniedKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE",
	"GRANT", "REVOKE", "EXEC", "EXECUTE", "MERGE", "UPSERT", "REPLACE",
	"CALL", "SET", "LOCK", "UNLOCK",
}

var (
	deniedKeywordPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(deniedKeywords, "|") + `)\b`)

	// File-system side channels.
	outfilePattern  = regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`)
	loadDataPattern = regexp.MustCompile(`(?i)\bLOAD\s+DATA\b`)

	// Table references in FROM and JOIN clauses. Not a parser: picks up
	// the identifier token immediately following the keyword.
	tableRefPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+("?[A-Za-z_][\w$]*"?(?:\."?[A-Za-z_][\w$]*"?)*)`)

	// CTE definitions: WITH name AS ( ... ), name AS ( ... ).
	ctePattern = regexp.MustCompile(`(?i)(?:\bWITH\b|,)\s*("?[A-Za-z_][\w$]*"?)\s+AS\s*\(`)

	// Single-quoted string literals ('' escapes included).
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
)

// ValidationError describes why a statement was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "sql validation failed: " + e.Reason
}

func reject(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that sqlText is a single read-only statement that
// only references whitelisted tables. A nil return means the statement
// may be handed to a connector.
func Validate(sqlText string, allowedTables []string) error {
	stmt := strings.TrimSpace(sqlText)
	if stmt == "" {
		return reject("empty statement")
	}

	// Comment markers can hide a rejected keyword from textual checks
	// while the backend parser still honors it.
	if strings.Contains(stmt, "--") || strings.Contains(stmt, "/*") {
		return reject("SQL comments are not allowed")
	}

	// Normalize the trailing semicolon, then any remaining semicolon
	// outside a string literal means statement injection.
	stmt = stripTrailingSemicolon(stmt)
	if hasSemicolonOutsideStrings(stmt) {
		return reject("multiple SQL statements are not allowed")
	}

	upper := strings.ToUpper(stmt)
	switch {
	case strings.HasPrefix(upper, "SELECT"):
	case strings.HasPrefix(upper, "WITH"):
		if !strings.Contains(upper, "SELECT") {
			return reject("WITH statement must contain a SELECT")
		}
	default:
		return reject("only SELECT statements are allowed")
	}

	if m := deniedKeywordPattern.FindString(stmt); m != "" {
		return reject("keyword %s is not allowed", strings.ToUpper(m))
	}
	if outfilePattern.MatchString(stmt) {
		return reject("INTO OUTFILE/DUMPFILE is not allowed")
	}
	if loadDataPattern.MatchString(stmt) {
		return reject("LOAD DATA is not allowed")
	}

	if err := checkStringLiterals(stmt); err != nil {
		return err
	}

	return checkTableWhitelist(stmt, allowedTables)
}

// checkStringLiterals runs the libinjection heuristics over every
// string literal in the statement.
func checkStringLiterals(stmt string) error {
	for _, lit := range stringLiteralPattern.FindAllString(stmt, -1) {
		inner := strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
		if inner == "" {
			continue
		}
		if isSQLi, fingerprint := libinjection.IsSQLi(inner); isSQLi {
			return reject("string literal matches injection fingerprint %s", fingerprint)
		}
	}
	return nil
}

// checkTableWhitelist extracts table tokens from FROM/JOIN clauses and
// requires each to appear in allowedTables, case-insensitively. Names
// defined by the statement's own WITH clause are CTE aliases, not
// tables, and are excluded from the check.
func checkTableWhitelist(stmt string, allowedTables []string) error {
	allowed := make(map[string]bool, len(allowedTables))
	for _, table := range allowedTables {
		allowed[normalizeIdentifier(table)] = true
	}

	cteNames := make(map[string]bool)
	for _, m := range ctePattern.FindAllStringSubmatch(stmt, -1) {
		cteNames[normalizeIdentifier(m[1])] = true
	}

	for _, m := range tableRefPattern.FindAllStringSubmatch(stmt, -1) {
		ref := normalizeIdentifier(m[1])
		if cteNames[ref] {
			continue
		}
		if allowed[ref] || allowed[unqualified(ref)] {
			continue
		}
		return reject("table %s is not in the allowed list", ref)
	}

	return nil
}

func normalizeIdentifier(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, `"`, "")
	return name
}

func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// stripTrailingSemicolon removes one trailing semicolon plus any
// surrounding whitespace.
func stripTrailingSemicolon(stmt string) string {
	stmt = strings.TrimRight(stmt, " \t\n\r")
	if strings.HasSuffix(stmt, ";") {
		stmt = strings.TrimRight(strings.TrimSuffix(stmt, ";"), " \t\n\r")
	}
	return stmt
}

// hasSemicolonOutsideStrings scans for a semicolon outside of single-
// or double-quoted regions.
func hasSemicolonOutsideStrings(stmt string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal
	prev := rune(0)

	for _, char := range stmt {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			// Handles both backslash escape (\') and SQL doubled quote ('').
			if char == '\'' && prev != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prev != '\\' {
				state = stateNormal
			}
		}
		prev = char
	}

	return false
}
