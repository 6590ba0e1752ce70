package querystream

import (
	"regexp"
	"strings"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
)

// StatementKind distinguishes statements that return rows from writes.
type StatementKind string

const (
	KindRead  StatementKind = "read"
	KindWrite StatementKind = "write"
)

// readKeywords is the allow-list of leading keywords treated as reads.
var readKeywords = map[string]bool{
	"SELECT":  true,
	"PRAGMA":  true,
	"WITH":    true,
	"EXPLAIN": true,
}

// countableKeywords can be wrapped in SELECT COUNT(*) FROM (...).
var countableKeywords = map[string]bool{
	"SELECT": true,
	"WITH":   true,
}

// leadingKeyword returns the first keyword of stmt in upper case, skipping
// whitespace and SQL comments.
func leadingKeyword(stmt string) string {
	s := stmt
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		break
	}

	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_')
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

// Classify reports whether stmt is a read by its leading keyword.
func Classify(stmt string) StatementKind {
	if readKeywords[leadingKeyword(stmt)] {
		return KindRead
	}
	return KindWrite
}

func countable(stmt string) bool {
	return countableKeywords[leadingKeyword(stmt)]
}

const tableName = "([\"`\\[]?[\\w.]+[\"`\\]]?)"

var schemaPatterns = []struct {
	re      *regexp.Regexp
	payload func(protocol.TablePayload) protocol.Payload
}{
	{
		re:      regexp.MustCompile(`(?is)^\s*CREATE\s+(?:TEMP\s+|TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableCreatedPayload{TablePayload: p} },
	},
	{
		re:      regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableDroppedPayload{TablePayload: p} },
	},
	{
		re:      regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableModifiedPayload{TablePayload: p} },
	},
	{
		re:      regexp.MustCompile(`(?is)^\s*(?:INSERT|REPLACE)\s+(?:OR\s+\w+\s+)?INTO\s+` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableModifiedPayload{TablePayload: p} },
	},
	{
		re:      regexp.MustCompile(`(?is)^\s*UPDATE\s+(?:OR\s+\w+\s+)?` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableModifiedPayload{TablePayload: p} },
	},
	{
		re:      regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+` + tableName),
		payload: func(p protocol.TablePayload) protocol.Payload { return protocol.TableModifiedPayload{TablePayload: p} },
	},
}

// schemaChange returns the table event a successful write should produce, or nil.
func schemaChange(stmt, queryID string, changes int64) protocol.Payload {
	for _, sp := range schemaPatterns {
		m := sp.re.FindStringSubmatch(stmt)
		if m == nil {
			continue
		}
		table := strings.Trim(m[1], "\"`[]")
		return sp.payload(protocol.TablePayload{Table: table, QueryID: queryID, Changes: changes})
	}
	return nil
}
