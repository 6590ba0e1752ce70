package querystream

import (
	"testing"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		stmt string
		want StatementKind
	}{
		{"SELECT 1", KindRead},
		{"  select * from t", KindRead},
		{"-- leading comment\nSELECT 1", KindRead},
		{"/* block */ WITH x AS (SELECT 1) SELECT * FROM x", KindRead},
		{"(SELECT 1)", KindRead},
		{"PRAGMA table_info(users)", KindRead},
		{"EXPLAIN QUERY PLAN SELECT 1", KindRead},
		{"INSERT INTO t VALUES (1)", KindWrite},
		{"UPDATE t SET a = 1", KindWrite},
		{"CREATE TABLE t (id INTEGER)", KindWrite},
		{"VACUUM", KindWrite},
		{"-- only a comment", KindWrite},
		{"", KindWrite},
	}
	for _, tt := range tests {
		if got := Classify(tt.stmt); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.stmt, got, tt.want)
		}
	}
}

func TestCountable(t *testing.T) {
	if !countable("with recursive x(n) as (select 1) select n from x") {
		t.Error("WITH should be countable")
	}
	if countable("PRAGMA user_version") {
		t.Error("PRAGMA should not be countable")
	}
}

func TestSchemaChange(t *testing.T) {
	tests := []struct {
		stmt  string
		typ   protocol.EventType
		table string
	}{
		{"CREATE TABLE IF NOT EXISTS \"orders\" (id INTEGER)", protocol.EventTableCreated, "orders"},
		{"create temp table scratch (v)", protocol.EventTableCreated, "scratch"},
		{"DROP TABLE IF EXISTS main.orders", protocol.EventTableDropped, "main.orders"},
		{"ALTER TABLE users ADD COLUMN age INTEGER", protocol.EventTableModified, "users"},
		{"INSERT OR REPLACE INTO `users` VALUES (1)", protocol.EventTableModified, "users"},
		{"UPDATE [users] SET age = 2", protocol.EventTableModified, "users"},
		{"DELETE FROM users", protocol.EventTableModified, "users"},
	}
	for _, tt := range tests {
		p := schemaChange(tt.stmt, "q", 3)
		if p == nil {
			t.Errorf("%q: expected %s", tt.stmt, tt.typ)
			continue
		}
		if p.EventType() != tt.typ {
			t.Errorf("%q: got %s want %s", tt.stmt, p.EventType(), tt.typ)
		}
		var tp protocol.TablePayload
		switch v := p.(type) {
		case protocol.TableCreatedPayload:
			tp = v.TablePayload
		case protocol.TableModifiedPayload:
			tp = v.TablePayload
		case protocol.TableDroppedPayload:
			tp = v.TablePayload
		}
		if tp.Table != tt.table || tp.QueryID != "q" || tp.Changes != 3 {
			t.Errorf("%q: payload %+v", tt.stmt, tp)
		}
	}

	for _, stmt := range []string{"CREATE INDEX idx ON t(a)", "VACUUM", "BEGIN"} {
		if p := schemaChange(stmt, "q", 0); p != nil {
			t.Errorf("%q: unexpected event %s", stmt, p.EventType())
		}
	}
}
