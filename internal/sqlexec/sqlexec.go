// Package sqlexec runs SQL statements against the embedded SQLite database.
// Each Session owns one dedicated connection from the pool.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ResultSet is a fully materialized query result.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// DB is the SQLite-backed executor.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"journal_mode(WAL)",
}

// dsn builds the driver name for path with connPragmas attached.
func dsn(path string) string {
	q := make([]string, 0, len(connPragmas))
	for _, p := range connPragmas {
		q = append(q, "_pragma="+p)
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + strings.Join(q, "&")
}

// Open opens (or creates) the database at path. Use ":memory:" for a private
// in-memory database; it is pinned to a single connection so every session
// sees the same data.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	logger.Info("database opened", zap.String("path", path))
	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Acquire reserves a dedicated connection for one execution. The caller must
// Close the returned session.
func (d *DB) Acquire(ctx context.Context) (*Session, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Session is one exclusively owned database connection.
type Session struct {
	conn *sql.Conn
}

// Query runs a read statement and materializes every row.
func (s *Session) Query(ctx context.Context, query string) (*ResultSet, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			values[i] = normalize(v)
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rs, nil
}

// Exec runs a mutating statement and returns the number of affected rows.
func (s *Session) Exec(ctx context.Context, stmt string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("execute statement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Count estimates how many rows query returns by wrapping it in COUNT(*).
func (s *Session) Count(ctx context.Context, query string) (int64, error) {
	inner := strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+inner+")").Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	return s.conn.Close()
}

// normalize converts driver values into JSON-friendly forms.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
