package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SQLiteStore keeps entries in a single table, indexed by subject and time.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		subject TEXT NOT NULL,
		event_type TEXT NOT NULL,
		entry_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Log(ctx context.Context, entry *Entry) error {
	prepare(entry)
	ctx, span := tracer.Start(ctx, "audit.log",
		trace.WithAttributes(
			attribute.String("audit.id", entry.ID),
			attribute.String("audit.event_type", string(entry.EventType)),
		))
	defer span.End()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, subject, event_type, entry_json) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixNano(), entry.Subject, string(entry.EventType), string(raw))
	if err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.get", trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT entry_json FROM audit_entries WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("querying audit entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshaling audit entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list", trace.WithAttributes(attribute.String("audit.subject", q.Subject)))
	defer span.End()

	query := `SELECT entry_json FROM audit_entries WHERE 1=1`
	var args []any
	if q.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, q.Subject)
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Since.UnixNano())
	}
	query += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	return int(n), nil
}
