// Package logstore persists the QC session trail and reports in a local SQLite database.
package logstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/srg/blimqc/internal/qc"
)

//go:embed schema.sql
var schemaSQL string

// Store is the station-local QC log database.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// Open opens or creates the database at path. ":memory:" is accepted for tests.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if err := execWithRetry(db, p, 5, 10*time.Millisecond); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if err := execWithRetry(db, schemaSQL, 5, 10*time.Millisecond); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, path: path, logger: logger}, nil
}

// execWithRetry retries statements that hit "database is locked" with exponential backoff.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession registers a new QC session for unit and returns its recorder/sink.
func (s *Store) BeginSession(ctx context.Context, unit string) (*Session, error) {
	sess := &Session{store: s, ID: uuid.NewString(), Unit: unit}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, unit, started_at) VALUES (?, ?, ?)`,
		sess.ID, unit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// SessionIDs lists the sessions recorded for unit, oldest first.
func (s *Store) SessionIDs(ctx context.Context, unit string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE unit = ? ORDER BY started_at, rowid`, unit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Entries returns the trail of a session in append order.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]qc.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, message, ts FROM entries WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []qc.Entry
	for rows.Next() {
		var e qc.Entry
		var typ string
		if err := rows.Scan(&typ, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = qc.EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionResults returns the stored results and verdict of a session.
// The verdict is nil when no report was published.
func (s *Store) SessionResults(ctx context.Context, sessionID string) ([]qc.TestResult, *bool, error) {
	var verdict sql.NullBool
	err := s.db.QueryRowContext(ctx, `SELECT verdict FROM sessions WHERE id = ?`, sessionID).Scan(&verdict)
	if err != nil {
		return nil, nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT test_name, status, details, ts FROM results WHERE session_id = ? ORDER BY ordinal`, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []qc.TestResult
	for rows.Next() {
		var r qc.TestResult
		var status string
		if err := rows.Scan(&r.TestName, &status, &r.Details, &r.Timestamp); err != nil {
			return nil, nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = qc.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if !verdict.Valid {
		return out, nil, nil
	}
	v := verdict.Bool
	return out, &v, nil
}

// Session is one QC run in the store. It records the trail and receives the final report.
type Session struct {
	store *Store
	ID    string
	Unit  string
}

// Append implements qc.Recorder. Storage errors are logged; the trail never
// interferes with the session.
func (s *Session) Append(e qc.Entry) {
	_, err := s.store.db.Exec(
		`INSERT INTO entries (session_id, type, message, ts) VALUES (?, ?, ?, ?)`,
		s.ID, string(e.Type), e.Message, e.Timestamp.UTC())
	if err != nil {
		s.store.logger.WithError(err).WithField("session", s.ID).Warn("Failed to record log entry")
	}
}

// Publish implements qc.ReportSink.
func (s *Session) Publish(ctx context.Context, report *qc.Report) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, r := range report.Results() {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO results (session_id, ordinal, test_name, status, details, ts) VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, i, r.TestName, string(r.Status), r.Details, r.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert result %d: %w", i, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET verdict = ?, generated_at = ? WHERE id = ?`,
		report.Verdict(), report.GeneratedAt().UTC(), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}
