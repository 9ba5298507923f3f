// Package journal keeps a daemon-local run history in SQLite. It is pure
// observability: nothing in the wire protocol ever reads it, so a broken
// journal degrades to log warnings instead of failing requests.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mqrun/fscall/internal/model"
)

// Journal records state transitions and child process exits per request.
type Journal struct {
	db *sql.DB
}

// Entry is one journal row.
type Entry struct {
	RequestID string
	Event     string // "transition" or "exit"
	Detail    string
	At        time.Time
}

// Open creates or opens the journal database and runs migrations.
func Open(dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// single writer, the daemon
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT NOT NULL,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTransition logs one state edge of a request.
func (j *Journal) RecordTransition(ctx context.Context, id string, from, to model.State) error {
	detail := fmt.Sprintf("%s -> %s", from, to)
	return j.record(ctx, id, "transition", detail)
}

// RecordExit logs the child process outcome of a request.
func (j *Journal) RecordExit(ctx context.Context, id string, exitCode int, took time.Duration) error {
	detail := fmt.Sprintf("exit=%d took=%s", exitCode, took.Round(time.Millisecond))
	return j.record(ctx, id, "exit", detail)
}

func (j *Journal) record(ctx context.Context, id, event, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (request_id, event, detail, at) VALUES (?, ?, ?, ?)`,
		id, event, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// History returns all journal entries of one request, oldest first.
func (j *Journal) History(ctx context.Context, id string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT request_id, event, detail, at FROM events WHERE request_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RequestID, &e.Event, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
