package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Event kinds. The log is append-only; auditing and alarm logic read
// it, nothing mutates it.
const (
	KindLLMUsage        = "llm_usage"
	KindOwnerMessage    = "owner_message_injected"
	KindToolError       = "tool_error"
	KindTaskLifecycle   = "task_lifecycle"
	KindDriftAlarm      = "drift_alarm"
	KindCircuitOpen     = "circuit_open"
	KindBudgetExceeded  = "budget_exceeded"
	KindBackgroundCycle = "background_cycle"
	KindControl         = "control"
)

// Event is one appended record.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Log is the append-only event store.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the event log database at dbPath.
func New(dbPath string, logger zerolog.Logger) (*Log, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("event log path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &Log{db: db, logger: logger}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}

	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			task_id TEXT,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Append writes one record and returns its id.
func (l *Log) Append(ctx context.Context, kind, taskID string, payload any) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate event id: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, kind, taskID, string(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	l.logger.Debug().Str("event_id", id).Str("kind", kind).Str("task_id", taskID).Msg("Event appended")
	return id, nil
}

// Recent returns the newest events of a kind, newest first. An empty
// kind matches everything.
func (l *Log) Recent(ctx context.Context, kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, kind, task_id, payload, created_at FROM events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	return l.query(ctx, query, args...)
}

// ByTask returns all events attributed to a task, oldest first.
func (l *Log) ByTask(ctx context.Context, taskID string) ([]Event, error) {
	return l.query(ctx,
		`SELECT id, kind, task_id, payload, created_at FROM events WHERE task_id = ? ORDER BY created_at ASC, rowid ASC`,
		taskID,
	)
}

// CountByKind returns how many events of a kind exist.
func (l *Log) CountByKind(ctx context.Context, kind string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			taskID  sql.NullString
			payload string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &taskID, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
