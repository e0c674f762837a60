package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"stablevault/core/events"
	"stablevault/core/types"
)

// ErrPathRequired is returned when the journal location is missing.
var ErrPathRequired = errors.New("journal path must be configured")

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

const schema = `
CREATE TABLE IF NOT EXISTS vault_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    op_id TEXT NOT NULL DEFAULT '',
    attributes TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vault_events_op ON vault_events(op_id);
`

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve journal path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Entry is a persisted event.
type Entry struct {
	Seq        int64             `json:"seq"`
	Type       string            `json:"type"`
	OpID       string            `json:"opId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Journal appends committed events to a SQLite table. It implements
// events.Emitter; write failures are logged because emitters cannot fail the
// operation that produced the event.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open initialises the journal using a sqlite-compatible DSN.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

type typedEvent interface {
	Event() *types.Event
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal: append event failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append persists a single event.
func (j *Journal) Append(ctx context.Context, evt events.Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal not configured")
	}
	attrs := map[string]string{}
	if typed, ok := evt.(typedEvent); ok && typed.Event() != nil {
		for k, v := range typed.Event().Attributes {
			attrs[k] = v
		}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
        INSERT INTO vault_events(type, op_id, attributes, recorded_at)
        VALUES(?, ?, ?, ?)
    `, evt.EventType(), attrs["opId"], string(encoded), j.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return j.query(ctx, `
        SELECT seq, type, op_id, attributes, recorded_at FROM vault_events
        ORDER BY seq DESC LIMIT ?
    `, limit)
}

// ByOperation returns the events of one operation in emission order.
func (j *Journal) ByOperation(ctx context.Context, opID string) ([]Entry, error) {
	return j.query(ctx, `
        SELECT seq, type, op_id, attributes, recorded_at FROM vault_events
        WHERE op_id = ? ORDER BY seq ASC
    `, strings.TrimSpace(opID))
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry    Entry
			raw      string
			recorded int64
		)
		if err := rows.Scan(&entry.Seq, &entry.Type, &entry.OpID, &raw, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		entry.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}
