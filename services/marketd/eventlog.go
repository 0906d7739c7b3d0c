package marketd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bazaar/core/types"
)

// Record is a committed notification with its position in the log.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// EventLog is the durable, append-only notification log. Sequences start at 1
// and are never reused.
type EventLog struct {
	db  *sql.DB
	now func() time.Time
}

func OpenEventLog(path string) (*EventLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer keeps sequence assignment in append order.
	db.SetMaxOpenConns(1)
	store := &EventLog{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (l *EventLog) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventlog: init schema: %w", err)
		}
	}
	return nil
}

func (l *EventLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append stores evt and returns it with its assigned sequence.
func (l *EventLog) Append(ctx context.Context, evt *types.Event) (Record, error) {
	if evt == nil {
		return Record{}, fmt.Errorf("eventlog: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: encode attributes: %w", err)
	}
	recordedAt := l.now().UTC()
	const stmt = `INSERT INTO events(type, attributes, recorded_at) VALUES (?, ?, ?)`
	res, err := l.db.ExecContext(ctx, stmt, evt.Type, string(encoded), recordedAt)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: sequence: %w", err)
	}
	return Record{Sequence: seq, Type: evt.Type, Attributes: attrs, RecordedAt: recordedAt}, nil
}

// After returns up to limit records with a sequence greater than after, in
// sequence order.
func (l *EventLog) After(ctx context.Context, after int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT seq, type, attributes, recorded_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec   Record
			attrs string
		)
		if err := rows.Scan(&rec.Sequence, &rec.Type, &attrs, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("eventlog: decode attributes of %d: %w", rec.Sequence, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the highest sequence written so far, or 0 for an empty log.
func (l *EventLog) Latest(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// Cursor returns the last sequence acknowledged by the named consumer.
func (l *EventLog) Cursor(ctx context.Context, name string) (int64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	var value int64
	if err := l.db.QueryRowContext(ctx, query, name).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// SaveCursor records the last sequence the named consumer has received.
func (l *EventLog) SaveCursor(ctx context.Context, name string, sequence int64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := l.db.ExecContext(ctx, stmt, name, sequence)
	return err
}
