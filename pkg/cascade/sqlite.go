package cascade

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/realitybridge/core/pkg/tier"
)

// SQLiteLog persists the cascade chain in a SQLite table. The full
// chain is loaded and verified at open so appends only need to extend
// the in-memory tail and insert one row.
type SQLiteLog struct {
	mu      sync.RWMutex
	db      *sql.DB
	events  []Event
	byClaim map[string][]int
	head    string
}

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS cascade_events (
	sequence INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	claim TEXT NOT NULL,
	from_tier TEXT NOT NULL,
	to_tier TEXT NOT NULL,
	score REAL NOT NULL,
	action TEXT NOT NULL,
	rationale TEXT NOT NULL,
	payload BLOB,
	payload_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cascade_events_claim ON cascade_events (claim, sequence);
`

// NewSQLiteLog creates the schema if needed, loads any existing chain
// and refuses a log that fails verification.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.ExecContext(ctx, sqliteLogSchema); err != nil {
		return nil, fmt.Errorf("cascade: migrate event log: %w", err)
	}

	l := &SQLiteLog{
		db:      db,
		byClaim: make(map[string][]int),
		head:    GenesisHash,
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) load(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, event_id, timestamp, claim, from_tier, to_tier,
		       score, action, rationale, payload, payload_hash, prev_hash, entry_hash
		FROM cascade_events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("cascade: load event log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return err
		}
		l.byClaim[e.Claim] = append(l.byClaim[e.Claim], len(l.events))
		l.events = append(l.events, *e)
		l.head = e.EntryHash
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cascade: load event log: %w", err)
	}
	if err := VerifyEvents(l.events); err != nil {
		return fmt.Errorf("cascade: stored log failed verification on open: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, e *Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *e
	if err := seal(&stored, uint64(len(l.events))+1, l.head); err != nil {
		return nil, err
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO cascade_events (
			sequence, event_id, timestamp, claim, from_tier, to_tier,
			score, action, rationale, payload, payload_hash, prev_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.Sequence, stored.EventID, stored.Timestamp.Format(time.RFC3339Nano),
		stored.Claim, string(stored.FromTier), string(stored.ToTier),
		stored.Score, string(stored.Action), stored.Rationale,
		[]byte(stored.Payload), stored.PayloadHash, stored.PrevHash, stored.EntryHash,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade: insert event: %w", err)
	}

	l.head = stored.EntryHash
	l.byClaim[stored.Claim] = append(l.byClaim[stored.Claim], len(l.events))
	l.events = append(l.events, stored)
	return &stored, nil
}

func (l *SQLiteLog) History(_ context.Context, claim string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.byClaim[claim]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *SQLiteLog) All(_ context.Context) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *SQLiteLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEvents(l.events)
}

// Head returns the current chain head hash.
func (l *SQLiteLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func scanEventRow(rows *sql.Rows) (*Event, error) {
	var (
		e       Event
		ts      string
		from    string
		to      string
		action  string
		payload []byte
	)
	if err := rows.Scan(&e.Sequence, &e.EventID, &ts, &e.Claim, &from, &to,
		&e.Score, &action, &e.Rationale, &payload, &e.PayloadHash, &e.PrevHash, &e.EntryHash); err != nil {
		return nil, fmt.Errorf("cascade: scan event row: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("cascade: event %d has bad timestamp %q: %w", e.Sequence, ts, err)
	}
	e.Timestamp = parsed
	e.FromTier = tier.Tier(from)
	e.ToTier = tier.Tier(to)
	e.Action = Action(action)
	if len(payload) > 0 {
		e.Payload = payload
	}
	return &e, nil
}
