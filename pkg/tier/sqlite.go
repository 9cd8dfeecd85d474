package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists tier assignments in SQLite. Optimistic
// locking rides on the version column: CompareAndSet updates only the
// row still carrying the expected version and treats zero affected
// rows as a conflict.
type SQLiteRegistry struct {
	db *sql.DB
}

const sqliteRegistrySchema = `
CREATE TABLE IF NOT EXISTS tier_entries (
	claim TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	version INTEGER NOT NULL,
	changed_at TEXT NOT NULL
);
`

// NewSQLiteRegistry creates the schema if needed and returns a
// registry over db.
func NewSQLiteRegistry(ctx context.Context, db *sql.DB) (*SQLiteRegistry, error) {
	if _, err := db.ExecContext(ctx, sqliteRegistrySchema); err != nil {
		return nil, fmt.Errorf("tier: migrate registry: %w", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

func (r *SQLiteRegistry) Create(ctx context.Context, name string, initial Tier, now time.Time) error {
	if !initial.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, initial)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tier_entries (claim, tier, version, changed_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (claim) DO NOTHING`,
		name, string(initial), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("tier: create %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tier: create %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimExists, name)
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, name string) (Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = ?`, name)
	return scanEntry(row, name)
}

func (r *SQLiteRegistry) CompareAndSet(ctx context.Context, name string, expect uint64, next Tier, now time.Time) (Entry, error) {
	if !next.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidTier, next)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tier_entries
		SET tier = ?, version = version + 1, changed_at = ?
		WHERE claim = ? AND version = ?`,
		string(next), now.UTC().Format(time.RFC3339Nano), name, expect)
	if err != nil {
		return Entry{}, fmt.Errorf("tier: update %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("tier: update %s: %w", name, err)
	}
	if affected == 0 {
		e, getErr := r.Get(ctx, name)
		if getErr != nil {
			return Entry{}, getErr
		}
		return Entry{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, name, e.Version, expect)
	}
	return r.Get(ctx, name)
}

func (r *SQLiteRegistry) Snapshot(ctx context.Context) (map[string]Tier, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT claim, tier FROM tier_entries`)
	if err != nil {
		return nil, fmt.Errorf("tier: snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Tier)
	for rows.Next() {
		var claim, t string
		if err := rows.Scan(&claim, &t); err != nil {
			return nil, fmt.Errorf("tier: snapshot: %w", err)
		}
		out[claim] = Tier(t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tier: snapshot: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner, name string) (Entry, error) {
	var (
		e  Entry
		t  string
		ts string
	)
	err := row.Scan(&e.Claim, &t, &e.Version, &ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
		}
		return Entry{}, fmt.Errorf("tier: read %s: %w", name, err)
	}
	e.Tier = Tier(t)
	changed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("tier: entry %s has bad changed_at %q: %w", name, ts, err)
	}
	e.ChangedAt = changed
	return e, nil
}
