package tier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRegistry persists tier assignments in Postgres for shared
// deployments. Same optimistic-locking contract as SQLiteRegistry.
type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

const pgRegistrySchema = `
CREATE TABLE IF NOT EXISTS tier_entries (
	claim TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	version BIGINT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);
`

func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgRegistrySchema)
	return err
}

func (r *PostgresRegistry) Create(ctx context.Context, name string, initial Tier, now time.Time) error {
	if !initial.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, initial)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tier_entries (claim, tier, version, changed_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (claim) DO NOTHING`,
		name, string(initial), now.UTC())
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

func (r *PostgresRegistry) Get(ctx context.Context, name string) (Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = $1`, name)

	var (
		e Entry
		t string
	)
	err := row.Scan(&e.Claim, &t, &e.Version, &e.ChangedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
		}
		return Entry{}, fmt.Errorf("tier: read %s: %w", name, err)
	}
	e.Tier = Tier(t)
	e.ChangedAt = e.ChangedAt.UTC()
	return e, nil
}

func (r *PostgresRegistry) CompareAndSet(ctx context.Context, name string, expect uint64, next Tier, now time.Time) (Entry, error) {
	if !next.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidTier, next)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tier_entries
		SET tier = $1, version = version + 1, changed_at = $2
		WHERE claim = $3 AND version = $4`,
		string(next), now.UTC(), name, expect)
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

func (r *PostgresRegistry) Snapshot(ctx context.Context) (map[string]Tier, error) {
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
