// Package store persists claim definitions and raw measurements so a
// node can rebuild its working set after a restart. The tier registry
// and the cascade log carry decision state; this package carries the
// inputs those decisions were made from.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/claim"
	"github.com/realitybridge/core/pkg/tier"
)

var ErrClaimExists = errors.New("claim definition already stored")

// AnchorDef is the serializable form of one anchor.
type AnchorDef struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          anchor.Kind     `json:"kind"`
	Baseline      float64         `json:"baseline"`
	ExpectedDelta float64         `json:"expected_delta"`
	Horizon       time.Duration   `json:"horizon"`
	Weight        anchor.Strength `json:"weight"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ClaimDef is the serializable form of one claim and its anchors.
type ClaimDef struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Prior        float64     `json:"prior"`
	InitialTier  tier.Tier   `json:"initial_tier"`
	Anchors      []AnchorDef `json:"anchors"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Build reconstructs a live claim from its stored definition.
func (d ClaimDef) Build() (*claim.Claim, error) {
	c, err := claim.New(d.Name, d.Description, d.Prior)
	if err != nil {
		return nil, fmt.Errorf("store: rebuild claim %q: %w", d.Name, err)
	}
	for _, ad := range d.Anchors {
		a, err := anchor.New(ad.ID, ad.Name, ad.Kind, ad.Baseline, ad.ExpectedDelta, ad.Horizon, ad.Weight, ad.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: rebuild anchor %q of claim %q: %w", ad.ID, d.Name, err)
		}
		if err := c.AddAnchor(a); err != nil {
			return nil, fmt.Errorf("store: rebuild claim %q: %w", d.Name, err)
		}
	}
	return c, nil
}

// Measurement is one archived observation.
type Measurement struct {
	Claim     string    `json:"claim"`
	AnchorID  string    `json:"anchor_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SQLiteStore keeps definitions and measurements in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS claim_defs (
	name TEXT PRIMARY KEY,
	def JSON NOT NULL,
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS measurements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	claim TEXT NOT NULL,
	anchor_id TEXT NOT NULL,
	value REAL NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_measurements_claim ON measurements (claim, anchor_id, timestamp);
`

// NewSQLiteStore creates the schema if needed and returns a store
// over db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteStoreSchema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveClaim stores one claim definition. Names are unique forever,
// matching the engine's no-reuse rule.
func (s *SQLiteStore) SaveClaim(ctx context.Context, def ClaimDef) error {
	blob, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("store: marshal claim %q: %w", def.Name, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_defs (name, def, registered_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`,
		def.Name, string(blob), def.RegisteredAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save claim %q: %w", def.Name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: save claim %q: %w", def.Name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrClaimExists, def.Name)
	}
	return nil
}

// Claims returns all stored definitions in registration order.
func (s *SQLiteStore) Claims(ctx context.Context) ([]ClaimDef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT def FROM claim_defs ORDER BY registered_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []ClaimDef
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("store: list claims: %w", err)
		}
		var def ClaimDef
		if err := json.Unmarshal([]byte(blob), &def); err != nil {
			return nil, fmt.Errorf("store: corrupt claim definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list claims: %w", err)
	}
	return defs, nil
}

// SaveMeasurement archives one observation.
func (s *SQLiteStore) SaveMeasurement(ctx context.Context, m Measurement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (claim, anchor_id, value, timestamp)
		VALUES (?, ?, ?, ?)`,
		m.Claim, m.AnchorID, m.Value, m.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save measurement for %s/%s: %w", m.Claim, m.AnchorID, err)
	}
	return nil
}

// Measurements returns every archived observation, oldest first, which
// is the order anchors require on replay.
func (s *SQLiteStore) Measurements(ctx context.Context) ([]Measurement, error) {
	return s.queryMeasurements(ctx, `
		SELECT claim, anchor_id, value, timestamp FROM measurements
		ORDER BY timestamp ASC, id ASC`)
}

// MeasurementsForClaim returns one claim's observations, oldest first.
func (s *SQLiteStore) MeasurementsForClaim(ctx context.Context, claimName string) ([]Measurement, error) {
	return s.queryMeasurements(ctx, `
		SELECT claim, anchor_id, value, timestamp FROM measurements
		WHERE claim = ?
		ORDER BY timestamp ASC, id ASC`, claimName)
}

func (s *SQLiteStore) queryMeasurements(ctx context.Context, query string, args ...any) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Measurement
	for rows.Next() {
		var (
			m  Measurement
			ts string
		)
		if err := rows.Scan(&m.Claim, &m.AnchorID, &m.Value, &ts); err != nil {
			return nil, fmt.Errorf("store: scan measurement: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: measurement has bad timestamp %q: %w", ts, err)
		}
		m.Timestamp = parsed
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list measurements: %w", err)
	}
	return out, nil
}
