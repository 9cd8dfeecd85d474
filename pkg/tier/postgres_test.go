package tier

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRegistry_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tier_entries")).
		WithArgs("c1", "MIDDLE", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, reg.Create(ctx, "c1", Middle, now))

	// duplicate insert affects zero rows
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tier_entries")).
		WithArgs("c1", "MIDDLE", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, reg.Create(ctx, "c1", Middle, now), ErrClaimExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"claim", "tier", "version", "changed_at"}).
		AddRow("c1", "EDGE", 3, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = $1")).
		WithArgs("c1").
		WillReturnRows(rows)

	e, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, Edge, e.Tier)
	assert.Equal(t, uint64(3), e.Version)
	assert.Equal(t, now, e.ChangedAt)

	// unknown claim
	mock.ExpectQuery(regexp.QuoteMeta("SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"claim", "tier", "version", "changed_at"}))

	_, err = reg.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrClaimNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_CompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tier_entries")).
		WithArgs("EDGE", now, "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"claim", "tier", "version", "changed_at"}).
			AddRow("c1", "EDGE", 2, now))

	e, err := reg.CompareAndSet(ctx, "c1", 1, Edge, now)
	require.NoError(t, err)
	assert.Equal(t, Edge, e.Tier)
	assert.Equal(t, uint64(2), e.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_CompareAndSetConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	// stale version matches no row
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tier_entries")).
		WithArgs("EDGE", now, "c1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT claim, tier, version, changed_at FROM tier_entries WHERE claim = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"claim", "tier", "version", "changed_at"}).
			AddRow("c1", "MIDDLE", 2, now))

	_, err = reg.CompareAndSet(ctx, "c1", 1, Edge, now)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRegistry_Snapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT claim, tier FROM tier_entries")).
		WillReturnRows(sqlmock.NewRows([]string{"claim", "tier"}).
			AddRow("a", "FOUNDATION").
			AddRow("b", "DELETED"))

	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]Tier{"a": Foundation, "b": Deleted}, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}
