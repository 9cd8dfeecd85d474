// Package tier holds the trust tier of every claim and the registry the
// reorganizer transitions them through. Registry mutations go through
// compare-and-set on a monotonically increasing version counter so
// concurrent evaluations cannot silently overwrite each other.
package tier

import (
	"context"
	"errors"
	"time"
)

// Tier is the trust level of a claim.
type Tier string

const (
	Foundation Tier = "FOUNDATION"
	Middle     Tier = "MIDDLE"
	Edge       Tier = "EDGE"
	Deleted    Tier = "DELETED"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case Foundation, Middle, Edge, Deleted:
		return true
	}
	return false
}

// Terminal reports whether t admits no further transitions. A deleted
// claim can only come back as a brand-new claim with a new identity.
func (t Tier) Terminal() bool {
	return t == Deleted
}

var (
	ErrClaimNotFound   = errors.New("claim not found in tier registry")
	ErrClaimExists     = errors.New("claim already exists in tier registry")
	ErrVersionConflict = errors.New("tier registry version conflict")
	ErrInvalidTier     = errors.New("invalid tier")
)

// Entry is one claim's registry record.
type Entry struct {
	Claim     string    `json:"claim"`
	Tier      Tier      `json:"tier"`
	Version   uint64    `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// Registry is the durable interface for tier state. Implementations must
// make CompareAndSet atomic: the update applies only when the caller's
// expected version matches, and every successful update increments it.
type Registry interface {
	// Create registers a claim at its initial tier with version 1.
	Create(ctx context.Context, name string, initial Tier, now time.Time) error

	// Get retrieves a claim's current entry.
	Get(ctx context.Context, name string) (Entry, error)

	// CompareAndSet transitions a claim to next iff its version still
	// equals expect. Returns the updated entry, or ErrVersionConflict.
	CompareAndSet(ctx context.Context, name string, expect uint64, next Tier, now time.Time) (Entry, error)

	// Snapshot returns the current tier of every claim.
	Snapshot(ctx context.Context) (map[string]Tier, error)
}
