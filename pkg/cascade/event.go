// Package cascade implements the immutable audit trail of tier
// decisions. Every evaluation of a claim appends exactly one event,
// whether or not the tier changed; the log explains why nothing happened
// as much as why something did. Events are hash-chained over their
// canonical JSON form and are never edited or removed, even when the
// claim they reference is later deleted.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/realitybridge/core/pkg/canonicalize"
	"github.com/realitybridge/core/pkg/tier"
)

var (
	ErrChainBroken = errors.New("cascade event chain is broken")
	ErrClosed      = errors.New("cascade log is closed")
)

// GenesisHash anchors the first event of every chain.
const GenesisHash = "genesis"

// Action is what the reorganizer did (or deliberately did not do).
type Action string

const (
	ActionRegister Action = "register"
	ActionPromote  Action = "promote"
	ActionHold     Action = "hold"
	ActionDemote   Action = "demote"
	ActionDelete   Action = "delete"
)

// Event is one immutable audit record.
type Event struct {
	EventID     string          `json:"event_id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Claim       string          `json:"claim"`
	FromTier    tier.Tier       `json:"from_tier"`
	ToTier      tier.Tier       `json:"to_tier"`
	Score       float64         `json:"score"`
	Action      Action          `json:"action"`
	Rationale   string          `json:"rationale"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
}

// Transitioned reports whether the event moved the claim between tiers.
func (e *Event) Transitioned() bool {
	return e.FromTier != e.ToTier
}

// seal assigns identity, sequence and chain hashes to a caller-built
// event. The caller sets Timestamp (the evaluation instant), claim
// fields and payload; everything derived is filled here.
func seal(e *Event, seq uint64, prevHash string) error {
	e.EventID = uuid.New().String()
	e.Sequence = seq
	e.Timestamp = e.Timestamp.UTC()
	e.PayloadHash = canonicalize.HashBytes(e.Payload)
	e.PrevHash = prevHash

	hash, err := entryHash(e)
	if err != nil {
		return err
	}
	e.EntryHash = hash
	return nil
}

// entryHash computes the chain hash over the canonical form of the
// event's immutable fields. The payload is represented by its hash so
// large payloads do not have to be re-canonicalized on every verify.
func entryHash(e *Event) (string, error) {
	hashable := struct {
		Sequence    uint64    `json:"sequence"`
		Timestamp   time.Time `json:"timestamp"`
		Claim       string    `json:"claim"`
		FromTier    tier.Tier `json:"from_tier"`
		ToTier      tier.Tier `json:"to_tier"`
		Score       float64   `json:"score"`
		Action      Action    `json:"action"`
		Rationale   string    `json:"rationale"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		Sequence:    e.Sequence,
		Timestamp:   e.Timestamp,
		Claim:       e.Claim,
		FromTier:    e.FromTier,
		ToTier:      e.ToTier,
		Score:       e.Score,
		Action:      e.Action,
		Rationale:   e.Rationale,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	}
	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("cascade: hash event: %w", err)
	}
	return hash, nil
}

// VerifyEvents checks hash-chain integrity over an ordered event slice.
func VerifyEvents(events []Event) error {
	expectedPrev := GenesisHash
	for i := range events {
		e := &events[i]
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: event %d has prev_hash %s, expected %s",
				ErrChainBroken, e.Sequence, e.PrevHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: event %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// Replay folds an event log into tier registry state. The log is
// self-sufficient: registration events establish entries, transition
// events bump versions, hold events leave state untouched. Replaying
// the same log always yields the same registry.
func Replay(events []Event) map[string]tier.Entry {
	state := make(map[string]tier.Entry)
	for i := range events {
		e := &events[i]
		switch {
		case e.Action == ActionRegister:
			state[e.Claim] = tier.Entry{
				Claim:     e.Claim,
				Tier:      e.ToTier,
				Version:   1,
				ChangedAt: e.Timestamp,
			}
		case e.Transitioned():
			entry := state[e.Claim]
			entry.Claim = e.Claim
			entry.Tier = e.ToTier
			entry.Version++
			entry.ChangedAt = e.Timestamp
			state[e.Claim] = entry
		}
	}
	return state
}

// Log is the append-only store of cascade events.
type Log interface {
	// Append seals and stores a caller-built event, returning the stored
	// copy with identity, sequence and hashes assigned.
	Append(ctx context.Context, e *Event) (*Event, error)

	// History returns all events for one claim, oldest first.
	History(ctx context.Context, claim string) ([]Event, error)

	// All returns every event, oldest first.
	All(ctx context.Context) ([]Event, error)

	// Verify checks hash-chain integrity of the whole log.
	Verify(ctx context.Context) error
}
