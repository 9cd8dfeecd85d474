package reorg

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/claim"
	"github.com/realitybridge/core/pkg/classify"
	"github.com/realitybridge/core/pkg/tier"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

// singleAnchorClaim builds a claim with one very-strong anchor predicting
// a drop from 14.0 to 8.0 over 84 days, with final measurement `final`.
func singleAnchorClaim(t *testing.T, name string, final float64) *claim.Claim {
	t.Helper()
	c, err := claim.New(name, "", 0.5)
	require.NoError(t, err)
	a, err := anchor.New("m1", "main metric", anchor.KindPhysiological, 14.0, -6.0, 84*day, anchor.StrengthVeryStrong, t0)
	require.NoError(t, err)
	require.NoError(t, c.AddAnchor(a))
	require.NoError(t, a.Record(final, t0.Add(84*day)))
	return c
}

func setup(t *testing.T, name string, initial tier.Tier, opts ...Option) (*Reorganizer, *tier.MemoryRegistry, *cascade.MemoryLog) {
	t.Helper()
	reg := tier.NewMemoryRegistry()
	log := cascade.NewMemoryLog()
	require.NoError(t, reg.Create(context.Background(), name, initial, t0))
	return New(reg, log, opts...), reg, log
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    tier.Tier
		verdict classify.Verdict
		to      tier.Tier
		action  cascade.Action
	}{
		{tier.Edge, classify.VerdictAligned, tier.Middle, cascade.ActionPromote},
		{tier.Middle, classify.VerdictAligned, tier.Foundation, cascade.ActionPromote},
		{tier.Foundation, classify.VerdictAligned, tier.Foundation, cascade.ActionHold},
		{tier.Edge, classify.VerdictNeutral, tier.Edge, cascade.ActionHold},
		{tier.Middle, classify.VerdictNeutral, tier.Middle, cascade.ActionHold},
		{tier.Foundation, classify.VerdictNeutral, tier.Foundation, cascade.ActionHold},
		{tier.Edge, classify.VerdictDivergent, tier.Edge, cascade.ActionHold},
		{tier.Middle, classify.VerdictDivergent, tier.Edge, cascade.ActionDemote},
		{tier.Foundation, classify.VerdictDivergent, tier.Middle, cascade.ActionDemote},
		{tier.Edge, classify.VerdictFalsified, tier.Deleted, cascade.ActionDelete},
		{tier.Middle, classify.VerdictFalsified, tier.Deleted, cascade.ActionDelete},
		{tier.Foundation, classify.VerdictFalsified, tier.Deleted, cascade.ActionDelete},
		{tier.Deleted, classify.VerdictAligned, tier.Deleted, cascade.ActionHold},
	}
	for _, c := range cases {
		to, action := Next(c.from, c.verdict)
		assert.Equal(t, c.to, to, "%s + %s", c.from, c.verdict)
		assert.Equal(t, c.action, action, "%s + %s", c.from, c.verdict)
	}
}

// A perfect prediction scores 1.0, classifies Neutral, and an Edge claim
// holds in Edge.
func TestEvaluatePerfectPredictionHolds(t *testing.T) {
	c := singleAnchorClaim(t, "shadow-work", 8.0)
	r, reg, log := setup(t, "shadow-work", tier.Edge)

	res := r.Evaluate(context.Background(), c, t0.Add(84*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)
	assert.Equal(t, classify.VerdictNeutral, res.Verdict)
	assert.InDelta(t, 1.0, res.Score, 1e-12)

	entry, err := reg.Get(context.Background(), "shadow-work")
	require.NoError(t, err)
	assert.Equal(t, tier.Edge, entry.Tier)
	assert.Equal(t, uint64(1), entry.Version)

	// The hold decision is still audited.
	assert.Equal(t, 1, log.Size())
	require.NotNil(t, res.Event)
	assert.Equal(t, cascade.ActionHold, res.Event.Action)
	assert.Contains(t, res.Event.Rationale, "neutral")
}

// A final measurement of 7.5 overshoots the prediction by 0.5, scoring
// exp(-0.5) ~ 0.61: a Middle claim demotes to Edge.
func TestEvaluateDivergentDemotes(t *testing.T) {
	c := singleAnchorClaim(t, "breathwork", 7.5)
	r, reg, _ := setup(t, "breathwork", tier.Middle)

	res := r.Evaluate(context.Background(), c, t0.Add(84*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeTransitioned, res.Outcome)
	assert.Equal(t, classify.VerdictDivergent, res.Verdict)
	assert.InDelta(t, 0.6065, res.Score, 1e-4)

	entry, err := reg.Get(context.Background(), "breathwork")
	require.NoError(t, err)
	assert.Equal(t, tier.Edge, entry.Tier)
	assert.Equal(t, uint64(2), entry.Version)

	require.NotNil(t, res.Event)
	assert.Equal(t, cascade.ActionDemote, res.Event.Action)
	assert.Equal(t, "divergent: score 0.61 < 0.8", res.Event.Rationale)
}

// Falsified claims delete from any tier in one step, and deletion is
// terminal: further evidence cannot resurrect the claim.
func TestEvaluateFalsifiedDeletesFromFoundation(t *testing.T) {
	// Final value 11.0 diverges by 3.0: score exp(-3) ~ 0.05.
	c := singleAnchorClaim(t, "crystal-healing", 11.0)
	r, reg, log := setup(t, "crystal-healing", tier.Foundation, WithMinDwell(0))

	res := r.Evaluate(context.Background(), c, t0.Add(84*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeTransitioned, res.Outcome)

	entry, err := reg.Get(context.Background(), "crystal-healing")
	require.NoError(t, err)
	assert.Equal(t, tier.Deleted, entry.Tier)

	// Recording better data afterwards changes nothing.
	a, _ := c.Anchor("m1")
	require.NoError(t, a.Record(8.0, t0.Add(85*day)))
	res = r.Evaluate(context.Background(), c, t0.Add(170*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)

	entry, _ = reg.Get(context.Background(), "crystal-healing")
	assert.Equal(t, tier.Deleted, entry.Tier)

	events, _ := log.All(context.Background())
	last := events[len(events)-1]
	assert.Equal(t, cascade.ActionHold, last.Action)
	assert.Contains(t, last.Rationale, "terminal")
}

func TestEvaluateNotReady(t *testing.T) {
	c, err := claim.New("early", "", 0.5)
	require.NoError(t, err)
	a, err := anchor.New("m1", "m", anchor.KindBehavioral, 0, 1, 84*day, anchor.StrengthModerate, t0)
	require.NoError(t, err)
	require.NoError(t, c.AddAnchor(a))
	require.NoError(t, a.Record(1.0, t0.Add(day)))

	r, _, log := setup(t, "early", tier.Edge)
	res := r.Evaluate(context.Background(), c, t0.Add(7*day))

	assert.Equal(t, OutcomeNotReady, res.Outcome)
	var nre *claim.NotReadyError
	require.True(t, errors.As(res.Err, &nre))
	assert.Contains(t, nre.Pending, "m1")
	// No score was computed, so nothing is audited.
	assert.Equal(t, 0, log.Size())
}

// After a transition, the dwell period suppresses further transitions
// and records the suppression.
func TestDwellSuppressesFlapping(t *testing.T) {
	c := singleAnchorClaim(t, "flappy", 7.5) // divergent
	r, reg, log := setup(t, "flappy", tier.Foundation, WithMinDwell(30*day))
	ctx := context.Background()

	res := r.Evaluate(ctx, c, t0.Add(84*day))
	require.Equal(t, OutcomeTransitioned, res.Outcome) // Foundation -> Middle

	// Still divergent a week later, but inside the dwell window.
	res = r.Evaluate(ctx, c, t0.Add(91*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNoChange, res.Outcome)

	entry, _ := reg.Get(ctx, "flappy")
	assert.Equal(t, tier.Middle, entry.Tier)

	events, _ := log.All(ctx)
	last := events[len(events)-1]
	assert.Equal(t, cascade.ActionHold, last.Action)
	assert.True(t, strings.HasPrefix(last.Rationale, "held: in dwell period"), last.Rationale)

	// Once the dwell elapses the pending demotion applies.
	res = r.Evaluate(ctx, c, t0.Add(120*day))
	require.Equal(t, OutcomeTransitioned, res.Outcome)
	entry, _ = reg.Get(ctx, "flappy")
	assert.Equal(t, tier.Edge, entry.Tier)
}

// Evaluating twice with identical inputs never records two transitions.
func TestEvaluateIdempotent(t *testing.T) {
	c := singleAnchorClaim(t, "idem", 7.5)
	r, reg, log := setup(t, "idem", tier.Middle)
	ctx := context.Background()
	now := t0.Add(84 * day)

	res1 := r.Evaluate(ctx, c, now)
	require.Equal(t, OutcomeTransitioned, res1.Outcome)

	res2 := r.Evaluate(ctx, c, now)
	require.NoError(t, res2.Err)
	assert.Equal(t, OutcomeNoChange, res2.Outcome)
	assert.Equal(t, res1.Verdict, res2.Verdict)

	entry, _ := reg.Get(ctx, "idem")
	assert.Equal(t, uint64(2), entry.Version) // exactly one transition

	events, _ := log.All(ctx)
	require.Len(t, events, 2)
	assert.Equal(t, cascade.ActionDemote, events[0].Action)
	assert.Equal(t, cascade.ActionHold, events[1].Action)
}

// conflictingRegistry wraps a registry and forces the first n
// CompareAndSet calls to conflict.
type conflictingRegistry struct {
	tier.Registry
	remaining int
}

func (r *conflictingRegistry) CompareAndSet(ctx context.Context, name string, expect uint64, next tier.Tier, now time.Time) (tier.Entry, error) {
	if r.remaining > 0 {
		r.remaining--
		return tier.Entry{}, tier.ErrVersionConflict
	}
	return r.Registry.CompareAndSet(ctx, name, expect, next, now)
}

func TestConflictRetriesThenSucceeds(t *testing.T) {
	c := singleAnchorClaim(t, "contended", 7.5)
	reg := tier.NewMemoryRegistry()
	require.NoError(t, reg.Create(context.Background(), "contended", tier.Middle, t0))
	wrapped := &conflictingRegistry{Registry: reg, remaining: 2}
	r := New(wrapped, cascade.NewMemoryLog(), WithMaxRetries(3))

	res := r.Evaluate(context.Background(), c, t0.Add(84*day))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeTransitioned, res.Outcome)
}

func TestConflictExhaustsRetries(t *testing.T) {
	c := singleAnchorClaim(t, "contended", 7.5)
	reg := tier.NewMemoryRegistry()
	require.NoError(t, reg.Create(context.Background(), "contended", tier.Middle, t0))
	wrapped := &conflictingRegistry{Registry: reg, remaining: 100}
	r := New(wrapped, cascade.NewMemoryLog(), WithMaxRetries(2))

	res := r.Evaluate(context.Background(), c, t0.Add(84*day))
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrConflict))
}
