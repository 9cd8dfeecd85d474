package claim

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/classify"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func mustAnchor(t *testing.T, id string, weight anchor.Strength, horizon time.Duration) *anchor.Anchor {
	t.Helper()
	a, err := anchor.New(id, id, anchor.KindPhysiological, 14.0, -6.0, horizon, weight, t0)
	require.NoError(t, err)
	return a
}

func TestNewValidatesPrior(t *testing.T) {
	_, err := New("x", "", 1.5)
	assert.Error(t, err)
	_, err = New("", "", 0.5)
	assert.Error(t, err)
}

func TestAddAnchorFreezesOnFirstEvaluation(t *testing.T) {
	c, err := New("shadow-work", "integration reduces anxiety", 0.6)
	require.NoError(t, err)

	a := mustAnchor(t, "hrv", anchor.StrengthVeryStrong, 84*day)
	require.NoError(t, c.AddAnchor(a))
	require.NoError(t, a.Record(8.0, t0.Add(84*day)))

	_, err = c.Evaluate(t0.Add(84 * day))
	require.NoError(t, err)
	assert.True(t, c.Frozen())

	err = c.AddAnchor(mustAnchor(t, "late", anchor.StrengthWeak, day))
	assert.True(t, errors.Is(err, ErrClaimFrozen))
}

func TestAddAnchorRejectsDuplicateID(t *testing.T) {
	c, _ := New("c", "", 0.5)
	require.NoError(t, c.AddAnchor(mustAnchor(t, "a1", anchor.StrengthWeak, day)))
	err := c.AddAnchor(mustAnchor(t, "a1", anchor.StrengthWeak, day))
	assert.True(t, errors.Is(err, ErrDuplicateAnchor))
}

func TestEvaluateRequiresAllAnchorsReady(t *testing.T) {
	c, _ := New("c", "", 0.5)
	short := mustAnchor(t, "short", anchor.StrengthModerate, 7*day)
	long := mustAnchor(t, "long", anchor.StrengthStrong, 84*day)
	require.NoError(t, c.AddAnchor(short))
	require.NoError(t, c.AddAnchor(long))
	require.NoError(t, short.Record(8.0, t0.Add(7*day)))
	require.NoError(t, long.Record(8.0, t0.Add(7*day)))

	// One anchor mature, one not: the whole evaluation must wait.
	_, err := c.Evaluate(t0.Add(30 * day))
	var nre *NotReadyError
	require.True(t, errors.As(err, &nre))
	assert.Equal(t, []string{"long"}, nre.Pending)
	assert.Equal(t, t0.Add(84*day), nre.ReadyAt)
}

func TestEvaluateNoAnchors(t *testing.T) {
	c, _ := New("empty", "", 0.5)
	_, err := c.Evaluate(t0)
	assert.True(t, errors.Is(err, ErrNoAnchors))
}

func TestEvaluateSurfacesNoData(t *testing.T) {
	c, _ := New("c", "", 0.5)
	require.NoError(t, c.AddAnchor(mustAnchor(t, "a", anchor.StrengthWeak, day)))
	_, err := c.Evaluate(t0.Add(2 * day))
	assert.True(t, errors.Is(err, anchor.ErrNoData))
}

// Two anchors with weights 2 and 4 and contributions 0.5 and 1.0 give a
// weighted mean of (2*0.5 + 4*1.0)/6.
func TestEvaluateWeightedMean(t *testing.T) {
	c, _ := New("c", "", 0.5)
	moderate := mustAnchor(t, "moderate", anchor.StrengthModerate, 84*day)
	strong := mustAnchor(t, "strong", anchor.StrengthVeryStrong, 84*day)
	require.NoError(t, c.AddAnchor(moderate))
	require.NoError(t, c.AddAnchor(strong))

	// Both hit their predictions exactly: contributions 2/4 and 4/4.
	require.NoError(t, moderate.Record(8.0, t0.Add(84*day)))
	require.NoError(t, strong.Record(8.0, t0.Add(84*day)))

	eval, err := c.Evaluate(t0.Add(84 * day))
	require.NoError(t, err)
	assert.InDelta(t, (2*0.5+4*1.0)/6, eval.Score, 1e-12)
	require.Len(t, eval.Contributions, 2)
	assert.Equal(t, "moderate", eval.Contributions[0].AnchorID)

	// Weighted mean stays inside the contribution envelope.
	assert.GreaterOrEqual(t, eval.Score, 0.5)
	assert.LessOrEqual(t, eval.Score, 1.0)
}

func TestApplyVerdictCounts(t *testing.T) {
	c, _ := New("c", "", 0.5)
	c.ApplyVerdict(classify.VerdictAligned)
	c.ApplyVerdict(classify.VerdictFalsified)
	c.ApplyVerdict(classify.VerdictNeutral)
	c.ApplyVerdict(classify.VerdictFalsified)

	v, f := c.Counts()
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, f)
}

func TestDecayIfStale(t *testing.T) {
	c, _ := New("c", "", 0.8)
	a := mustAnchor(t, "a", anchor.StrengthWeak, day)
	require.NoError(t, c.AddAnchor(a))
	require.NoError(t, a.Record(14.0, t0))

	// Fresh measurement: no decay.
	assert.False(t, c.DecayIfStale(t0.Add(3*day), 0.95, 7*day))
	assert.InDelta(t, 0.8, c.PriorConfidence(), 1e-12)

	// Stale: decay applies.
	assert.True(t, c.DecayIfStale(t0.Add(10*day), 0.95, 7*day))
	assert.InDelta(t, 0.8*0.95, c.PriorConfidence(), 1e-12)
}

func TestDecayWithNoMeasurements(t *testing.T) {
	c, _ := New("c", "", 1.0)
	require.NoError(t, c.AddAnchor(mustAnchor(t, "a", anchor.StrengthWeak, day)))
	assert.True(t, c.DecayIfStale(t0, 0.9, 7*day))
	assert.InDelta(t, 0.9, c.PriorConfidence(), 1e-12)
}
