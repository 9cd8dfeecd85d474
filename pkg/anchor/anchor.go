// Package anchor implements measurement series and evidence anchors.
// An anchor binds one measurable quantity to a falsifiable expectation:
// a baseline, a predicted delta, and a horizon after which the prediction
// can be judged. Measurements are append-only; an anchor never recomputes
// anything on ingest; all scoring is pull-based at evaluation time.
package anchor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrOutOfOrder = errors.New("measurement timestamp precedes series head")
	ErrNoData     = errors.New("no measurements recorded")
)

// Kind tags the category of real-world measurement backing an anchor.
type Kind string

const (
	KindSubjective       Kind = "subjective"
	KindBehavioral       Kind = "behavioral"
	KindPhysiological    Kind = "physiological"
	KindSocial           Kind = "social"
	KindPerformance      Kind = "performance"
	KindExternalObserver Kind = "external"
	KindLongitudinal     Kind = "longitudinal"
)

// Kinds lists every valid measurement kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindSubjective,
		KindBehavioral,
		KindPhysiological,
		KindSocial,
		KindPerformance,
		KindExternalObserver,
		KindLongitudinal,
	}
}

// Valid reports whether k is a known measurement kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSubjective, KindBehavioral, KindPhysiological, KindSocial,
		KindPerformance, KindExternalObserver, KindLongitudinal:
		return true
	}
	return false
}

// Strength grades evidence quality on the ordered scale used as the
// anchor's weight during aggregation.
type Strength int

const (
	StrengthWeak       Strength = 1
	StrengthModerate   Strength = 2
	StrengthStrong     Strength = 3
	StrengthVeryStrong Strength = 4
)

// MaxStrength is the ceiling of the quality scale. Contribution is
// normalized against it so weak evidence cannot dominate a score.
const MaxStrength = StrengthVeryStrong

// Valid reports whether s is on the defined scale.
func (s Strength) Valid() bool {
	return s >= StrengthWeak && s <= StrengthVeryStrong
}

// Measurement is a single observed (timestamp, value) pair.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is an append-only time series for one quantity. Timestamps are
// strictly non-decreasing; appends are serialized per series while reads
// take a snapshot under the same lock.
type Series struct {
	mu     sync.RWMutex
	points []Measurement
}

// Append records a new measurement. The timestamp must not precede the
// last recorded point.
func (s *Series) Append(value float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.points); n > 0 && ts.Before(s.points[n-1].Timestamp) {
		return fmt.Errorf("%w: %s before %s",
			ErrOutOfOrder, ts.Format(time.RFC3339), s.points[n-1].Timestamp.Format(time.RFC3339))
	}
	s.points = append(s.points, Measurement{Timestamp: ts, Value: value})
	return nil
}

// Latest returns the most recent measurement.
func (s *Series) Latest() (Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.points) == 0 {
		return Measurement{}, false
	}
	return s.points[len(s.points)-1], true
}

// Len returns the number of recorded points.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Points returns a copy of the full series.
func (s *Series) Points() []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Measurement, len(s.points))
	copy(out, s.points)
	return out
}

// Anchor wraps a measurement series with the prediction it is judged
// against. Baseline and ExpectedDelta are fixed at creation; a revised
// prediction requires a new anchor, never a mutation of an old one.
type Anchor struct {
	ID            string
	Name          string
	Kind          Kind
	Baseline      float64
	ExpectedDelta float64
	Horizon       time.Duration
	Weight        Strength
	CreatedAt     time.Time

	series Series
}

// New constructs an anchor and validates its fixed parameters.
func New(id, name string, kind Kind, baseline, expectedDelta float64, horizon time.Duration, weight Strength, createdAt time.Time) (*Anchor, error) {
	if id == "" {
		return nil, errors.New("anchor id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown measurement kind %q", kind)
	}
	if !weight.Valid() {
		return nil, fmt.Errorf("quality weight %d outside scale [%d,%d]", weight, StrengthWeak, StrengthVeryStrong)
	}
	if horizon <= 0 {
		return nil, errors.New("evaluation horizon must be positive")
	}
	return &Anchor{
		ID:            id,
		Name:          name,
		Kind:          kind,
		Baseline:      baseline,
		ExpectedDelta: expectedDelta,
		Horizon:       horizon,
		Weight:        weight,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// Record appends an observed value at ts.
func (a *Anchor) Record(value float64, ts time.Time) error {
	if err := a.series.Append(value, ts.UTC()); err != nil {
		return fmt.Errorf("anchor %s: %w", a.ID, err)
	}
	return nil
}

// CurrentDelta is the latest observed value minus the baseline.
func (a *Anchor) CurrentDelta() (float64, error) {
	latest, ok := a.series.Latest()
	if !ok {
		return 0, fmt.Errorf("anchor %s: %w", a.ID, ErrNoData)
	}
	return latest.Value - a.Baseline, nil
}

// Divergence is the absolute distance between the observed delta and the
// predicted delta.
func (a *Anchor) Divergence() (float64, error) {
	delta, err := a.CurrentDelta()
	if err != nil {
		return 0, err
	}
	return math.Abs(delta - a.ExpectedDelta), nil
}

// Ready reports whether enough time has passed since creation for the
// prediction to be judged.
func (a *Anchor) Ready(now time.Time) bool {
	return now.Sub(a.CreatedAt) >= a.Horizon
}

// ReadyAt returns the earliest instant at which Ready becomes true.
func (a *Anchor) ReadyAt() time.Time {
	return a.CreatedAt.Add(a.Horizon)
}

// Contribution converts divergence into a confidence contribution in
// (0, Weight/MaxStrength]. Decay is exponential so the contribution
// approaches zero smoothly as reality departs from the prediction, and
// the quality weight caps what any single measurement kind can assert.
// Extreme divergence would underflow exp to exactly zero, so the result
// is clamped to the smallest positive float to keep the bound strict.
func (a *Anchor) Contribution() (float64, error) {
	div, err := a.Divergence()
	if err != nil {
		return 0, err
	}
	c := math.Exp(-div) * float64(a.Weight) / float64(MaxStrength)
	return math.Max(c, math.SmallestNonzeroFloat64), nil
}

// LastMeasuredAt returns the timestamp of the newest measurement.
func (a *Anchor) LastMeasuredAt() (time.Time, bool) {
	latest, ok := a.series.Latest()
	if !ok {
		return time.Time{}, false
	}
	return latest.Timestamp, true
}

// Measurements returns a copy of the recorded series.
func (a *Anchor) Measurements() []Measurement {
	return a.series.Points()
}
