// Package claim implements the named hypothesis that evidence anchors
// attach to, and its aggregation of per-anchor contributions into a
// single confidence score.
package claim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/classify"
)

var (
	// ErrClaimFrozen rejects anchor additions after the first evaluation.
	// Once evidence starts being judged, the goalposts are fixed.
	ErrClaimFrozen = errors.New("claim is frozen: anchors cannot be added after first evaluation")

	// ErrNoAnchors rejects evaluation of a claim with nothing to measure.
	ErrNoAnchors = errors.New("claim has no anchors")

	ErrDuplicateAnchor = errors.New("anchor id already present on claim")
)

// NotReadyError reports anchors whose horizon has not yet elapsed.
// Callers may retry once ReadyAt has passed.
type NotReadyError struct {
	Claim   string
	Pending []string  // anchor ids still inside their horizon
	ReadyAt time.Time // earliest instant at which every anchor is mature
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("claim %q not ready: anchors [%s] pending until %s",
		e.Claim, strings.Join(e.Pending, ", "), e.ReadyAt.Format(time.RFC3339))
}

// AnchorContribution is one anchor's share of an evaluation, kept for
// the audit payload and the meta-learner.
type AnchorContribution struct {
	AnchorID     string      `json:"anchor_id"`
	Name         string      `json:"name"`
	Kind         anchor.Kind `json:"kind"`
	Weight       float64     `json:"weight"`
	Delta        float64     `json:"delta"`
	Divergence   float64     `json:"divergence"`
	Contribution float64     `json:"contribution"`
}

// Evaluation is the result of aggregating a claim's anchors at one instant.
type Evaluation struct {
	Claim         string               `json:"claim"`
	At            time.Time            `json:"at"`
	Score         float64              `json:"score"`
	Contributions []AnchorContribution `json:"contributions"`
}

// Claim is a named falsifiable hypothesis backed by one or more anchors.
type Claim struct {
	Name        string
	Description string

	mu              sync.Mutex
	anchors         []*anchor.Anchor
	frozen          bool
	priorConfidence float64
	validations     int
	falsifications  int
}

// New creates a claim with the given prior confidence in [0,1].
func New(name, description string, prior float64) (*Claim, error) {
	if name == "" {
		return nil, errors.New("claim name is required")
	}
	if prior < 0 || prior > 1 {
		return nil, fmt.Errorf("prior confidence %v outside [0,1]", prior)
	}
	return &Claim{Name: name, Description: description, priorConfidence: prior}, nil
}

// AddAnchor attaches an anchor. Fails once the claim has been evaluated.
func (c *Claim) AddAnchor(a *anchor.Anchor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return fmt.Errorf("claim %q: %w", c.Name, ErrClaimFrozen)
	}
	for _, existing := range c.anchors {
		if existing.ID == a.ID {
			return fmt.Errorf("claim %q: %w: %s", c.Name, ErrDuplicateAnchor, a.ID)
		}
	}
	c.anchors = append(c.anchors, a)
	return nil
}

// Anchor looks up an attached anchor by id.
func (c *Claim) Anchor(id string) (*anchor.Anchor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.anchors {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// Anchors returns the attached anchors in registration order.
func (c *Claim) Anchors() []*anchor.Anchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*anchor.Anchor, len(c.anchors))
	copy(out, c.anchors)
	return out
}

// Frozen reports whether the claim has been evaluated at least once.
func (c *Claim) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Evaluate aggregates every anchor's contribution into the claim score.
//
// All anchors must be past their horizon; evaluating on whichever anchor
// happened to mature first would invite cherry-picking, so a single
// pending anchor fails the whole evaluation with *NotReadyError. The
// score is the quality-weighted mean of contributions and always lies
// between the smallest and largest individual contribution.
//
// The first call, successful or not, freezes the anchor set.
func (c *Claim) Evaluate(now time.Time) (*Evaluation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.anchors) == 0 {
		return nil, fmt.Errorf("claim %q: %w", c.Name, ErrNoAnchors)
	}
	c.frozen = true

	var pending []string
	readyAt := time.Time{}
	for _, a := range c.anchors {
		if !a.Ready(now) {
			pending = append(pending, a.ID)
			if at := a.ReadyAt(); at.After(readyAt) {
				readyAt = at
			}
		}
	}
	if len(pending) > 0 {
		sort.Strings(pending)
		return nil, &NotReadyError{Claim: c.Name, Pending: pending, ReadyAt: readyAt}
	}

	eval := &Evaluation{Claim: c.Name, At: now.UTC()}
	var weighted, totalWeight float64
	for _, a := range c.anchors {
		contrib, err := a.Contribution()
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", c.Name, err)
		}
		delta, _ := a.CurrentDelta()
		div, _ := a.Divergence()
		w := float64(a.Weight)
		eval.Contributions = append(eval.Contributions, AnchorContribution{
			AnchorID:     a.ID,
			Name:         a.Name,
			Kind:         a.Kind,
			Weight:       w,
			Delta:        delta,
			Divergence:   div,
			Contribution: contrib,
		})
		weighted += contrib * w
		totalWeight += w
	}
	eval.Score = weighted / totalWeight
	return eval, nil
}

// ApplyVerdict updates the claim's running validation and falsification
// counters from a classified evaluation.
func (c *Claim) ApplyVerdict(v classify.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v {
	case classify.VerdictAligned:
		c.validations++
	case classify.VerdictFalsified:
		c.falsifications++
	}
}

// Counts returns how often evaluations landed in the aligned and
// falsified bands.
func (c *Claim) Counts() (validations, falsifications int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validations, c.falsifications
}

// PriorConfidence returns the decayable bookkeeping confidence.
func (c *Claim) PriorConfidence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priorConfidence
}

// LastMeasuredAt returns the newest measurement timestamp across all
// anchors.
func (c *Claim) LastMeasuredAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latest time.Time
	found := false
	for _, a := range c.anchors {
		if ts, ok := a.LastMeasuredAt(); ok && ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found
}

// DecayIfStale multiplies the prior confidence by rate when no anchor has
// recorded a measurement within the trailing period. Claims that stop
// producing evidence lose standing instead of coasting on old data.
// Reports whether decay was applied.
func (c *Claim) DecayIfStale(now time.Time, rate float64, period time.Duration) bool {
	last, ok := c.LastMeasuredAt()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok && now.Sub(last) < period {
		return false
	}
	c.priorConfidence *= rate
	return true
}
