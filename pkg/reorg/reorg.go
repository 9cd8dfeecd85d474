// Package reorg decides how claims move between trust tiers. It is the
// only writer of the tier registry: evaluation snapshots the evidence,
// classifies the score, looks up the transition table, and applies the
// result under optimistic concurrency. Every evaluation appends a
// cascade event, including the ones that change nothing.
package reorg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/claim"
	"github.com/realitybridge/core/pkg/classify"
	"github.com/realitybridge/core/pkg/tier"
)

// ErrConflict surfaces after compare-and-set retries are exhausted.
var ErrConflict = errors.New("tier transition conflict: retries exhausted")

// Outcome summarizes a single claim's evaluation.
type Outcome string

const (
	OutcomeNoChange     Outcome = "no_change"
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeNotReady     Outcome = "not_ready"
	OutcomeConflict     Outcome = "conflict"
	OutcomeError        Outcome = "error"
)

// Result is the per-claim evaluation report. Err is set for NotReady,
// Conflict and Error outcomes; Event is set whenever a cascade event was
// recorded.
type Result struct {
	Claim      string
	Outcome    Outcome
	Verdict    classify.Verdict
	Score      float64
	Evaluation *claim.Evaluation
	Event      *cascade.Event
	Err        error
}

// Next looks up the transition table: given the current tier and a
// verdict, it returns the target tier and the action label. Deleted is
// terminal and always holds.
func Next(current tier.Tier, v classify.Verdict) (tier.Tier, cascade.Action) {
	if current.Terminal() {
		return current, cascade.ActionHold
	}
	switch v {
	case classify.VerdictAligned:
		switch current {
		case tier.Edge:
			return tier.Middle, cascade.ActionPromote
		case tier.Middle:
			return tier.Foundation, cascade.ActionPromote
		default: // Foundation holds at the top
			return tier.Foundation, cascade.ActionHold
		}
	case classify.VerdictNeutral:
		return current, cascade.ActionHold
	case classify.VerdictDivergent:
		switch current {
		case tier.Foundation:
			return tier.Middle, cascade.ActionDemote
		case tier.Middle:
			return tier.Edge, cascade.ActionDemote
		default: // Edge holds at the bottom
			return tier.Edge, cascade.ActionHold
		}
	default: // Falsified deletes from any tier in one step
		return tier.Deleted, cascade.ActionDelete
	}
}

// Reorganizer applies classified evaluations to the tier registry.
type Reorganizer struct {
	registry   tier.Registry
	log        cascade.Log
	minDwell   time.Duration
	maxRetries int
	logger     *slog.Logger
}

// Option configures a Reorganizer.
type Option func(*Reorganizer)

// WithMinDwell sets the minimum time a claim must remain in a tier after
// a transition before it may transition again.
func WithMinDwell(d time.Duration) Option {
	return func(r *Reorganizer) { r.minDwell = d }
}

// WithMaxRetries bounds compare-and-set retries per evaluation.
func WithMaxRetries(n int) Option {
	return func(r *Reorganizer) { r.maxRetries = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reorganizer) { r.logger = l }
}

// New creates a Reorganizer writing to the given registry and log.
func New(registry tier.Registry, log cascade.Log, opts ...Option) *Reorganizer {
	r := &Reorganizer{
		registry:   registry,
		log:        log,
		minDwell:   24 * time.Hour,
		maxRetries: 3,
		logger:     slog.Default().With("component", "reorg"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate scores one claim and applies the resulting transition, if
// any. The whole snapshot-classify-apply cycle is retried on version
// conflicts; measurement ingestion is never blocked by an evaluation in
// flight.
func (r *Reorganizer) Evaluate(ctx context.Context, c *claim.Claim, now time.Time) Result {
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		res, retry := r.evaluateOnce(ctx, c, now)
		if !retry {
			return res
		}
		r.logger.Debug("tier CAS conflict, retrying evaluation",
			"claim", c.Name, "attempt", attempt+1)
	}
	return Result{
		Claim:   c.Name,
		Outcome: OutcomeConflict,
		Err:     fmt.Errorf("claim %q: %w", c.Name, ErrConflict),
	}
}

// evaluateOnce runs one snapshot-classify-apply cycle. The second return
// value requests a retry after a registry version conflict.
func (r *Reorganizer) evaluateOnce(ctx context.Context, c *claim.Claim, now time.Time) (Result, bool) {
	entry, err := r.registry.Get(ctx, c.Name)
	if err != nil {
		return Result{Claim: c.Name, Outcome: OutcomeError, Err: err}, false
	}

	eval, err := c.Evaluate(now)
	if err != nil {
		var nre *claim.NotReadyError
		if errors.As(err, &nre) {
			return Result{Claim: c.Name, Outcome: OutcomeNotReady, Err: err}, false
		}
		return Result{Claim: c.Name, Outcome: OutcomeError, Err: err}, false
	}

	verdict := classify.Classify(eval.Score)
	next, action := Next(entry.Tier, verdict)

	payload, err := json.Marshal(eval)
	if err != nil {
		return Result{Claim: c.Name, Outcome: OutcomeError, Err: fmt.Errorf("marshal evaluation: %w", err)}, false
	}

	ev := &cascade.Event{
		Timestamp: now.UTC(),
		Claim:     c.Name,
		FromTier:  entry.Tier,
		ToTier:    next,
		Score:     eval.Score,
		Action:    action,
		Payload:   payload,
	}

	// Dwell: a claim that transitioned recently holds in place even when
	// the verdict says otherwise, so measurement noise straddling a
	// threshold cannot flap it between tiers each cycle.
	inDwell := entry.Version > 1 && now.Sub(entry.ChangedAt) < r.minDwell

	if next == entry.Tier || (inDwell && next != entry.Tier) {
		if entry.Tier.Terminal() {
			ev.Rationale = fmt.Sprintf("held: %s tier is terminal (score %.2f, %s verdict)", tier.Deleted, eval.Score, verdict)
		} else if next != entry.Tier {
			ev.ToTier = entry.Tier
			ev.Action = cascade.ActionHold
			ev.Rationale = fmt.Sprintf("held: in dwell period until %s (%s verdict suppressed)",
				entry.ChangedAt.Add(r.minDwell).Format(time.RFC3339), verdict)
		} else {
			ev.Rationale = rationale(verdict, eval.Score, action, entry.Tier)
		}
		stored, err := r.log.Append(ctx, ev)
		if err != nil {
			return Result{Claim: c.Name, Outcome: OutcomeError, Err: err}, false
		}
		return Result{Claim: c.Name, Outcome: OutcomeNoChange, Verdict: verdict, Score: eval.Score, Evaluation: eval, Event: stored}, false
	}

	ev.Rationale = rationale(verdict, eval.Score, action, next)
	if _, err := r.registry.CompareAndSet(ctx, c.Name, entry.Version, next, now); err != nil {
		if errors.Is(err, tier.ErrVersionConflict) {
			return Result{}, true
		}
		return Result{Claim: c.Name, Outcome: OutcomeError, Err: err}, false
	}

	stored, err := r.log.Append(ctx, ev)
	if err != nil {
		return Result{Claim: c.Name, Outcome: OutcomeError, Err: err}, false
	}

	r.logger.Info("tier transition",
		"claim", c.Name, "from", entry.Tier, "to", next,
		"score", eval.Score, "verdict", verdict)

	return Result{Claim: c.Name, Outcome: OutcomeTransitioned, Verdict: verdict, Score: eval.Score, Evaluation: eval, Event: stored}, false
}

// rationale renders the audit explanation for a decision.
func rationale(v classify.Verdict, score float64, action cascade.Action, target tier.Tier) string {
	switch v {
	case classify.VerdictAligned:
		if action == cascade.ActionHold {
			return fmt.Sprintf("aligned: score %.2f >= %.1f, already at %s", score, classify.AlignedMin, target)
		}
		return fmt.Sprintf("aligned: score %.2f >= %.1f", score, classify.AlignedMin)
	case classify.VerdictNeutral:
		return fmt.Sprintf("neutral: score %.2f in [%.1f, %.1f)", score, classify.NeutralMin, classify.AlignedMin)
	case classify.VerdictDivergent:
		if action == cascade.ActionHold {
			return fmt.Sprintf("divergent: score %.2f < %.1f, already at %s", score, classify.NeutralMin, target)
		}
		return fmt.Sprintf("divergent: score %.2f < %.1f", score, classify.NeutralMin)
	default:
		return fmt.Sprintf("falsified: score %.2f < %.1f", score, classify.DivergentMin)
	}
}
