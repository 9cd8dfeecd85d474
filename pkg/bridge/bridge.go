// Package bridge is the engine facade external collaborators use:
// register claims, stream measurements into their anchors, trigger
// evaluations, and read tier state, history, and reliability reports.
// The engine owns no opinion about what gets measured; it only judges
// how well reality matched the predictions it was given.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/claim"
	"github.com/realitybridge/core/pkg/meta"
	"github.com/realitybridge/core/pkg/observability"
	"github.com/realitybridge/core/pkg/reorg"
	"github.com/realitybridge/core/pkg/tier"
)

var (
	ErrDuplicateClaim = errors.New("claim already registered")
	ErrClaimNotFound  = errors.New("claim not registered")
	ErrAnchorNotFound = errors.New("anchor not found on claim")
	ErrNoAnchors      = errors.New("claim must carry at least one anchor")
)

// Config tunes the engine. Zero values fall back to defaults, except
// MinDwell, where zero disables dwell suppression entirely.
type Config struct {
	MinDwell    time.Duration // minimum dwell after a transition, 0 = none
	MaxRetries  int           // CAS retries per evaluation
	DecayRate   float64       // prior-confidence decay multiplier
	DecayPeriod time.Duration // staleness window before decay applies
	MaxHistory  int           // meta-learner rolling history bound
	Workers     int           // parallelism of EvaluateAll
}

func (c *Config) withDefaults() {
	if c.MinDwell < 0 {
		c.MinDwell = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DecayRate <= 0 || c.DecayRate > 1 {
		c.DecayRate = 0.95
	}
	if c.DecayPeriod <= 0 {
		c.DecayPeriod = 7 * 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Engine composes the registry, event log, reorganizer, and
// meta-learner behind the external interface.
type Engine struct {
	mu     sync.RWMutex
	claims map[string]*claim.Claim
	order  []string // registration order, for deterministic sweeps

	registry tier.Registry
	log      cascade.Log
	reorg    *reorg.Reorganizer
	learner  *meta.Learner
	metrics  *observability.Provider
	logger   *slog.Logger
	cfg      Config
}

// NewEngine builds an engine over the given registry and event log.
// metrics may be nil.
func NewEngine(registry tier.Registry, log cascade.Log, metrics *observability.Provider, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{
		claims:   make(map[string]*claim.Claim),
		registry: registry,
		log:      log,
		reorg: reorg.New(registry, log,
			reorg.WithMinDwell(cfg.MinDwell),
			reorg.WithMaxRetries(cfg.MaxRetries)),
		learner: meta.NewLearner(cfg.MaxHistory),
		metrics: metrics,
		logger:  slog.Default().With("component", "bridge"),
		cfg:     cfg,
	}
}

// RegisterClaim admits a claim at its initial tier. The claim must
// already carry its anchors; a deleted or existing name cannot be
// reused. Registration is itself audited so the event log alone can
// rebuild the registry.
func (e *Engine) RegisterClaim(ctx context.Context, c *claim.Claim, initial tier.Tier, now time.Time) error {
	if len(c.Anchors()) == 0 {
		return fmt.Errorf("claim %q: %w", c.Name, ErrNoAnchors)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.claims[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClaim, c.Name)
	}
	if err := e.registry.Create(ctx, c.Name, initial, now); err != nil {
		if errors.Is(err, tier.ErrClaimExists) {
			return fmt.Errorf("%w: %s", ErrDuplicateClaim, c.Name)
		}
		return err
	}
	if _, err := e.log.Append(ctx, &cascade.Event{
		Timestamp: now.UTC(),
		Claim:     c.Name,
		FromTier:  initial,
		ToTier:    initial,
		Action:    cascade.ActionRegister,
		Rationale: fmt.Sprintf("registered at %s with %d anchors", initial, len(c.Anchors())),
	}); err != nil {
		return fmt.Errorf("audit registration of %q: %w", c.Name, err)
	}

	e.claims[c.Name] = c
	e.order = append(e.order, c.Name)
	e.logger.Info("claim registered", "claim", c.Name, "tier", initial, "anchors", len(c.Anchors()))
	return nil
}

// RestoreClaim re-admits a previously registered claim after a restart.
// The registry must already hold an entry for it; nothing is audited,
// the registration event is already in the log.
func (e *Engine) RestoreClaim(ctx context.Context, c *claim.Claim) error {
	if len(c.Anchors()) == 0 {
		return fmt.Errorf("claim %q: %w", c.Name, ErrNoAnchors)
	}
	if _, err := e.registry.Get(ctx, c.Name); err != nil {
		return fmt.Errorf("restore %q: %w", c.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.claims[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClaim, c.Name)
	}
	e.claims[c.Name] = c
	e.order = append(e.order, c.Name)
	return nil
}

// SubmitMeasurement routes an observed value to the named anchor.
// Appends to different anchors proceed independently; appends to the
// same anchor are serialized by its series.
func (e *Engine) SubmitMeasurement(_ context.Context, claimName, anchorID string, value float64, ts time.Time) error {
	c, err := e.claim(claimName)
	if err != nil {
		return err
	}
	a, ok := c.Anchor(anchorID)
	if !ok {
		return fmt.Errorf("%w: %s on claim %s", ErrAnchorNotFound, anchorID, claimName)
	}
	return a.Record(value, ts)
}

// Evaluate scores one claim against its evidence and applies any tier
// transition. Successful evaluations feed the meta-learner and the
// claim's validation counters.
func (e *Engine) Evaluate(ctx context.Context, claimName string, now time.Time) (reorg.Result, error) {
	c, err := e.claim(claimName)
	if err != nil {
		return reorg.Result{}, err
	}
	return e.evaluate(ctx, c, now), nil
}

func (e *Engine) evaluate(ctx context.Context, c *claim.Claim, now time.Time) reorg.Result {
	start := time.Now()
	res := e.reorg.Evaluate(ctx, c, now)
	if e.metrics != nil {
		e.metrics.RecordEvaluation(ctx, string(res.Outcome), time.Since(start))
	}

	switch res.Outcome {
	case reorg.OutcomeNoChange, reorg.OutcomeTransitioned:
		c.ApplyVerdict(res.Verdict)
		if res.Evaluation != nil {
			e.learner.RecordOutcome(c.Name, res.Score, res.Evaluation.Contributions)
		}
		if res.Outcome == reorg.OutcomeTransitioned && e.metrics != nil && res.Event != nil {
			e.metrics.RecordTransition(ctx, string(res.Event.Action))
		}
	default:
		if e.metrics != nil {
			e.metrics.RecordFailure(ctx, string(res.Outcome))
		}
	}
	return res
}

// EvaluateAll evaluates every registered claim. Claims are independent:
// a not-ready or conflicting claim occupies its own result slot and
// never aborts the sweep. Evaluation runs across a bounded worker pool.
func (e *Engine) EvaluateAll(ctx context.Context, now time.Time) []reorg.Result {
	e.mu.RLock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	claims := make([]*claim.Claim, len(names))
	for i, name := range names {
		claims[i] = e.claims[name]
	}
	e.mu.RUnlock()

	results := make([]reorg.Result, len(claims))
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for i, c := range claims {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c *claim.Claim) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.evaluate(ctx, c, now)
		}(i, c)
	}
	wg.Wait()
	return results
}

// DecayStale sweeps all claims, decaying the prior confidence of any
// claim with no fresh measurements. Returns how many decayed.
func (e *Engine) DecayStale(now time.Time) int {
	e.mu.RLock()
	claims := make([]*claim.Claim, 0, len(e.claims))
	for _, c := range e.claims {
		claims = append(claims, c)
	}
	e.mu.RUnlock()

	decayed := 0
	for _, c := range claims {
		if c.DecayIfStale(now, e.cfg.DecayRate, e.cfg.DecayPeriod) {
			decayed++
		}
	}
	return decayed
}

// TierState returns the current tier of every claim.
func (e *Engine) TierState(ctx context.Context) (map[string]tier.Tier, error) {
	return e.registry.Snapshot(ctx)
}

// History returns the ordered cascade events for one claim. Deleted
// claims keep their history; only unknown names fail.
func (e *Engine) History(ctx context.Context, claimName string) ([]cascade.Event, error) {
	if _, err := e.claim(claimName); err != nil {
		return nil, err
	}
	return e.log.History(ctx, claimName)
}

// ReliabilityReport returns advisory meta-learning strategies: one per
// claim for an empty name, or a single-element report otherwise.
func (e *Engine) ReliabilityReport(claimName string) ([]meta.Strategy, error) {
	if claimName != "" {
		if _, err := e.claim(claimName); err != nil {
			return nil, err
		}
		return []meta.Strategy{e.learner.SuggestStrategy(claimName)}, nil
	}

	e.mu.RLock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	e.mu.RUnlock()

	out := make([]meta.Strategy, 0, len(names))
	for _, name := range names {
		out = append(out, e.learner.SuggestStrategy(name))
	}
	return out, nil
}

// RebuildMeta discards meta-learner state and replays it from the event
// log. Meta state is a cache; this is always safe.
func (e *Engine) RebuildMeta(ctx context.Context) error {
	events, err := e.log.All(ctx)
	if err != nil {
		return err
	}
	return e.learner.Rebuild(events)
}

// Claims lists registered claim names in registration order.
func (e *Engine) Claims() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Engine) claim(name string) (*claim.Claim, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.claims[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
	}
	return c, nil
}
