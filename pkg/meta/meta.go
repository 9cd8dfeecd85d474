// Package meta tracks which claims and which kinds of measurement have
// historically been predictive. Its output is advisory only: nothing
// here feeds back into quality weights or the scoring formula, which
// keeps the aggregate score auditable. State is a cache derived from
// evaluations and can always be rebuilt from the cascade event log.
package meta

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/realitybridge/core/pkg/anchor"
	"github.com/realitybridge/core/pkg/cascade"
	"github.com/realitybridge/core/pkg/claim"
)

// DefaultMaxHistory bounds each rolling history; the oldest sample is
// dropped when the bound is exceeded.
const DefaultMaxHistory = 256

// Reliability confidence labels.
const (
	ConfidenceHigh    = "high"
	ConfidenceLow     = "low"
	ConfidenceUnknown = "unknown"
)

// KindScore ranks one measurement kind by mean contribution.
type KindScore struct {
	Kind    anchor.Kind `json:"kind"`
	Mean    float64     `json:"mean"`
	Samples int         `json:"samples"`
}

// Strategy is the advisory output for one claim.
type Strategy struct {
	Claim          string      `json:"claim"`
	Reliability    float64     `json:"reliability"`
	HasReliability bool        `json:"has_reliability"`
	Confidence     string      `json:"confidence"`
	Recommendation string      `json:"recommendation"`
	KindRanking    []KindScore `json:"kind_ranking"`
}

// Learner accumulates rolling score and contribution histories.
type Learner struct {
	mu          sync.RWMutex
	maxHistory  int
	claimScores map[string][]float64
	kindScores  map[anchor.Kind][]float64
}

// NewLearner creates a Learner with the given history bound; zero or
// negative means DefaultMaxHistory.
func NewLearner(maxHistory int) *Learner {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Learner{
		maxHistory:  maxHistory,
		claimScores: make(map[string][]float64),
		kindScores:  make(map[anchor.Kind][]float64),
	}
}

// RecordOutcome folds one evaluation into the rolling histories.
func (l *Learner) RecordOutcome(claimName string, score float64, contribs []claim.AnchorContribution) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.claimScores[claimName] = appendBounded(l.claimScores[claimName], score, l.maxHistory)
	for _, c := range contribs {
		l.kindScores[c.Kind] = appendBounded(l.kindScores[c.Kind], c.Contribution, l.maxHistory)
	}
}

func appendBounded(s []float64, v float64, bound int) []float64 {
	s = append(s, v)
	if len(s) > bound {
		s = s[len(s)-bound:]
	}
	return s
}

// ClaimReliability scores how informative a claim's history has been:
// max(0, 1 - mean|score - 1|). Scores clustering at the neutral point
// 1.0 mean the claim's predictions rarely said anything decisive.
func (l *Learner) ClaimReliability(claimName string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	scores := l.claimScores[claimName]
	if len(scores) == 0 {
		return 0, false
	}
	var dev float64
	for _, s := range scores {
		dev += math.Abs(s - 1.0)
	}
	return math.Max(0, 1-dev/float64(len(scores))), true
}

// KindReliability returns the mean contribution for one measurement kind.
func (l *Learner) KindReliability(kind anchor.Kind) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return mean(l.kindScores[kind])
}

func mean(s []float64) (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s)), true
}

// KindRanking orders measurement kinds by mean contribution, best first.
// Kinds with no samples are omitted.
func (l *Learner) KindRanking() []KindScore {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]KindScore, 0, len(l.kindScores))
	for _, kind := range anchor.Kinds() {
		if m, ok := mean(l.kindScores[kind]); ok {
			out = append(out, KindScore{Kind: kind, Mean: m, Samples: len(l.kindScores[kind])})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Mean > out[j].Mean })
	return out
}

// SuggestStrategy renders the advisory report for one claim.
func (l *Learner) SuggestStrategy(claimName string) Strategy {
	reliability, ok := l.ClaimReliability(claimName)
	ranking := l.KindRanking()

	s := Strategy{
		Claim:          claimName,
		Reliability:    reliability,
		HasReliability: ok,
		KindRanking:    ranking,
	}
	switch {
	case ok && reliability > 0.8:
		s.Confidence = ConfidenceHigh
		s.Recommendation = fmt.Sprintf(
			"claim %q has high prediction reliability (%.2f); current measurement strategy is working", claimName, reliability)
	case ok && reliability < 0.5:
		s.Confidence = ConfidenceLow
		s.Recommendation = fmt.Sprintf(
			"claim %q has low prediction reliability (%.2f); consider different measurement kinds", claimName, reliability)
		if len(ranking) > 0 {
			s.Recommendation += fmt.Sprintf(" (most reliable kind: %s)", ranking[0].Kind)
		}
	case ok:
		s.Confidence = ConfidenceUnknown
		s.Recommendation = fmt.Sprintf(
			"claim %q has middling prediction reliability (%.2f); keep measuring", claimName, reliability)
	default:
		s.Confidence = ConfidenceUnknown
		s.Recommendation = fmt.Sprintf(
			"claim %q lacks evaluation history; keep measuring with the current strategy", claimName)
	}
	return s
}

// Claims lists every claim with recorded history, sorted.
func (l *Learner) Claims() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.claimScores))
	for name := range l.claimScores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Rebuild resets the learner and replays score history from the cascade
// event log. Per-kind contribution histories are restored from the
// events' evaluation payloads when present. Meta state is derived, so a
// rebuild from the log plus subsequent evaluations always converges to
// the same answers as uninterrupted operation.
func (l *Learner) Rebuild(events []cascade.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.claimScores = make(map[string][]float64)
	l.kindScores = make(map[anchor.Kind][]float64)

	for i := range events {
		e := &events[i]
		if e.Action == cascade.ActionRegister {
			continue
		}
		l.claimScores[e.Claim] = appendBounded(l.claimScores[e.Claim], e.Score, l.maxHistory)

		if len(e.Payload) == 0 {
			continue
		}
		eval, err := decodeEvaluation(e.Payload)
		if err != nil {
			return fmt.Errorf("meta: rebuild event %d: %w", e.Sequence, err)
		}
		for _, c := range eval.Contributions {
			l.kindScores[c.Kind] = appendBounded(l.kindScores[c.Kind], c.Contribution, l.maxHistory)
		}
	}
	return nil
}
