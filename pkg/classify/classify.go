// Package classify maps an aggregate evidence score onto a qualitative
// verdict. The thresholds are fixed and documented here; nothing in the
// engine may tune them at runtime.
package classify

// Verdict is the qualitative standing of a claim against its evidence.
type Verdict string

const (
	VerdictAligned   Verdict = "aligned"
	VerdictNeutral   Verdict = "neutral"
	VerdictDivergent Verdict = "divergent"
	VerdictFalsified Verdict = "falsified"
)

// Band lower bounds, inclusive.
const (
	AlignedMin   = 1.3
	NeutralMin   = 0.8
	DivergentMin = 0.5
)

// Classify buckets a score into its verdict band. Each band is inclusive
// on its lower bound: a score of exactly 1.3 is Aligned and a score of
// exactly 0.8 is Neutral.
func Classify(score float64) Verdict {
	switch {
	case score >= AlignedMin:
		return VerdictAligned
	case score >= NeutralMin:
		return VerdictNeutral
	case score >= DivergentMin:
		return VerdictDivergent
	default:
		return VerdictFalsified
	}
}
