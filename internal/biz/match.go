package biz

import (
	"fmt"

	"phashguard/internal/pkg/hash"
)

// Verdict is the action a match or the gate proposes.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictQuarantine
	VerdictBan
)

func (v Verdict) String() string {
	switch v {
	case VerdictBan:
		return "ban"
	case VerdictQuarantine:
		return "quarantine"
	default:
		return "none"
	}
}

// MatchResult is the closest blacklist entry for a candidate.
type MatchResult struct {
	Verdict       Verdict
	Distance      int
	MatchedDigest string
	Algorithm     hash.Algorithm
}

// Matched reports whether any entry fell inside the lenient threshold.
func (r MatchResult) Matched() bool { return r.Verdict != VerdictNone }

// MatchEngine compares fingerprints against a snapshot by Hamming distance.
type MatchEngine struct {
	strict  int
	lenient int
}

// NewMatchEngine validates 0 <= strict <= lenient.
func NewMatchEngine(strict, lenient int) (*MatchEngine, error) {
	if strict < 0 || lenient < 0 {
		return nil, fmt.Errorf("%w: thresholds must not be negative (strict=%d, lenient=%d)", ErrInvalidThresholds, strict, lenient)
	}
	if strict > lenient {
		return nil, fmt.Errorf("%w: strict %d exceeds lenient %d", ErrInvalidThresholds, strict, lenient)
	}
	return &MatchEngine{strict: strict, lenient: lenient}, nil
}

func (m *MatchEngine) Thresholds() (strict, lenient int) { return m.strict, m.lenient }

// Match scans entries of the candidate's algorithm and keeps the first
// minimum. A fallback digest carries the algorithm actually used, so it is
// compared only with entries hashed the same way.
func (m *MatchEngine) Match(candidate hash.Fingerprint, snap *Snapshot) MatchResult {
	res := MatchResult{Verdict: VerdictNone, Distance: -1}
	if snap == nil {
		return res
	}
	for _, r := range snap.Records {
		if r.Algorithm != candidate.Algorithm {
			continue
		}
		d, err := hash.HammingDistance(candidate.Digest, r.Digest)
		if err != nil {
			continue
		}
		if res.Distance < 0 || d < res.Distance {
			res.Distance = d
			res.MatchedDigest = r.Digest.String()
			res.Algorithm = r.Algorithm
			if d == 0 {
				break
			}
		}
	}
	res.Verdict = m.verdict(res.Distance)
	return res
}

// MatchAny returns the best result over all candidates, such as the
// sampled frames of one animation.
func (m *MatchEngine) MatchAny(candidates []hash.Fingerprint, snap *Snapshot) MatchResult {
	best := MatchResult{Verdict: VerdictNone, Distance: -1}
	for _, c := range candidates {
		r := m.Match(c, snap)
		if r.Distance < 0 {
			continue
		}
		if best.Distance < 0 || r.Distance < best.Distance {
			best = r
		}
	}
	return best
}

func (m *MatchEngine) verdict(distance int) Verdict {
	switch {
	case distance < 0:
		return VerdictNone
	case distance <= m.strict:
		return VerdictBan
	case distance <= m.lenient:
		return VerdictQuarantine
	default:
		return VerdictNone
	}
}

// Corroborate merges a classifier opinion into a hash verdict. A confident
// match escalates quarantine to ban; a confident benign label softens ban
// to quarantine. Unknown labels never change the verdict.
func Corroborate(v Verdict, c ClassificationResult, escalate, veto float64) Verdict {
	switch {
	case v == VerdictQuarantine && c.Label == LabelMatch && c.Confidence >= escalate:
		return VerdictBan
	case v == VerdictBan && c.Label == LabelBenign && c.Confidence >= veto:
		return VerdictQuarantine
	}
	return v
}
