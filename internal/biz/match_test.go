package biz

import (
	"errors"
	"strings"
	"testing"

	"phashguard/internal/pkg/hash"
)

func snapshotOf(t *testing.T, digests ...string) *Snapshot {
	t.Helper()
	s := &Snapshot{}
	for _, d := range digests {
		dg := mustDigest(t, d)
		alg := hash.PHash
		if dg.Bits() == 256 {
			alg = hash.TPHash
		}
		s.Records = append(s.Records, FingerprintRecord{Digest: dg, Algorithm: alg})
	}
	return s
}

func TestNewMatchEngine(t *testing.T) {
	tests := []struct {
		strict, lenient int
		wantErr         bool
	}{
		{4, 6, false},
		{0, 0, false},
		{6, 6, false},
		{7, 6, true},
		{-1, 6, true},
		{4, -2, true},
	}
	for _, tt := range tests {
		_, err := NewMatchEngine(tt.strict, tt.lenient)
		if tt.wantErr && !errors.Is(err, ErrInvalidThresholds) {
			t.Errorf("NewMatchEngine(%d, %d) = %v; want ErrInvalidThresholds", tt.strict, tt.lenient, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("NewMatchEngine(%d, %d) failed: %v", tt.strict, tt.lenient, err)
		}
	}
}

func TestMatchEngine_Match(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	snap := snapshotOf(t, "ffffffffffffffff", "a1b2c3d4e5f60710", strings.Repeat("0", 64))

	tests := []struct {
		name      string
		candidate string
		verdict   Verdict
		distance  int
		matched   string
	}{
		{
			name:      "single bit differs",
			candidate: "a1b2c3d4e5f60718",
			verdict:   VerdictBan,
			distance:  1,
			matched:   "a1b2c3d4e5f60710",
		},
		{
			name:      "identical",
			candidate: "a1b2c3d4e5f60710",
			verdict:   VerdictBan,
			distance:  0,
			matched:   "a1b2c3d4e5f60710",
		},
		{
			name:      "quarantine band",
			candidate: "a1b2c3d4e5f6070f",
			verdict:   VerdictQuarantine,
			distance:  5,
			matched:   "a1b2c3d4e5f60710",
		},
		{
			name:      "strict boundary",
			candidate: "a1b2c3d4e5f6071f",
			verdict:   VerdictBan,
			distance:  4,
			matched:   "a1b2c3d4e5f60710",
		},
		{
			name:      "lenient boundary",
			candidate: "a1b2c3d4e5f6072f",
			verdict:   VerdictQuarantine,
			distance:  6,
			matched:   "a1b2c3d4e5f60710",
		},
		{
			name:      "far away",
			candidate: "0000000000000000",
			verdict:   VerdictNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(hash.Fingerprint{Digest: mustDigest(t, tt.candidate), Algorithm: hash.PHash}, snap)
			if got.Verdict != tt.verdict {
				t.Errorf("Verdict = %s; want %s (distance %d)", got.Verdict, tt.verdict, got.Distance)
			}
			if tt.verdict != VerdictNone {
				if got.Distance != tt.distance {
					t.Errorf("Distance = %d; want %d", got.Distance, tt.distance)
				}
				if got.MatchedDigest != tt.matched {
					t.Errorf("MatchedDigest = %s; want %s", got.MatchedDigest, tt.matched)
				}
			}
		})
	}
}

func TestMatchEngine_IgnoresOtherWidths(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	snap := snapshotOf(t, strings.Repeat("0", 64))

	got := m.Match(hash.Fingerprint{Digest: mustDigest(t, "0000000000000000"), Algorithm: hash.PHash}, snap)
	if got.Verdict != VerdictNone || got.Distance != -1 {
		t.Errorf("Expected no comparable entries, got %+v", got)
	}

	tiled := hash.Fingerprint{Digest: mustDigest(t, strings.Repeat("0", 63)+"1"), Algorithm: hash.TPHash}
	if got := m.Match(tiled, snap); got.Verdict != VerdictBan || got.Distance != 1 {
		t.Errorf("Expected tiled ban at distance 1, got %+v", got)
	}
}

func TestMatchEngine_SameAlgorithmOnly(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	snap := &Snapshot{Records: []FingerprintRecord{
		{Digest: mustDigest(t, "a1b2c3d4e5f60710"), Algorithm: hash.DHash},
		{Digest: mustDigest(t, "a1b2c3d4e5f60710"), Algorithm: hash.AHash},
	}}

	got := m.Match(hash.Fingerprint{Digest: mustDigest(t, "a1b2c3d4e5f60710"), Algorithm: hash.PHash}, snap)
	if got.Verdict != VerdictNone || got.Distance != -1 {
		t.Errorf("Expected pHash candidate to ignore dHash and aHash entries, got %+v", got)
	}

	got = m.Match(hash.Fingerprint{Digest: mustDigest(t, "a1b2c3d4e5f60711"), Algorithm: hash.AHash}, snap)
	if got.Verdict != VerdictBan || got.Distance != 1 || got.Algorithm != hash.AHash {
		t.Errorf("Expected aHash ban at distance 1, got %+v", got)
	}
}

func TestMatchEngine_FirstMinimumWins(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	snap := snapshotOf(t, "0000000000000001", "0000000000000002")

	got := m.Match(hash.Fingerprint{Digest: hash.Digest{0}, Algorithm: hash.PHash}, snap)
	if got.MatchedDigest != "0000000000000001" {
		t.Errorf("Expected first minimum to win, got %s", got.MatchedDigest)
	}
}

func TestMatchEngine_MatchAny(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	snap := snapshotOf(t, "a1b2c3d4e5f60710")

	frames := []hash.Fingerprint{
		{Digest: mustDigest(t, "0000000000000000"), Algorithm: hash.PHash},
		{Digest: mustDigest(t, "a1b2c3d4e5f6077f"), Algorithm: hash.PHash},
		{Digest: mustDigest(t, "a1b2c3d4e5f60718"), Algorithm: hash.PHash},
	}
	got := m.MatchAny(frames, snap)
	if got.Verdict != VerdictBan || got.Distance != 1 {
		t.Errorf("Expected best frame to ban at distance 1, got %+v", got)
	}

	if got := m.MatchAny(nil, snap); got.Verdict != VerdictNone {
		t.Errorf("Expected no verdict without candidates, got %s", got.Verdict)
	}
}

func TestMatchEngine_EmptySnapshot(t *testing.T) {
	m, _ := NewMatchEngine(4, 6)
	fp := hash.Fingerprint{Digest: hash.Digest{1}, Algorithm: hash.PHash}
	if got := m.Match(fp, &Snapshot{}); got.Verdict != VerdictNone {
		t.Errorf("Expected none on empty snapshot, got %s", got.Verdict)
	}
	if got := m.Match(fp, nil); got.Verdict != VerdictNone {
		t.Errorf("Expected none on nil snapshot, got %s", got.Verdict)
	}
}

func TestCorroborate(t *testing.T) {
	tests := []struct {
		name string
		in   Verdict
		cls  ClassificationResult
		want Verdict
	}{
		{"escalate quarantine", VerdictQuarantine, ClassificationResult{Label: LabelMatch, Confidence: 0.9}, VerdictBan},
		{"weak match keeps quarantine", VerdictQuarantine, ClassificationResult{Label: LabelMatch, Confidence: 0.5}, VerdictQuarantine},
		{"veto ban", VerdictBan, ClassificationResult{Label: LabelBenign, Confidence: 0.95}, VerdictQuarantine},
		{"weak benign keeps ban", VerdictBan, ClassificationResult{Label: LabelBenign, Confidence: 0.6}, VerdictBan},
		{"unknown never changes", VerdictQuarantine, ClassificationResult{Label: LabelUnknown, Confidence: 1}, VerdictQuarantine},
		{"none stays none", VerdictNone, ClassificationResult{Label: LabelMatch, Confidence: 1}, VerdictNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Corroborate(tt.in, tt.cls, 0.85, 0.9); got != tt.want {
				t.Errorf("Corroborate(%s, %+v) = %s; want %s", tt.in, tt.cls, got, tt.want)
			}
		})
	}
}
