package hash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// Algorithm names a fingerprint algorithm as it appears in the document.
type Algorithm string

const (
	// PHash is the DCT-based perceptual hash (64 bit).
	PHash Algorithm = "phash"
	// DHash is the difference hash (64 bit).
	DHash Algorithm = "dhash"
	// AHash is the average hash (64 bit).
	AHash Algorithm = "ahash"
	// TPHash is a tiled pHash over 2x2 quadrants (256 bit).
	TPHash Algorithm = "tphash"
)

// Algorithms lists every supported algorithm in document order.
var Algorithms = []Algorithm{PHash, DHash, TPHash, AHash}

var (
	ErrUnknownAlgorithm = errors.New("unknown hash algorithm")
	ErrInvalidDigest    = errors.New("invalid digest")
	ErrWidthMismatch    = errors.New("digest width mismatch")
)

// ParseAlgorithm accepts the lowercase document names.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case PHash, DHash, AHash, TPHash:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Bits returns the digest width produced by the algorithm.
func (a Algorithm) Bits() int {
	if a == TPHash {
		return 256
	}
	return 64
}

// Digest is a fingerprint as big-endian 64-bit words.
type Digest []uint64

// ParseDigest decodes a 16 or 64 character hex string.
func ParseDigest(s string) (Digest, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 16 && len(s) != 64 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidDigest, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	d := make(Digest, len(raw)/8)
	for i := range d {
		var w uint64
		for _, b := range raw[i*8 : i*8+8] {
			w = w<<8 | uint64(b)
		}
		d[i] = w
	}
	return d, nil
}

// Bits returns the width of the digest in bits.
func (d Digest) Bits() int { return len(d) * 64 }

// String renders the digest as lowercase hex, 16 characters per word.
func (d Digest) String() string {
	var sb strings.Builder
	sb.Grow(len(d) * 16)
	for _, w := range d {
		fmt.Fprintf(&sb, "%016x", w)
	}
	return sb.String()
}

// Equal reports whether both digests hold the same bits.
func (d Digest) Equal(o Digest) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

// HammingDistance counts differing bits. Digests of different widths are
// not comparable.
func HammingDistance(a, b Digest) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d bits", ErrWidthMismatch, a.Bits(), b.Bits())
	}
	n := 0
	for i := range a {
		n += bits.OnesCount64(a[i] ^ b[i])
	}
	return n, nil
}

// Fingerprint is one computed digest and the algorithm that produced it.
type Fingerprint struct {
	Digest    Digest
	Algorithm Algorithm
}

func (f Fingerprint) String() string {
	return string(f.Algorithm) + ":" + f.Digest.String()
}
