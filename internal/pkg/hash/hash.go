package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hash returns the hash value of data.
func Hash(data []byte) uint64 {
	return murmur3.Sum64(data)
}

// HashTextSha256 fingerprints serialized document content.
func HashTextSha256(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Key folds parts into a single 64-bit key, for in-memory dedup maps.
func Key(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, "\x00"))
}
