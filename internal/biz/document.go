package biz

import (
	"encoding/json"
	"strings"
	"time"

	"phashguard/internal/pkg/hash"
)

// FingerprintRecord is one blacklist entry.
type FingerprintRecord struct {
	Digest    hash.Digest
	Algorithm hash.Algorithm
	AddedAt   time.Time
}

// Key identifies the record for exact-digest dedup.
func (r FingerprintRecord) Key() string {
	return string(r.Algorithm) + ":" + r.Digest.String()
}

// Snapshot is an immutable view of the blacklist. Records are ordered
// oldest first.
type Snapshot struct {
	Records           []FingerprintRecord
	SourceFingerprint string
	LastFetchedAt     time.Time
	LastEditedAt      time.Time
}

// Len returns the record count of a possibly nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

type documentBody struct {
	PHash  []string `json:"phash"`
	DHash  []string `json:"dhash"`
	TPHash []string `json:"tphash"`
	AHash  []string `json:"ahash,omitempty"`
}

// ParseDocument extracts fingerprints from a document body. The body holds
// either a fenced JSON object after the marker or a legacy list of hex
// tokens. Malformed tokens are dropped.
func ParseDocument(body, marker string) []FingerprintRecord {
	content := body
	if marker != "" {
		if i := strings.Index(body, marker); i >= 0 {
			content = body[i+len(marker):]
		}
	}

	if obj, ok := extractJSON(content); ok {
		var doc map[string]any
		if err := json.Unmarshal([]byte(obj), &doc); err == nil {
			return recordsFromJSON(doc)
		}
	}
	return recordsFromTokens(content)
}

// extractJSON returns the object inside a ```json fence, or the outermost
// braces when no fence is present.
func extractJSON(s string) (string, bool) {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = rest
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func recordsFromJSON(doc map[string]any) []FingerprintRecord {
	var out []FingerprintRecord
	for _, alg := range hash.Algorithms {
		list, _ := doc[string(alg)].([]any)
		for _, v := range list {
			tok, ok := v.(string)
			if !ok {
				continue
			}
			d, err := hash.ParseDigest(tok)
			if err != nil || d.Bits() != alg.Bits() {
				continue
			}
			out = append(out, FingerprintRecord{Digest: d, Algorithm: alg})
		}
	}
	return out
}

func recordsFromTokens(s string) []FingerprintRecord {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F')
	})
	var out []FingerprintRecord
	for _, tok := range tokens {
		d, err := hash.ParseDigest(tok)
		if err != nil {
			continue
		}
		alg := hash.PHash
		if d.Bits() == hash.TPHash.Bits() {
			alg = hash.TPHash
		}
		out = append(out, FingerprintRecord{Digest: d, Algorithm: alg})
	}
	return out
}

// RenderDocument serializes records under the marker. When maxBytes is
// positive and the body would exceed it, the oldest records are left out
// and their count returned.
func RenderDocument(marker string, records []FingerprintRecord, maxBytes int) (string, int) {
	dropped := 0
	for {
		body := renderBody(marker, records[dropped:])
		if maxBytes <= 0 || len(body) <= maxBytes || dropped == len(records) {
			return body, dropped
		}
		over := len(body) - maxBytes
		dropped += max(1, over/20)
		dropped = min(dropped, len(records))
	}
}

func renderBody(marker string, records []FingerprintRecord) string {
	doc := documentBody{PHash: []string{}, DHash: []string{}, TPHash: []string{}}
	for _, r := range records {
		s := r.Digest.String()
		switch r.Algorithm {
		case hash.PHash:
			doc.PHash = append(doc.PHash, s)
		case hash.DHash:
			doc.DHash = append(doc.DHash, s)
		case hash.TPHash:
			doc.TPHash = append(doc.TPHash, s)
		case hash.AHash:
			doc.AHash = append(doc.AHash, s)
		}
	}
	raw, _ := json.Marshal(doc)

	var sb strings.Builder
	sb.WriteString(marker)
	sb.WriteString("\n```json\n")
	sb.Write(raw)
	sb.WriteString("\n```")
	return sb.String()
}
