package filter

import (
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercase", "FREE NITRO", "free nitro"},
		{"leetspeak numbers", "fr33 n1tr0", "free nitro"},
		{"symbols", "$team @ccount", "steam account"},
		{"unicode diacritics", "café résumé", "cafe resume"},
		{"empty string", "", ""},
		{"unmapped digits kept", "12345", "i2eas"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeText(tt.input); got != tt.expected {
				t.Errorf("NormalizeText(%q) = %q; want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMatcher_Search(t *testing.T) {
	m := NewMatcher([]Phrase{
		{Text: "he", Category: "test", Score: 0.1},
		{Text: "she", Category: "test", Score: 0.1},
		{Text: "his", Category: "test", Score: 0.1},
		{Text: "hers", Category: "test", Score: 0.1},
	})

	tests := []struct {
		name  string
		text  string
		count int
		words map[string]bool
	}{
		{"single phrase twice", "he is here", 2, map[string]bool{"he": true}},
		{"overlapping", "she", 2, map[string]bool{"he": true, "she": true}},
		{"several", "she said his name", 3, map[string]bool{"he": true, "she": true, "his": true}},
		{"suffix via fail link", "ushers", 3, map[string]bool{"he": true, "she": true, "hers": true}},
		{"empty text", "", 0, map[string]bool{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := m.Search(tt.text)
			if len(matches) != tt.count {
				t.Fatalf("Search(%q) returned %d matches; want %d", tt.text, len(matches), tt.count)
			}
			for _, match := range matches {
				if !tt.words[match.Text] {
					t.Errorf("Search(%q) found unexpected phrase %q", tt.text, match.Text)
				}
			}
		})
	}
}

func TestMatcher_Position(t *testing.T) {
	m := NewMatcher([]Phrase{{Text: "free nitro"}})
	matches := m.Search("get your free nitro")
	if len(matches) != 1 || matches[0].Position != 9 {
		t.Errorf("Expected one match at 9, got %+v", matches)
	}
}

func TestMatcher_HasMatch(t *testing.T) {
	m := NewMatcher([]Phrase{
		{Text: "free nitro", Category: "scam", Score: 0.9},
		{Text: "steam gift", Category: "scam", Score: 0.8},
	})

	tests := []struct {
		text     string
		expected bool
	}{
		{"claim your FREE NITRO now", true},
		{"fr33 n1tr0 giveaway", true},
		{"$team g1ft for you", true},
		{"nitro is expensive", false},
		{"", false},
		{"free nitr", false},
	}

	for _, tt := range tests {
		if got := m.HasMatch(tt.text); got != tt.expected {
			t.Errorf("HasMatch(%q) = %v; want %v", tt.text, got, tt.expected)
		}
	}
}

func TestMatcher_Score(t *testing.T) {
	m := NewMatcher([]Phrase{
		{Text: "gift", Category: "weak", Score: 0.3},
		{Text: "steam gift", Category: "scam", Score: 0.8},
		{Text: "airdrop", Category: "crypto", Score: 0.6},
	})

	best, ok := m.Score("airdrop and a steam gift")
	if !ok {
		t.Fatal("Expected a match")
	}
	if best.Text != "steam gift" || best.Score != 0.8 || best.Category != "scam" {
		t.Errorf("Expected highest scoring phrase, got %+v", best)
	}
	if _, ok := m.Score("hello there"); ok {
		t.Error("Expected no match on clean text")
	}
}

func TestMatcher_Rebuild(t *testing.T) {
	m := NewMatcher([]Phrase{{Text: "old"}, {Text: ""}})
	if m.Len() != 1 {
		t.Errorf("Expected empty phrases to be skipped, got %d", m.Len())
	}
	m.Build([]Phrase{{Text: "new"}})
	if m.HasMatch("old") || !m.HasMatch("new") {
		t.Error("Expected Build to replace the automaton")
	}
}

func BenchmarkMatcher_Search(b *testing.B) {
	phrases := make([]Phrase, 1000)
	for i := range phrases {
		phrases[i] = Phrase{Text: "pattern" + string(rune('a'+i%26)), Category: "test", Score: 0.5}
	}
	m := NewMatcher(phrases)
	text := "This is a long text that contains patterna and patternb and some other content that needs to be searched."

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Search(text)
	}
}
