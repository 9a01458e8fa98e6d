// Package filter matches scam phrases in message text with an Aho-Corasick
// automaton over normalized runes.
package filter

import (
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Phrase is one pattern with its category and the score it contributes.
type Phrase struct {
	Text     string
	Category string
	Score    float64
}

// Match is a phrase found at a rune offset of the normalized text.
type Match struct {
	Phrase
	Position int
}

type node struct {
	children map[rune]*node
	fail     *node
	output   []pattern
}

type pattern struct {
	Phrase
	length int
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

// Matcher is safe for concurrent Search calls while Build swaps the
// automaton.
type Matcher struct {
	mu   sync.RWMutex
	root *node
	size int
}

// NewMatcher builds a matcher over phrases.
func NewMatcher(phrases []Phrase) *Matcher {
	m := &Matcher{root: newNode()}
	m.Build(phrases)
	return m
}

// Build replaces the automaton. Empty phrases are ignored.
func (m *Matcher) Build(phrases []Phrase) {
	root := newNode()
	size := 0
	for _, p := range phrases {
		text := []rune(NormalizeText(p.Text))
		if len(text) == 0 {
			continue
		}
		n := root
		for _, r := range text {
			next, ok := n.children[r]
			if !ok {
				next = newNode()
				n.children[r] = next
			}
			n = next
		}
		n.output = append(n.output, pattern{Phrase: p, length: len(text)})
		size++
	}
	link(root)

	m.mu.Lock()
	m.root, m.size = root, size
	m.mu.Unlock()
}

// link sets fail links breadth first and merges outputs along them.
func link(root *node) {
	queue := make([]*node, 0, len(root.children))
	for _, child := range root.children {
		child.fail = root
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for r, child := range cur.children {
			queue = append(queue, child)
			f := cur.fail
			for f != nil && f.children[r] == nil {
				f = f.fail
			}
			if f == nil {
				child.fail = root
				continue
			}
			child.fail = f.children[r]
			child.output = append(child.output, child.fail.output...)
		}
	}
}

// Len returns the number of phrases in the automaton.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Matcher) scan(text string, visit func(pos int, out []pattern) bool) {
	m.mu.RLock()
	root := m.root
	m.mu.RUnlock()

	n := root
	pos := 0
	for _, r := range NormalizeText(text) {
		for n != nil && n.children[r] == nil {
			n = n.fail
		}
		if n == nil {
			n = root
		} else {
			n = n.children[r]
		}
		if len(n.output) > 0 && !visit(pos, n.output) {
			return
		}
		pos++
	}
}

// Search returns every phrase occurrence in text.
func (m *Matcher) Search(text string) []Match {
	var matches []Match
	m.scan(text, func(pos int, out []pattern) bool {
		for _, p := range out {
			matches = append(matches, Match{Phrase: p.Phrase, Position: pos - p.length + 1})
		}
		return true
	})
	return matches
}

// HasMatch reports whether any phrase occurs in text.
func (m *Matcher) HasMatch(text string) bool {
	found := false
	m.scan(text, func(int, []pattern) bool {
		found = true
		return false
	})
	return found
}

// Score returns the highest scoring match in text, and false when nothing
// matched.
func (m *Matcher) Score(text string) (Match, bool) {
	var (
		best Match
		ok   bool
	)
	for _, match := range m.Search(text) {
		if !ok || match.Score > best.Score {
			best, ok = match, true
		}
	}
	return best, ok
}

var leet = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'@': 'a',
	'$': 's',
}

// NormalizeText lowercases text, strips diacritics and undoes common
// leetspeak substitutions.
func NormalizeText(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, text)

	out := make([]rune, 0, len(result))
	for _, r := range result {
		r = unicode.ToLower(r)
		if sub, ok := leet[r]; ok {
			r = sub
		}
		out = append(out, r)
	}
	return string(out)
}
