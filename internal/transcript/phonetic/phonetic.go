// Package phonetic implements [transcript.AliasMatcher] with Double Metaphone
// encoding and Jaro-Winkler ranking.
//
// ASR engines regularly mis-hear product, company and project names
// ("cooper netties" for "Kubernetes", "open a eye" for "OpenAI"). The matcher
// maps such phrases back to a known vocabulary in two stages:
//
//  1. Terms whose Double Metaphone codes share a code with the phrase are
//     phonetic candidates and are accepted at a Jaro-Winkler score of at
//     least the phonetic threshold (default 0.70).
//  2. Without a phonetic candidate, any term whose Jaro-Winkler score reaches
//     the fuzzy threshold (default 0.85) is accepted.
//
// An [Index] pre-encodes a fixed vocabulary once so repeated lookups during
// entity extraction do not re-encode every term.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/echopanel/internal/transcript"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

var _ transcript.AliasMatcher = (*Matcher)(nil)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match implements [transcript.AliasMatcher]. It encodes terms on every
// call; use [Matcher.Index] for a fixed vocabulary.
func (m *Matcher) Match(phrase string, terms []string) (string, float64, bool) {
	return m.Index(terms).Lookup(phrase)
}

// term is one pre-encoded vocabulary entry.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Index is a pre-encoded vocabulary. It is immutable and safe for concurrent
// use.
type Index struct {
	m     *Matcher
	terms []term
}

// Index encodes terms for repeated lookups. Blank terms are skipped.
func (m *Matcher) Index(terms []string) *Index {
	idx := &Index{m: m, terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		idx.terms = append(idx.terms, term{
			canonical: t,
			lower:     lower,
			tokens:    tokens,
			codes:     encode(tokens),
		})
	}
	return idx
}

// Len returns the number of indexed terms.
func (idx *Index) Len() int { return len(idx.terms) }

// Lookup returns the best term for phrase. When matched is false canonical
// is phrase unchanged and confidence is 0.
func (idx *Index) Lookup(phrase string) (canonical string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if lower == "" || len(idx.terms) == 0 {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := encode(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range idx.terms {
		score := similarity(tokens, t.tokens, lower, t.lower)
		switch {
		case overlaps(codes, t.codes):
			if score < idx.m.phoneticThreshold {
				continue
			}
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		case !bestPhonetic && score >= idx.m.fuzzyThreshold && score > bestScore:
			best, bestScore = t.canonical, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// encode returns the union of primary and secondary Double Metaphone codes
// of tokens. Empty codes are skipped.
func encode(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// space-stripped strings and every token pair.
func similarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false))
	}
	for _, a := range aTokens {
		for _, b := range bTokens {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
