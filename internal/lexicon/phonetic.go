package lexicon

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minMatchLen is the minimum window length (in runes, punctuation
	// stripped) eligible for correction. Call-center speech is dense with
	// short function words ("no", "ok") that score deceptively high against
	// short glossary terms.
	minMatchLen = 3

	// minFuzzyLen is the minimum window length for a fuzzy-only match, which
	// lacks the phonetic evidence of the primary path.
	minFuzzyLen = 4
)

// tokenCutset is trimmed from token edges before phonetic comparison.
const tokenCutset = ".,;:!?…\"'()"

// Glossary is a prepared vocabulary set with precomputed Double Metaphone
// codes per term. Read-only after construction.
type Glossary struct {
	terms    []glossaryTerm
	maxWords int
}

type glossaryTerm struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// NewGlossary prepares terms for matching. Blank entries are dropped; the
// canonical spelling (original casing) is what a successful match emits.
func NewGlossary(terms []string) *Glossary {
	g := &Glossary{}
	for _, t := range terms {
		canonical := strings.TrimSpace(t)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		g.terms = append(g.terms, glossaryTerm{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		if len(tokens) > g.maxWords {
			g.maxWords = len(tokens)
		}
	}
	return g
}

// MaxWords returns the token count of the longest term, bounding the n-gram
// window size during correction. Zero for an empty glossary.
func (g *Glossary) MaxWords() int { return g.maxWords }

// Len returns the number of prepared terms.
func (g *Glossary) Len() int { return len(g.terms) }

// MatcherOption is a functional option for configuring a Matcher.
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher aligns misheard phrases to glossary terms in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the input tokens and compared against each term's precomputed codes.
//     Any overlap makes the term a phonetic candidate.
//  2. Jaro-Winkler ranking: among phonetic candidates the highest-scoring
//     term wins, provided it clears the phonetic threshold. Without any
//     phonetic candidate a secondary pass tests plain Jaro-Winkler
//     similarity against the stricter fuzzy threshold.
//
// Multi-word terms are supported; the ranking considers full-string,
// space-stripped, and position-aligned token comparisons.
//
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a Matcher configured with the supplied options.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match tests phrase (a single token or a space-joined n-gram, possibly
// carrying punctuation) against the glossary. When matched is false,
// corrected equals phrase unchanged and confidence is 0.
func (m *Matcher) Match(phrase string, g *Glossary) (corrected string, confidence float64, matched bool) {
	if g == nil || g.Len() == 0 {
		return phrase, 0, false
	}

	tokens := strings.Fields(strings.ToLower(phrase))
	for i, t := range tokens {
		tokens[i] = strings.Trim(t, tokenCutset)
	}
	lower := strings.Join(tokens, " ")
	if len([]rune(lower)) < minMatchLen {
		return phrase, 0, false
	}

	inputCodes := codesForTokens(tokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, term := range g.terms {
		phoneticMatch := codesOverlap(inputCodes, term.codes)
		jwScore := bestJWScore(tokens, term.tokens, lower, term.lower)

		if phoneticMatch {
			if jwScore >= m.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: term.canonical, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if len([]rune(lower)) >= minFuzzyLen && jwScore >= m.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: term.canonical, score: jwScore, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return phrase, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (words too short or without consonants) are
// excluded.
func codesForTokens(tokens []string) map[string]struct{} {
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

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set.
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

// bestJWScore computes the Jaro-Winkler similarity between the input and the
// term using three strategies: full strings, space-stripped strings, and for
// windows with the term's exact token count, position-aligned tokens scored
// by the weakest pair. The aligned score is a minimum, not a maximum, so one
// shared word cannot carry an otherwise unrelated phrase. longTolerance
// stays false so standard Jaro-Winkler scoring applies.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	if len(inputTokens) == len(termTokens) && len(inputTokens) > 1 {
		aligned := 1.0
		for i := range inputTokens {
			s := matchr.JaroWinkler(inputTokens[i], termTokens[i], false)
			if s < aligned {
				aligned = s
			}
		}
		if aligned > score {
			score = aligned
		}
	}

	return score
}
