// Package lexicon normalizes transcript text before it reaches an insight
// prompt. Normalization is pure and deterministic: the same input always
// yields the same output, so a queued snapshot can be rebuilt and compared.
//
// Three stages run in order:
//
//  1. PII masking — emails, phone numbers, and card-like digit runs are
//     replaced with bracketed mask tokens (see pii.go).
//  2. Filler removal — disfluencies ("um", "uh", ...) are dropped.
//  3. Glossary correction — misheard domain vocabulary is aligned to the
//     configured call-center glossary by phonetic matching (see phonetic.go).
package lexicon

import "strings"

// defaultFillers are the disfluency tokens removed during normalization.
// Comparison is case-insensitive and ignores adjacent punctuation.
var defaultFillers = []string{
	"um", "uh", "uhm", "erm", "er", "ah", "hmm", "mhm", "huh",
}

// Option is a functional option for configuring a Normalizer.
type Option func(*Normalizer)

// WithGlossary sets the call-center vocabulary the corrector aligns against.
// Without a glossary the correction stage is skipped.
func WithGlossary(terms []string) Option {
	return func(n *Normalizer) {
		n.glossary = NewGlossary(terms)
	}
}

// WithFillerWords replaces the default filler-word set.
func WithFillerWords(words []string) Option {
	return func(n *Normalizer) {
		n.fillers = fillerSet(words)
	}
}

// WithMatcher replaces the default phonetic matcher, mainly to tune
// thresholds.
func WithMatcher(m *Matcher) Option {
	return func(n *Normalizer) {
		if m != nil {
			n.matcher = m
		}
	}
}

// Normalizer applies the three normalization stages. It is read-only after
// construction and safe for concurrent use by every session.
type Normalizer struct {
	glossary *Glossary
	matcher  *Matcher
	fillers  map[string]struct{}
}

// NewNormalizer constructs a Normalizer with the supplied options.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		matcher: NewMatcher(),
		fillers: fillerSet(defaultFillers),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize returns the masked, filler-free, glossary-corrected form of text.
// Whitespace is collapsed to single spaces.
func (n *Normalizer) Normalize(text string) string {
	text = MaskPII(text)
	text = n.removeFillers(text)
	return n.correctGlossary(text)
}

// removeFillers drops filler tokens. A token counts as a filler when its
// lowercased form, stripped of leading and trailing punctuation, is in the
// filler set.
func (n *Normalizer) removeFillers(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	kept := tokens[:0]
	for _, tok := range tokens {
		bare := strings.Trim(strings.ToLower(tok), ".,;:!?…")
		if _, filler := n.fillers[bare]; filler {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// correctGlossary aligns misheard vocabulary to the glossary. At each token
// position n-gram windows are tried from the longest glossary entry down to
// a single token; the longest window that matches wins and the cursor
// advances past it. Mask tokens produced by MaskPII are never candidates.
func (n *Normalizer) correctGlossary(text string) string {
	if n.glossary == nil || n.glossary.Len() == 0 {
		return text
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	var output []string
	i := 0
	for i < len(tokens) {
		if strings.HasPrefix(tokens[i], "[") {
			output = append(output, tokens[i])
			i++
			continue
		}

		maxN := n.glossary.MaxWords()
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for size := maxN; size >= 1; size-- {
			window := strings.Join(tokens[i:i+size], " ")
			term, _, ok := n.matcher.Match(window, n.glossary)
			if !ok {
				continue
			}
			output = append(output, strings.Fields(term)...)
			i += size
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}
	return strings.Join(output, " ")
}

func fillerSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}
