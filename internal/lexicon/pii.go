package lexicon

import (
	"regexp"
	"strings"
)

// Mask tokens substituted for detected PII. Bracketed so the glossary
// corrector can recognize and skip them.
const (
	MaskEmail = "[masked-email]"
	MaskPhone = "[masked-phone]"
	MaskCard  = "[masked-card]"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// intlPhoneRe matches E.164-style numbers: a + prefix and 8-15 digits,
	// optionally separated by spaces, dots, or dashes.
	intlPhoneRe = regexp.MustCompile(`\+\d(?:[\s.\-]?\d){7,14}`)

	// cardRe matches card-like runs of 12-19 digits, optionally separated by
	// single spaces or dashes.
	cardRe = regexp.MustCompile(`\b\d(?:[ \-]?\d){11,18}\b`)

	// localPhoneRe matches candidate digit runs; the digit count is verified
	// in code since RE2 cannot count through separators.
	localPhoneRe = regexp.MustCompile(`\(?\d[\d\s().\-]{4,16}\d`)
)

// MaskPII replaces emails, phone numbers, and card-like digit runs with
// mask tokens. Passes run in a fixed order so overlapping shapes resolve
// deterministically: emails first, then +-prefixed international numbers,
// then 12-19 digit card runs, and finally bare 7-11 digit local numbers.
func MaskPII(text string) string {
	if text == "" {
		return text
	}

	text = emailRe.ReplaceAllString(text, MaskEmail)
	text = intlPhoneRe.ReplaceAllString(text, MaskPhone)
	text = cardRe.ReplaceAllString(text, MaskCard)
	text = localPhoneRe.ReplaceAllStringFunc(text, func(run string) string {
		if n := digitCount(run); n >= 7 && n <= 11 {
			return MaskPhone
		}
		return run
	})
	return text
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// ContainsMask reports whether text carries any mask token, which archive
// search uses to flag masked records.
func ContainsMask(text string) bool {
	return strings.Contains(text, "[masked-")
}
