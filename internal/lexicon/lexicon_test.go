package lexicon_test

import (
	"testing"

	"github.com/sonolith/callsight/internal/lexicon"
)

func TestNormalizer_RemovesFillers(t *testing.T) {
	n := lexicon.NewNormalizer()

	got := n.Normalize("um hello uh, there hmm everyone")
	if got != "hello there everyone" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestNormalizer_CustomFillerWords(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithFillerWords([]string{"like"}))

	// The default set is replaced, so "um" survives and "like" is dropped.
	got := n.Normalize("um it was like really loud")
	if got != "um it was really loud" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestNormalizer_CorrectsMisheardGlossaryTerm(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithGlossary([]string{"invoice"}))

	got := n.Normalize("I never got that invoise last month")
	if got != "I never got that invoice last month" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestNormalizer_CorrectsMultiWordTerm(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithGlossary([]string{"direct debit"}))

	got := n.Normalize("please cancel my direct debbit today")
	if got != "please cancel my direct debit today" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestNormalizer_SkipsMaskTokens(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithGlossary([]string{"masked"}))

	// Bracketed mask tokens are never correction candidates.
	got := n.Normalize("send it to someone@example.org instead")
	if got != "send it to [masked-email] instead" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestNormalizer_FullPipeline(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithGlossary([]string{"invoice"}))

	in := "Um my card is 4111 1111 1111 1111 and that invoise looks wrong"
	want := "my card is [masked-card] and that invoice looks wrong"
	if got := n.Normalize(in); got != want {
		t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
	}
}

func TestNormalizer_DeterministicOutput(t *testing.T) {
	n := lexicon.NewNormalizer(lexicon.WithGlossary([]string{"invoice", "direct debit"}))

	in := "uh the invoise for my direct debbit at a@b.io"
	first := n.Normalize(in)
	for i := 0; i < 3; i++ {
		if got := n.Normalize(in); got != first {
			t.Fatalf("Normalize not deterministic: %q then %q", first, got)
		}
	}
}
