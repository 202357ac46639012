package chat

import "fmt"

// Tier identifies one of the configured backend variants.
type Tier string

const (
	// TierFast is the low-latency backend for small prompts.
	TierFast Tier = "fast"

	// TierBalanced is the mid-size backend.
	TierBalanced Tier = "balanced"

	// TierDeep is the high-context backend for large prompts.
	TierDeep Tier = "deep"
)

// Thresholds holds the prompt-token boundaries for tier selection.
type Thresholds struct {
	// Fast is the exclusive upper bound for TierFast prompts.
	Fast int

	// Balanced is the exclusive upper bound for TierBalanced prompts.
	Balanced int

	// Ceiling is the hard limit; prompts estimated above it are rejected
	// with ErrContextTooLarge.
	Ceiling int
}

// DefaultThresholds mirrors the documented routing defaults.
var DefaultThresholds = Thresholds{Fast: 2000, Balanced: 8000, Ceiling: 32000}

// Validate reports configuration errors in the threshold ordering.
func (t Thresholds) Validate() error {
	if t.Fast <= 0 || t.Balanced <= 0 || t.Ceiling <= 0 {
		return fmt.Errorf("chat: routing thresholds must be positive, got %d/%d/%d", t.Fast, t.Balanced, t.Ceiling)
	}
	if t.Fast >= t.Balanced || t.Balanced >= t.Ceiling {
		return fmt.Errorf("chat: routing thresholds must be strictly increasing, got %d/%d/%d", t.Fast, t.Balanced, t.Ceiling)
	}
	return nil
}

// Router selects a backend variant from the estimated prompt size. All three
// tiers must be non-nil; deployments with a single upstream pass the same
// Backend for each.
type Router struct {
	fast       Backend
	balanced   Backend
	deep       Backend
	thresholds Thresholds
}

// NewRouter builds a Router over the three tiers. A zero Thresholds value
// falls back to DefaultThresholds.
func NewRouter(fast, balanced, deep Backend, th Thresholds) (*Router, error) {
	if fast == nil || balanced == nil || deep == nil {
		return nil, fmt.Errorf("chat: router requires all three tiers")
	}
	if th == (Thresholds{}) {
		th = DefaultThresholds
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Router{fast: fast, balanced: balanced, deep: deep, thresholds: th}, nil
}

// Route returns the backend for a prompt of the given estimated token count:
// below Fast → the fast tier, below Balanced → the balanced tier, up to the
// ceiling → the deep tier. Above the ceiling it returns ErrContextTooLarge.
func (r *Router) Route(promptTokens int) (Backend, Tier, error) {
	switch {
	case promptTokens > r.thresholds.Ceiling:
		return nil, "", fmt.Errorf("%w: %d tokens over %d", ErrContextTooLarge, promptTokens, r.thresholds.Ceiling)
	case promptTokens < r.thresholds.Fast:
		return r.fast, TierFast, nil
	case promptTokens < r.thresholds.Balanced:
		return r.balanced, TierBalanced, nil
	default:
		return r.deep, TierDeep, nil
	}
}
