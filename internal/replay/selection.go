package replay

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// SelectionPolicy chooses which child to attempt next. Choose receives the
// non-exhausted children (never empty) and returns the Position of one of
// them. Implementations must depend only on the candidates and their own
// seeded state so a run is reproducible.
type SelectionPolicy interface {
	Name() string
	Choose(candidates []Candidate) int
}

// FixedPolicy picks the least attempted child, earliest position first.
type FixedPolicy struct{}

func (FixedPolicy) Name() string { return "fixed" }

func (FixedPolicy) Choose(candidates []Candidate) int {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Attempts < best.Attempts {
			best = c
		}
	}
	return best.Position
}

// RandomPolicy draws a child in proportion to its recorded probability,
// renormalised over the remaining candidates. When every remaining candidate
// has zero weight the draw is uniform.
type RandomPolicy struct {
	rng *rand.Rand
}

// NewRandomPolicy seeds a RandomPolicy. It is not safe for concurrent use;
// each run gets its own.
func NewRandomPolicy(seed int64) *RandomPolicy {
	return &RandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

func (p *RandomPolicy) Name() string { return "random" }

func (p *RandomPolicy) Choose(candidates []Candidate) int {
	var total float64
	for _, c := range candidates {
		total += c.Probability
	}
	if total <= 0 {
		return candidates[p.rng.Intn(len(candidates))].Position
	}

	r := p.rng.Float64() * total
	for _, c := range candidates {
		if c.Probability <= 0 {
			continue
		}
		if r < c.Probability {
			return c.Position
		}
		r -= c.Probability
	}
	// Rounding can leave r just above the last weight.
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Probability > 0 {
			return candidates[i].Position
		}
	}
	return candidates[len(candidates)-1].Position
}

// NewSelectionPolicy returns the policy registered under name. A zero seed
// seeds the random policy from the clock.
func NewSelectionPolicy(name string, seed int64) (SelectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fixed":
		return FixedPolicy{}, nil
	case "random":
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return NewRandomPolicy(seed), nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q (want fixed or random)", name)
	}
}
