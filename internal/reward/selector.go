// Package reward implements the weighted outcome draw for a spin.
//
// Every item carries two weights, one for normal play and one for bonus mode.
// A draw walks the items in declared order; while bonus mode is active a
// lowest-tier result gets a single 50% chance to be re-drawn.
package reward

import (
	"math/rand/v2"

	"github.com/atmx/spin-economy/internal/model"
)

// rerollChance is the probability that a lowest-tier bonus-mode result is
// drawn again. The second draw is final.
const rerollChance = 0.5

// Selector draws spin outcomes from a table. It holds no mutable state and
// may be shared between goroutines as long as the random source is safe for
// concurrent use (the default one is).
type Selector struct {
	table  Table
	lowest Tier
	rnd    func() float64
}

// NewSelector creates a selector over a validated table using the global
// math/rand/v2 source.
func NewSelector(t Table) (*Selector, error) {
	return NewSelectorWithSource(t, rand.Float64)
}

// NewSelectorWithSource is NewSelector with an injected uniform [0,1) source.
func NewSelectorWithSource(t Table, rnd func() float64) (*Selector, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	items := make([]Item, len(t.Items))
	copy(items, t.Items)
	t.Items = items
	return &Selector{table: t, lowest: t.lowestTier(), rnd: rnd}, nil
}

// Table returns the selector's table.
func (s *Selector) Table() Table {
	return s.table
}

// Select draws one outcome using the weight set for the given mode.
func (s *Selector) Select(bonusModeActive bool) model.SpinOutcome {
	it := s.draw(bonusModeActive)
	if bonusModeActive && it.Tier == s.lowest && s.rnd() < rerollChance {
		it = s.draw(bonusModeActive)
	}
	return outcomeOf(it)
}

// SelectN draws count outcomes with a fixed mode.
func (s *Selector) SelectN(count int, bonusModeActive bool) []model.SpinOutcome {
	out := make([]model.SpinOutcome, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, s.Select(bonusModeActive))
	}
	return out
}

// draw performs one weighted walk. If the remainder never drops below an
// item's weight (drift, zero total) the last declared item is returned.
func (s *Selector) draw(bonus bool) Item {
	total := 0.0
	for _, it := range s.table.Items {
		total += weightOf(it, bonus)
	}

	r := s.rnd() * total
	for _, it := range s.table.Items {
		w := weightOf(it, bonus)
		if w > r {
			return it
		}
		r -= w
	}
	return s.table.Items[len(s.table.Items)-1]
}

// ExpectedShare returns the probability of drawing item id in one walk,
// before any re-roll.
func (s *Selector) ExpectedShare(id string, bonus bool) float64 {
	total, w := 0.0, 0.0
	for _, it := range s.table.Items {
		total += weightOf(it, bonus)
		if it.ID == id {
			w = weightOf(it, bonus)
		}
	}
	if total == 0 {
		return 0
	}
	return w / total
}

func weightOf(it Item, bonus bool) float64 {
	if bonus {
		return it.WeightBonus
	}
	return it.WeightNormal
}

func outcomeOf(it Item) model.SpinOutcome {
	return model.SpinOutcome{
		ItemID: it.ID,
		Class:  it.Kind.Class(),
		Kind:   it.Kind,
		Amount: it.Amount,
	}
}
