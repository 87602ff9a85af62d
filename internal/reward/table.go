package reward

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atmx/spin-economy/internal/model"
)

// Tier is an item rarity. Lower values are more common.
type Tier int

const (
	TierCommon Tier = iota
	TierRare
	TierEpic
	TierLegendary
)

var (
	ErrEmptyTable     = errors.New("reward: table has no items")
	ErrNegativeWeight = errors.New("reward: negative weight")
	ErrUnknownKind    = errors.New("reward: unknown reward kind")
)

// Item is one candidate on the wheel. Declared order matters: it is the walk
// order for the weighted draw, and the last item is the drift fallback.
type Item struct {
	ID           string           `yaml:"id" json:"id"`
	Kind         model.RewardKind `yaml:"kind" json:"kind"`
	Amount       int64            `yaml:"amount" json:"amount"`
	Tier         Tier             `yaml:"tier" json:"tier"`
	WeightNormal float64          `yaml:"weight_normal" json:"weight_normal"`
	WeightBonus  float64          `yaml:"weight_bonus" json:"weight_bonus"`
}

// Table is an ordered list of items.
type Table struct {
	Items []Item `yaml:"items" json:"items"`
}

// DefaultTable is used when no reward file is configured. Bonus weights shift
// mass away from the common tier.
func DefaultTable() Table {
	return Table{Items: []Item{
		{ID: "coins_10", Kind: model.KindSoft, Amount: 10, Tier: TierCommon, WeightNormal: 40, WeightBonus: 25},
		{ID: "coins_25", Kind: model.KindSoft, Amount: 25, Tier: TierCommon, WeightNormal: 25, WeightBonus: 20},
		{ID: "coins_100", Kind: model.KindSoft, Amount: 100, Tier: TierRare, WeightNormal: 15, WeightBonus: 20},
		{ID: "etoken_1", Kind: model.KindBonus, Amount: 1, Tier: TierRare, WeightNormal: 10, WeightBonus: 15},
		{ID: "etoken_5", Kind: model.KindBonus, Amount: 5, Tier: TierEpic, WeightNormal: 6, WeightBonus: 12},
		{ID: "prize_a", Kind: model.KindPrizeA, Amount: 1, Tier: TierLegendary, WeightNormal: 3, WeightBonus: 6},
		{ID: "prize_b", Kind: model.KindPrizeB, Amount: 1, Tier: TierLegendary, WeightNormal: 1, WeightBonus: 2},
	}}
}

// LoadTable reads a YAML reward table from path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read reward table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse reward table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks the table can drive a selector.
func (t Table) Validate() error {
	if len(t.Items) == 0 {
		return ErrEmptyTable
	}
	for _, it := range t.Items {
		if it.WeightNormal < 0 || it.WeightBonus < 0 {
			return fmt.Errorf("%w: item %s", ErrNegativeWeight, it.ID)
		}
		switch it.Kind {
		case model.KindSoft, model.KindBonus, model.KindPrizeA, model.KindPrizeB:
		default:
			return fmt.Errorf("%w: %q on item %s", ErrUnknownKind, it.Kind, it.ID)
		}
	}
	return nil
}

// lowestTier returns the most common tier present in the table.
func (t Table) lowestTier() Tier {
	low := t.Items[0].Tier
	for _, it := range t.Items[1:] {
		if it.Tier < low {
			low = it.Tier
		}
	}
	return low
}
