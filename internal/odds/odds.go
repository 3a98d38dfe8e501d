package odds

import (
	"github.com/shopspring/decimal"

	"oracle-market/internal/storage"
)

var (
	hundred = decimal.NewFromInt(100)
	neutral = Odds{Yes: 50, No: 50}
)

// Odds is the yes/no probability split in percent, rounded to one decimal.
type Odds struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// Calculate weights every position by stake × confidence and returns the split.
// With no positions, or no weight at all, the split is 50/50.
func Calculate(positions []storage.Position) Odds {
	if len(positions) == 0 {
		return neutral
	}

	yesWeight := decimal.Zero
	noWeight := decimal.Zero
	for _, p := range positions {
		weight := decimal.NewFromFloat(p.Stake).Mul(decimal.NewFromFloat(p.Confidence))
		switch p.Side {
		case storage.SideYes:
			yesWeight = yesWeight.Add(weight)
		case storage.SideNo:
			noWeight = noWeight.Add(weight)
		}
	}

	total := yesWeight.Add(noWeight)
	if total.IsZero() {
		return neutral
	}

	yes, _ := yesWeight.Mul(hundred).Div(total).Round(1).Float64()
	no, _ := noWeight.Mul(hundred).Div(total).Round(1).Float64()
	return Odds{Yes: yes, No: no}
}

// TotalStaked sums stakes across positions.
func TotalStaked(positions []storage.Position) float64 {
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(decimal.NewFromFloat(p.Stake))
	}
	out, _ := sum.Float64()
	return out
}
