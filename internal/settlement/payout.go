package settlement

import (
	"github.com/shopspring/decimal"

	"oracle-market/internal/storage"
)

// Payout is one winning position's share of the losing pool.
type Payout struct {
	Username   string  `json:"username"`
	PositionID string  `json:"position_id"`
	Stake      float64 `json:"stake"`
	Amount     float64 `json:"payout"`
	Credited   bool    `json:"credited"`
}

// Distribution is the pari-mutuel split for one resolution.
type Distribution struct {
	LoserPool   decimal.Decimal
	WinnerStake decimal.Decimal
	Payouts     []Payout
}

// Distribute splits the losers' stakes among the winners in proportion to
// stake. Confidence plays no part. The last winner absorbs rounding so the
// payouts sum to the pool exactly.
func Distribute(positions []storage.Position, resolution storage.Side) Distribution {
	var (
		winners     []storage.Position
		loserPool   = decimal.Zero
		winnerStake = decimal.Zero
	)
	for _, p := range positions {
		stake := decimal.NewFromFloat(p.Stake)
		if p.Side == resolution {
			winners = append(winners, p)
			winnerStake = winnerStake.Add(stake)
		} else {
			loserPool = loserPool.Add(stake)
		}
	}

	dist := Distribution{LoserPool: loserPool, WinnerStake: winnerStake, Payouts: make([]Payout, 0, len(winners))}
	if !winnerStake.IsPositive() {
		for _, w := range winners {
			dist.Payouts = append(dist.Payouts, Payout{Username: w.Username, PositionID: w.ID, Stake: w.Stake})
		}
		return dist
	}

	remaining := loserPool
	for i, w := range winners {
		var share decimal.Decimal
		if i == len(winners)-1 {
			share = remaining
		} else {
			share = decimal.NewFromFloat(w.Stake).Mul(loserPool).Div(winnerStake).Round(8)
			remaining = remaining.Sub(share)
		}
		amount, _ := share.Float64()
		dist.Payouts = append(dist.Payouts, Payout{
			Username:   w.Username,
			PositionID: w.ID,
			Stake:      w.Stake,
			Amount:     amount,
		})
	}
	return dist
}
