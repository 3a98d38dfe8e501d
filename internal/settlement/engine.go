package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-market/internal/oracle"
	"oracle-market/internal/storage"
)

var (
	// ErrAlreadyResolved is returned when a claim has already left the active state.
	ErrAlreadyResolved = storage.ErrAlreadyResolved
	// ErrNotOracleClaim is returned when an oracle check targets a manual claim.
	ErrNotOracleClaim = errors.New("settlement: claim is not oracle resolved")
	// ErrInvalidResolution is returned for a resolution other than yes or no.
	ErrInvalidResolution = errors.New("settlement: resolution must be yes or no")
)

// Store is the persistence the engine settles against.
type Store interface {
	GetClaim(ctx context.Context, id string) (storage.Claim, error)
	GetPositionsForClaim(ctx context.Context, claimID string) ([]storage.Position, error)
	MarkResolved(ctx context.Context, id string, status storage.ClaimStatus, resolvedAt time.Time) (storage.Claim, error)
	AdjustPoints(ctx context.Context, username string, delta float64) (storage.User, error)
}

// PriceSource reads the current value of an oracle feed.
type PriceSource interface {
	Fetch(ctx context.Context, feed string) (oracle.Price, error)
}

// Settlement describes a completed resolution.
type Settlement struct {
	Claim       storage.Claim `json:"claim"`
	Resolution  storage.Side  `json:"resolution"`
	LoserPool   float64       `json:"loser_pool"`
	WinnerStake float64       `json:"winner_stake"`
	Payouts     []Payout      `json:"payouts"`
}

// TotalPaid sums credited payouts.
func (s Settlement) TotalPaid() float64 {
	var total float64
	for _, p := range s.Payouts {
		if p.Credited {
			total += p.Amount
		}
	}
	return total
}

// Engine moves claims from active to resolved and redistributes stakes.
type Engine struct {
	store  Store
	prices PriceSource
	logger zerolog.Logger
	now    func() time.Time
	locks  *keyedMutex
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds a settlement engine.
func NewEngine(store Store, prices PriceSource, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		prices: prices,
		logger: logger.With().Str("component", "settlement").Logger(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lock serialises work on a claim with its resolution. The returned func releases it.
func (e *Engine) Lock(claimID string) func() {
	return e.locks.lock(claimID)
}

// Resolve settles a claim. At most one call per claim succeeds; the others
// see ErrAlreadyResolved.
func (e *Engine) Resolve(ctx context.Context, claimID string, resolution storage.Side) (Settlement, error) {
	if !resolution.Valid() {
		return Settlement{}, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	unlock := e.Lock(claimID)
	defer unlock()

	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return Settlement{}, err
	}
	if claim.Status.Resolved() {
		return Settlement{}, ErrAlreadyResolved
	}

	positions, err := e.store.GetPositionsForClaim(ctx, claimID)
	if err != nil {
		return Settlement{}, fmt.Errorf("load positions: %w", err)
	}
	dist := Distribute(positions, resolution)

	resolved, err := e.store.MarkResolved(ctx, claimID, storage.StatusFor(resolution), e.now().UTC())
	if err != nil {
		return Settlement{}, err
	}

	for i := range dist.Payouts {
		payout := &dist.Payouts[i]
		if payout.Amount <= 0 {
			payout.Credited = true
			continue
		}
		if _, err := e.store.AdjustPoints(ctx, payout.Username, payout.Amount); err != nil {
			e.logger.Warn().Err(err).
				Str("claim_id", claimID).
				Str("username", payout.Username).
				Float64("payout", payout.Amount).
				Msg("skipping winner credit")
			continue
		}
		payout.Credited = true
	}

	loserPool, _ := dist.LoserPool.Float64()
	winnerStake, _ := dist.WinnerStake.Float64()
	out := Settlement{
		Claim:       resolved,
		Resolution:  resolution,
		LoserPool:   loserPool,
		WinnerStake: winnerStake,
		Payouts:     dist.Payouts,
	}

	e.logger.Info().
		Str("claim_id", claimID).
		Str("resolution", string(resolution)).
		Int("positions", len(positions)).
		Int("winners", len(dist.Payouts)).
		Float64("loser_pool", loserPool).
		Float64("paid", out.TotalPaid()).
		Msg("claim resolved")
	return out, nil
}

// OracleCheck is the outcome of consulting the oracle for a claim.
type OracleCheck struct {
	Claim        storage.Claim `json:"claim"`
	Price        oracle.Price  `json:"price"`
	Condition    bool          `json:"condition_met"`
	WouldResolve storage.Side  `json:"would_resolve"`
	// Resolved is false for a preview taken before the resolution date.
	Resolved   bool        `json:"resolved"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Preview reads the oracle and reports how the claim would resolve right now
// without changing it.
func (e *Engine) Preview(ctx context.Context, claimID string) (OracleCheck, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return OracleCheck{}, err
	}
	if !claim.IsOracle() {
		return OracleCheck{}, ErrNotOracleClaim
	}
	return e.evaluate(ctx, claim)
}

// CheckOracle previews an oracle claim before its resolution date and
// resolves it once the date has passed. Oracle failures are returned as is and
// leave the claim active.
func (e *Engine) CheckOracle(ctx context.Context, claimID string) (OracleCheck, error) {
	claim, err := e.store.GetClaim(ctx, claimID)
	if err != nil {
		return OracleCheck{}, err
	}
	if !claim.IsOracle() {
		return OracleCheck{}, ErrNotOracleClaim
	}
	if claim.Status.Resolved() {
		return OracleCheck{}, ErrAlreadyResolved
	}

	check, err := e.evaluate(ctx, claim)
	if err != nil {
		return OracleCheck{}, err
	}
	if claim.ResolutionDate != nil && e.now().Before(*claim.ResolutionDate) {
		return check, nil
	}

	settled, err := e.Resolve(ctx, claimID, check.WouldResolve)
	if err != nil {
		return OracleCheck{}, err
	}
	check.Claim = settled.Claim
	check.Resolved = true
	check.Settlement = &settled
	return check, nil
}

func (e *Engine) evaluate(ctx context.Context, claim storage.Claim) (OracleCheck, error) {
	cfg := claim.Oracle
	price, err := e.prices.Fetch(ctx, cfg.Feed)
	if err != nil {
		return OracleCheck{}, err
	}
	met, err := oracle.Evaluate(price.Value, cfg.Comparator, cfg.Target)
	if err != nil {
		return OracleCheck{}, err
	}
	side := storage.SideNo
	if met {
		side = storage.SideYes
	}
	return OracleCheck{Claim: claim, Price: price, Condition: met, WouldResolve: side}, nil
}
