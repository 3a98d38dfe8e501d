package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"oracle-market/internal/notify"
	"oracle-market/internal/oracle"
	"oracle-market/internal/settlement"
	"oracle-market/internal/storage"
)

// PriceOracle is the oracle surface the service exposes to callers.
type PriceOracle interface {
	Fetch(ctx context.Context, feed string) (oracle.Price, error)
	Network() string
	ProviderLabel() string
}

// Options tune the service.
type Options struct {
	// AdvisoryLockKey guards SweepDue across replicas when the store supports it.
	AdvisoryLockKey int64
	Now             func() time.Time
}

// Service is the market's application layer: claims, positions, profiles
// and the oracle sweep.
type Service struct {
	store    storage.Store
	engine   *settlement.Engine
	oracle   PriceOracle
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New wires the service.
func New(store storage.Store, engine *settlement.Engine, priceOracle PriceOracle, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		store:    store,
		engine:   engine,
		oracle:   priceOracle,
		notifier: notifier,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      opts.Now,
		locker:   locker,
		lockKey:  opts.AdvisoryLockKey,
	}
}

// Oracle returns the price oracle backing the service.
func (s *Service) Oracle() PriceOracle { return s.oracle }

func newID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
