package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"oracle-market/internal/config"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned when inserting a duplicate key.
	ErrAlreadyExists = errors.New("storage: already exists")
	// ErrInsufficientPoints is returned when a debit would take a balance below zero.
	ErrInsufficientPoints = errors.New("storage: insufficient points")
	// ErrAlreadyResolved is returned when a claim has left the active state.
	ErrAlreadyResolved = errors.New("storage: claim already resolved")
)

// UserStore persists users and their balances.
type UserStore interface {
	GetUser(ctx context.Context, username string) (User, error)
	GetUserByWallet(ctx context.Context, address string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	AddUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, user User) error
	// AdjustPoints atomically adds delta to a balance and returns the updated user.
	AdjustPoints(ctx context.Context, username string, delta float64) (User, error)
}

// ClaimStore persists claims.
type ClaimStore interface {
	GetClaim(ctx context.Context, id string) (Claim, error)
	ListClaims(ctx context.Context) ([]Claim, error)
	AddClaim(ctx context.Context, claim Claim) error
	UpdateClaim(ctx context.Context, claim Claim) error
	DeleteClaim(ctx context.Context, id string) error
	// MarkResolved moves an active claim to a terminal status. It fails with
	// ErrAlreadyResolved when the claim is no longer active.
	MarkResolved(ctx context.Context, id string, status ClaimStatus, resolvedAt time.Time) (Claim, error)
}

// PositionStore persists positions. Positions are never updated.
type PositionStore interface {
	GetPositionsForClaim(ctx context.Context, claimID string) ([]Position, error)
	GetPositionsForUser(ctx context.Context, username string) ([]Position, error)
	ListPositions(ctx context.Context) ([]Position, error)
	AddPosition(ctx context.Context, position Position) error
}

// Store aggregates every persistence concern.
type Store interface {
	UserStore
	ClaimStore
	PositionStore
	Close() error
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required for the postgres driver")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
