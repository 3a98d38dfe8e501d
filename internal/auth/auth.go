package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"oracle-market/internal/storage"
)

var (
	ErrMissingAddress   = errors.New("auth: address is required")
	ErrInvalidMessage   = errors.New("auth: invalid sign-in message")
	ErrNonceMissing     = errors.New("auth: nonce missing or expired")
	ErrNonceMismatch    = errors.New("auth: nonce mismatch")
	ErrSignatureInvalid = errors.New("auth: signature invalid")
)

// DefaultStartingPoints is the balance given to a wallet's first sign-in.
const DefaultStartingPoints = 1000.0

// Users is the user persistence the authenticator needs.
type Users interface {
	GetUserByWallet(ctx context.Context, address string) (storage.User, error)
	AddUser(ctx context.Context, user storage.User) error
}

// Identity is the signed-in user.
type Identity struct {
	Username      string `json:"username"`
	DisplayName   string `json:"display_name"`
	WalletAddress string `json:"wallet_address"`
}

// Options parameterise the authenticator.
type Options struct {
	NonceTTL       time.Duration
	StartingPoints float64
	Now            func() time.Time
}

// Authenticator runs the nonce + signed message wallet handshake.
type Authenticator struct {
	nonces NonceStore
	users  Users
	opts   Options
	logger zerolog.Logger
}

// New builds an Authenticator.
func New(nonces NonceStore, users Users, opts Options, logger zerolog.Logger) *Authenticator {
	if opts.NonceTTL <= 0 || opts.NonceTTL > DefaultNonceTTL {
		opts.NonceTTL = DefaultNonceTTL
	}
	if opts.StartingPoints <= 0 {
		opts.StartingPoints = DefaultStartingPoints
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{
		nonces: nonces,
		users:  users,
		opts:   opts,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// IssueNonce replaces any pending nonce for address with a fresh one.
func (a *Authenticator) IssueNonce(ctx context.Context, address string) (string, error) {
	addr := storage.NormalizeAddress(address)
	if addr == "" {
		return "", ErrMissingAddress
	}
	nonce, err := NewNonce()
	if err != nil {
		return "", err
	}
	if err := a.nonces.Put(ctx, addr, NonceEntry{Nonce: nonce, IssuedAt: a.opts.Now()}); err != nil {
		return "", err
	}
	return nonce, nil
}

// ConnectWallet verifies a signed sign-in message and returns the wallet's
// user, creating it on first sign-in. Checks run in a fixed order: message,
// nonce presence, nonce match, signature.
func (a *Authenticator) ConnectWallet(ctx context.Context, message, signature string) (Identity, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		return Identity{}, err
	}
	addr := storage.NormalizeAddress(msg.Address.Hex())
	now := a.opts.Now()

	entry, ok, err := a.nonces.Get(ctx, addr)
	if err != nil {
		return Identity{}, err
	}
	if !ok || now.Sub(entry.IssuedAt) > a.opts.NonceTTL {
		return Identity{}, ErrNonceMissing
	}
	if entry.Nonce != msg.Nonce {
		return Identity{}, ErrNonceMismatch
	}

	if err := VerifySignature(message, signature, msg.Address); err != nil {
		return Identity{}, err
	}
	if !msg.ValidAt(now) {
		return Identity{}, fmt.Errorf("%w: message outside its validity window", ErrSignatureInvalid)
	}

	consumed, err := a.nonces.Consume(ctx, addr, msg.Nonce)
	if err != nil {
		return Identity{}, err
	}
	if !consumed {
		return Identity{}, ErrNonceMissing
	}

	user, err := a.lookupOrCreate(ctx, addr, msg.Address.Hex(), now)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Username: user.Username, DisplayName: user.DisplayName, WalletAddress: addr}, nil
}

func (a *Authenticator) lookupOrCreate(ctx context.Context, addr, checksummed string, now time.Time) (storage.User, error) {
	user, err := a.users.GetUserByWallet(ctx, addr)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("lookup wallet user: %w", err)
	}

	wallet := addr
	user = storage.User{
		Username:      addr,
		DisplayName:   DisplayName(checksummed),
		WalletAddress: &wallet,
		Points:        a.opts.StartingPoints,
		CreatedAt:     now.UTC(),
	}
	if err := a.users.AddUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return a.users.GetUserByWallet(ctx, addr)
		}
		return storage.User{}, fmt.Errorf("create wallet user: %w", err)
	}
	a.logger.Info().Str("wallet", addr).Msg("wallet user created")
	return user, nil
}

// DisplayName shortens an address to 0xAbCd...1234, keeping the case it is given.
func DisplayName(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
