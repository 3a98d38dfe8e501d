package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process memory. It backs tests and
// single-node development runs; a restart loses all state.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	claims    map[string]Claim
	positions []Position
	seq       map[string]int
	next      int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]User),
		claims: make(map[string]Claim),
		seq:    make(map[string]int),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) order(key string) {
	if _, ok := m.seq[key]; !ok {
		m.next++
		m.seq[key] = m.next
	}
}

// GetUser returns the user keyed by username.
func (m *MemoryStore) GetUser(ctx context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(user), nil
}

// GetUserByWallet looks a user up by wallet address, ignoring case.
func (m *MemoryStore) GetUserByWallet(ctx context.Context, address string) (User, error) {
	key := NormalizeAddress(address)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.WalletAddress != nil && NormalizeAddress(*user.WalletAddress) == key {
			return cloneUser(user), nil
		}
	}
	return User{}, ErrNotFound
}

// ListUsers returns users in insertion order.
func (m *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, cloneUser(user))
	}
	sort.Slice(users, func(i, j int) bool {
		return m.seq["u:"+users[i].Username] < m.seq["u:"+users[j].Username]
	})
	return users, nil
}

// AddUser inserts a user; usernames and wallet addresses are unique.
func (m *MemoryStore) AddUser(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; ok {
		return ErrAlreadyExists
	}
	if user.WalletAddress != nil {
		key := NormalizeAddress(*user.WalletAddress)
		for _, existing := range m.users {
			if existing.WalletAddress != nil && NormalizeAddress(*existing.WalletAddress) == key {
				return ErrAlreadyExists
			}
		}
	}
	m.users[user.Username] = cloneUser(user)
	m.order("u:" + user.Username)
	return nil
}

// UpdateUser replaces an existing user.
func (m *MemoryStore) UpdateUser(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; !ok {
		return ErrNotFound
	}
	m.users[user.Username] = cloneUser(user)
	return nil
}

// AdjustPoints adds delta to the user's balance unless it would go negative.
func (m *MemoryStore) AdjustPoints(ctx context.Context, username string, delta float64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	updated := decimal.NewFromFloat(user.Points).Add(decimal.NewFromFloat(delta))
	if updated.IsNegative() {
		return User{}, ErrInsufficientPoints
	}
	user.Points = updated.InexactFloat64()
	m.users[username] = user
	return cloneUser(user), nil
}

// GetClaim returns the claim keyed by id.
func (m *MemoryStore) GetClaim(ctx context.Context, id string) (Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	claim, ok := m.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	return cloneClaim(claim), nil
}

// ListClaims returns claims in insertion order.
func (m *MemoryStore) ListClaims(ctx context.Context) ([]Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	claims := make([]Claim, 0, len(m.claims))
	for _, claim := range m.claims {
		claims = append(claims, cloneClaim(claim))
	}
	sort.Slice(claims, func(i, j int) bool {
		return m.seq["c:"+claims[i].ID] < m.seq["c:"+claims[j].ID]
	})
	return claims, nil
}

// AddClaim inserts a claim.
func (m *MemoryStore) AddClaim(ctx context.Context, claim Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[claim.ID]; ok {
		return ErrAlreadyExists
	}
	m.claims[claim.ID] = cloneClaim(claim)
	m.order("c:" + claim.ID)
	return nil
}

// UpdateClaim replaces an existing claim. A resolved claim is never reverted.
func (m *MemoryStore) UpdateClaim(ctx context.Context, claim Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.claims[claim.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status.Resolved() && claim.Status != current.Status {
		return ErrAlreadyResolved
	}
	m.claims[claim.ID] = cloneClaim(claim)
	return nil
}

// DeleteClaim removes a claim.
func (m *MemoryStore) DeleteClaim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; !ok {
		return ErrNotFound
	}
	delete(m.claims, id)
	return nil
}

// MarkResolved performs the active -> resolved compare-and-swap.
func (m *MemoryStore) MarkResolved(ctx context.Context, id string, status ClaimStatus, resolvedAt time.Time) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if claim.Status != StatusActive {
		return Claim{}, ErrAlreadyResolved
	}
	at := resolvedAt.UTC()
	claim.Status = status
	claim.ResolvedAt = &at
	m.claims[id] = claim
	return cloneClaim(claim), nil
}

// GetPositionsForClaim lists positions on a claim in creation order.
func (m *MemoryStore) GetPositionsForClaim(ctx context.Context, claimID string) ([]Position, error) {
	return m.filterPositions(func(p Position) bool { return p.ClaimID == claimID }), nil
}

// GetPositionsForUser lists a user's positions in creation order.
func (m *MemoryStore) GetPositionsForUser(ctx context.Context, username string) ([]Position, error) {
	return m.filterPositions(func(p Position) bool { return p.Username == username }), nil
}

// ListPositions lists all positions.
func (m *MemoryStore) ListPositions(ctx context.Context) ([]Position, error) {
	return m.filterPositions(func(Position) bool { return true }), nil
}

// AddPosition appends a position.
func (m *MemoryStore) AddPosition(ctx context.Context, position Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.positions {
		if existing.ID == position.ID {
			return ErrAlreadyExists
		}
	}
	m.positions = append(m.positions, clonePosition(position))
	return nil
}

func (m *MemoryStore) filterPositions(keep func(Position) bool) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0)
	for _, p := range m.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	return out
}

func cloneUser(u User) User {
	if u.WalletAddress != nil {
		addr := *u.WalletAddress
		u.WalletAddress = &addr
	}
	return u
}

func cloneClaim(c Claim) Claim {
	if c.ResolutionDate != nil {
		v := *c.ResolutionDate
		c.ResolutionDate = &v
	}
	if c.ResolvedAt != nil {
		v := *c.ResolvedAt
		c.ResolvedAt = &v
	}
	if c.Oracle != nil {
		v := *c.Oracle
		c.Oracle = &v
	}
	if c.CreatedBy != nil {
		v := *c.CreatedBy
		c.CreatedBy = &v
	}
	return c
}

func clonePosition(p Position) Position {
	if p.Reasoning != nil {
		v := *p.Reasoning
		p.Reasoning = &v
	}
	return p
}

var _ Store = (*MemoryStore)(nil)
