package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultNonceTTL bounds how long an issued nonce stays usable.
const DefaultNonceTTL = 5 * time.Minute

// NonceEntry is the pending nonce for one address.
type NonceEntry struct {
	Nonce    string
	IssuedAt time.Time
}

// NonceStore keeps at most one outstanding nonce per address. Addresses are
// already normalised by the caller.
type NonceStore interface {
	Put(ctx context.Context, address string, entry NonceEntry) error
	Get(ctx context.Context, address string) (NonceEntry, bool, error)
	// Consume deletes the entry only if it still holds nonce and reports
	// whether it did.
	Consume(ctx context.Context, address, nonce string) (bool, error)
}

// NewNonce returns 16 random hex characters.
func NewNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryNonceStore is a process-local NonceStore. Expired entries are pruned
// whenever a new nonce is stored.
type MemoryNonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]NonceEntry
}

// NewMemoryNonceStore builds an empty store.
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &MemoryNonceStore{ttl: ttl, entries: make(map[string]NonceEntry)}
}

func (s *MemoryNonceStore) Put(ctx context.Context, address string, entry NonceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := entry.IssuedAt.Add(-s.ttl)
	for addr, existing := range s.entries {
		if existing.IssuedAt.Before(cutoff) {
			delete(s.entries, addr)
		}
	}
	s.entries[address] = entry
	return nil
}

func (s *MemoryNonceStore) Get(ctx context.Context, address string) (NonceEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[address]
	return entry, ok, nil
}

func (s *MemoryNonceStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[address]
	if !ok || entry.Nonce != nonce {
		return false, nil
	}
	delete(s.entries, address)
	return true, nil
}

// Len reports the number of pending nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ NonceStore = (*MemoryNonceStore)(nil)
