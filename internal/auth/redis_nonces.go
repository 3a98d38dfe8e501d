package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeLua deletes the key only while it still holds the expected nonce.
const consumeLua = `
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. '|' then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisNonceStore shares the nonce table between replicas. Expiry is left to
// Redis key TTLs.
type RedisNonceStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	prefix    string
	consumeSc *redis.Script
}

// NewRedisNonceStore wraps an existing client.
func NewRedisNonceStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{
		rdb:       rdb,
		ttl:       ttl,
		prefix:    prefix,
		consumeSc: redis.NewScript(consumeLua),
	}
}

// DialRedis connects and pings a Redis server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

func (s *RedisNonceStore) key(address string) string {
	return s.prefix + address
}

func (s *RedisNonceStore) Put(ctx context.Context, address string, entry NonceEntry) error {
	value := entry.Nonce + "|" + strconv.FormatInt(entry.IssuedAt.UnixNano(), 10)
	if err := s.rdb.Set(ctx, s.key(address), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: store nonce: %w", err)
	}
	return nil
}

func (s *RedisNonceStore) Get(ctx context.Context, address string) (NonceEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(address)).Result()
	if errors.Is(err, redis.Nil) {
		return NonceEntry{}, false, nil
	}
	if err != nil {
		return NonceEntry{}, false, fmt.Errorf("redis: load nonce: %w", err)
	}
	nonce, issued, ok := strings.Cut(raw, "|")
	if !ok {
		return NonceEntry{}, false, nil
	}
	nanos, err := strconv.ParseInt(issued, 10, 64)
	if err != nil {
		return NonceEntry{}, false, nil
	}
	return NonceEntry{Nonce: nonce, IssuedAt: time.Unix(0, nanos)}, true, nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, address, nonce string) (bool, error) {
	n, err := s.consumeSc.Run(ctx, s.rdb, []string{s.key(address)}, nonce).Int()
	if err != nil {
		return false, fmt.Errorf("redis: consume nonce: %w", err)
	}
	return n == 1, nil
}

var _ NonceStore = (*RedisNonceStore)(nil)
