package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrPendingNotFound         = errors.New("pending verification not found")
	ErrPendingRedisUnavailable = errors.New("pending verification redis unavailable")
)

// claimScript removes the entry and returns its value with the remaining
// lifetime, so exactly one verifier holds it at a time.
const claimScript = `
local v = redis.call("GET", KEYS[1])
if not v then
	return false
end
local ttl = redis.call("PTTL", KEYS[1])
redis.call("DEL", KEYS[1])
return {v, ttl}
`

var claimLua = redis.NewScript(claimScript)

// Claim is a pending entry taken out of Redis by one verifier.
type Claim struct {
	JTI    string
	UserID string
	Kind   string
	TTL    time.Duration
}

// PendingStore is the server-side half of a pending verification token. The
// signed token carries the claims; the pv:<jti> key makes it revocable and
// single-use.
type PendingStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPendingStore(redisClient redis.UniversalClient, prefix string) *PendingStore {
	if prefix == "" {
		prefix = "pv"
	}
	return &PendingStore{redis: redisClient, prefix: prefix}
}

func (s *PendingStore) key(jti string) string {
	return s.prefix + ":" + jti
}

// Open registers a pending verification for userID. Its lifetime must match
// the token's.
func (s *PendingStore) Open(ctx context.Context, jti, userID, kind string, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.key(jti), userID+"|"+kind, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: duplicate jti", ErrPendingRedisUnavailable)
	}
	return nil
}

// Lookup returns the owner and kind recorded for jti.
func (s *PendingStore) Lookup(ctx context.Context, jti string) (string, string, error) {
	v, err := s.redis.Get(ctx, s.key(jti)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", ErrPendingNotFound
		}
		return "", "", fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	userID, kind, ok := strings.Cut(v, "|")
	if !ok {
		return "", "", ErrPendingNotFound
	}
	return userID, kind, nil
}

// Consume deletes the side channel. Only the caller that observes the
// deletion wins; every other concurrent consumer gets ErrPendingNotFound.
func (s *PendingStore) Consume(ctx context.Context, jti string) error {
	n, err := s.redis.Del(ctx, s.key(jti)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	if n != 1 {
		return ErrPendingNotFound
	}
	return nil
}

// Claim takes the entry for jti exclusively. Concurrent claimers of the same
// entry get ErrPendingNotFound. The holder either keeps it consumed or puts
// it back with Release.
func (s *PendingStore) Claim(ctx context.Context, jti string) (*Claim, error) {
	res, err := claimLua.Run(ctx, s.redis, []string{s.key(jti)}).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	if len(res) != 2 {
		return nil, ErrPendingNotFound
	}
	v, _ := res[0].(string)
	ms, _ := res[1].(int64)
	userID, kind, ok := strings.Cut(v, "|")
	if !ok || ms <= 0 {
		return nil, ErrPendingNotFound
	}
	return &Claim{JTI: jti, UserID: userID, Kind: kind, TTL: time.Duration(ms) * time.Millisecond}, nil
}

// Release puts a claimed entry back with the lifetime it had left.
func (s *PendingStore) Release(ctx context.Context, c *Claim) error {
	if c == nil || c.TTL <= 0 {
		return nil
	}
	if err := s.redis.SetNX(ctx, s.key(c.JTI), c.UserID+"|"+c.Kind, c.TTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingRedisUnavailable, err)
	}
	return nil
}
