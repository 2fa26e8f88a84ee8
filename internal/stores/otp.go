package stores

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrOTPNotFound         = errors.New("otp not found")
	ErrOTPMismatch         = errors.New("otp mismatch")
	ErrOTPRedisUnavailable = errors.New("otp redis unavailable")
)

// compareAndDeleteScript removes the key only while it still holds the
// expected value, so a code is accepted at most once.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var compareAndDeleteLua = redis.NewScript(compareAndDeleteScript)

// OTPStore keeps at most one outstanding one-time code hash per user and
// delivery method under otp:<method>:<uid>.
type OTPStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewOTPStore(redisClient redis.UniversalClient, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "otp"
	}
	return &OTPStore{redis: redisClient, prefix: prefix}
}

func (s *OTPStore) key(method, userID string) string {
	return s.prefix + ":" + method + ":" + userID
}

// Put stores codeHash, replacing any code still outstanding for the method.
func (s *OTPStore) Put(ctx context.Context, method, userID, codeHash string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(method, userID), codeHash, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}

// Consume accepts presentedHash exactly once. A wrong code leaves the stored
// one in place; a lost race with a concurrent consumer reads as not found.
func (s *OTPStore) Consume(ctx context.Context, method, userID, presentedHash string) error {
	key := s.key(method, userID)

	stored, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrOTPNotFound
		}
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(presentedHash)) != 1 {
		return ErrOTPMismatch
	}

	n, err := compareAndDeleteLua.Run(ctx, s.redis, []string{key}, stored).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	if n != 1 {
		return ErrOTPNotFound
	}
	return nil
}

// Discard drops an outstanding code.
func (s *OTPStore) Discard(ctx context.Context, method, userID string) error {
	if err := s.redis.Del(ctx, s.key(method, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOTPRedisUnavailable, err)
	}
	return nil
}
