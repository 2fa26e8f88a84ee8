package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrDeviceRedisUnavailable = errors.New("device trust redis unavailable")

// DeviceStore records which device fingerprints recently completed a full
// login for a user (dev:<uid>:<fingerprint>).
type DeviceStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewDeviceStore(redisClient redis.UniversalClient, prefix string) *DeviceStore {
	if prefix == "" {
		prefix = "dev"
	}
	return &DeviceStore{redis: redisClient, prefix: prefix}
}

func (s *DeviceStore) key(userID, fingerprint string) string {
	return s.prefix + ":" + userID + ":" + fingerprint
}

// Known reports whether the marker exists. Missing and expired markers are
// the same thing.
func (s *DeviceStore) Known(ctx context.Context, userID, fingerprint string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(userID, fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDeviceRedisUnavailable, err)
	}
	return n == 1, nil
}

// Remember sets or refreshes the marker.
func (s *DeviceStore) Remember(ctx context.Context, userID, fingerprint string, ttl time.Duration) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.redis.Set(ctx, s.key(userID, fingerprint), now, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceRedisUnavailable, err)
	}
	return nil
}

func (s *DeviceStore) Forget(ctx context.Context, userID, fingerprint string) error {
	if err := s.redis.Del(ctx, s.key(userID, fingerprint)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceRedisUnavailable, err)
	}
	return nil
}
