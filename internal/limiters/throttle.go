package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrThrottled           = errors.New("throttled")
	ErrThrottleUnavailable = errors.New("throttle backend unavailable")
)

// incrementScript is a fixed-window counter: the TTL is set on the first hit
// only and returned so callers can report retry-after.
const incrementScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`

var incrementLua = redis.NewScript(incrementScript)

type ThrottleConfig struct {
	MaxEvents int
	Window    time.Duration
}

// Throttle caps how often an action may happen per subject in a fixed
// window. It guards OTP sends, registrations and reset requests.
type Throttle struct {
	redis  redis.UniversalClient
	config ThrottleConfig
	prefix string
}

func NewThrottle(redisClient redis.UniversalClient, prefix string, cfg ThrottleConfig) *Throttle {
	return &Throttle{redis: redisClient, config: cfg, prefix: prefix}
}

func (t *Throttle) key(subject string) string {
	return t.prefix + ":" + subject
}

// Allow records one event. Once the cap is exceeded it returns ErrThrottled
// together with the time left in the window.
func (t *Throttle) Allow(ctx context.Context, subject string) (time.Duration, error) {
	if t == nil || t.config.MaxEvents <= 0 || subject == "" {
		return 0, nil
	}

	res, err := incrementLua.Run(ctx, t.redis, []string{t.key(subject)}, t.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrThrottleUnavailable, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("%w: unexpected script reply", ErrThrottleUnavailable)
	}

	if res[0] > int64(t.config.MaxEvents) {
		retry := time.Duration(res[1]) * time.Millisecond
		if retry <= 0 {
			retry = t.config.Window
		}
		return retry, ErrThrottled
	}
	return 0, nil
}

func (t *Throttle) Reset(ctx context.Context, subject string) error {
	if t == nil || subject == "" {
		return nil
	}
	if err := t.redis.Del(ctx, t.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrThrottleUnavailable, err)
	}
	return nil
}
