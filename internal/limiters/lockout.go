package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutConfig holds the thresholds of one lockout tracker.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// recordFailureScript increments the failure counter inside its window and,
// when the threshold is reached, swaps the counter for a lock key.
//
// KEYS[1] counter, KEYS[2] lock
// ARGV[1] window ms, ARGV[2] threshold, ARGV[3] lock ms
const recordFailureScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
	redis.call("SET", KEYS[2], "1", "PX", ARGV[3])
	redis.call("DEL", KEYS[1])
	return {n, 1}
end
return {n, 0}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// Failure is the result of recording one failed attempt.
type Failure struct {
	Attempts   int
	Remaining  int
	Locked     bool
	RetryAfter time.Duration
}

// Lockout counts consecutive failures per subject and locks the subject for
// a fixed duration once the threshold is reached within the window.
//
// Key layout: <counterPrefix>:<subject> and <lockPrefix>:<subject>.
type Lockout struct {
	redis         redis.UniversalClient
	config        LockoutConfig
	counterPrefix string
	lockPrefix    string
}

// NewLockout creates a lockout tracker. Both prefixes must be distinct per
// tracker; login and MFA lockouts never share keys.
func NewLockout(redisClient redis.UniversalClient, counterPrefix, lockPrefix string, cfg LockoutConfig) *Lockout {
	return &Lockout{
		redis:         redisClient,
		config:        cfg,
		counterPrefix: counterPrefix,
		lockPrefix:    lockPrefix,
	}
}

func (l *Lockout) counterKey(subject string) string {
	return l.counterPrefix + ":" + subject
}

func (l *Lockout) lockKey(subject string) string {
	return l.lockPrefix + ":" + subject
}

// Check returns the remaining lock time for subject, or zero when it is not
// locked.
func (l *Lockout) Check(ctx context.Context, subject string) (time.Duration, error) {
	if l == nil || subject == "" {
		return 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, l.lockKey(subject)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	switch {
	case ttl > 0:
		return ttl, nil
	case ttl == -1:
		// lock without expiry; report the configured duration
		return l.config.Duration, nil
	default:
		return 0, nil
	}
}

// RecordFailure counts one failure. The attempt that reaches the threshold
// is itself reported as Locked.
func (l *Lockout) RecordFailure(ctx context.Context, subject string) (Failure, error) {
	if l == nil || subject == "" {
		return Failure{Remaining: 1}, nil
	}

	res, err := recordFailureLua.Run(
		ctx,
		l.redis,
		[]string{l.counterKey(subject), l.lockKey(subject)},
		l.config.Window.Milliseconds(),
		l.config.Threshold,
		l.config.Duration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Failure{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if len(res) != 2 {
		return Failure{}, fmt.Errorf("%w: unexpected script reply", ErrLockoutUnavailable)
	}

	f := Failure{Attempts: int(res[0])}
	if res[1] == 1 {
		f.Locked = true
		f.RetryAfter = l.config.Duration
		return f, nil
	}
	f.Remaining = l.config.Threshold - f.Attempts
	if f.Remaining < 0 {
		f.Remaining = 0
	}
	return f, nil
}

// Reset clears the failure counter after a success. An active lock is left
// in place.
func (l *Lockout) Reset(ctx context.Context, subject string) error {
	if l == nil || subject == "" {
		return nil
	}
	if err := l.redis.Del(ctx, l.counterKey(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Unlock removes both the counter and the lock.
func (l *Lockout) Unlock(ctx context.Context, subject string) error {
	if l == nil || subject == "" {
		return nil
	}
	if err := l.redis.Del(ctx, l.counterKey(subject), l.lockKey(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

// Attempts returns the current failure count. Missing keys read as zero.
func (l *Lockout) Attempts(ctx context.Context, subject string) (int, error) {
	count, err := l.redis.Get(ctx, l.counterKey(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return int(count), nil
}
