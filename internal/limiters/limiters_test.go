package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func testLockoutConfig() LockoutConfig {
	return LockoutConfig{Threshold: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute}
}

func TestLockoutFifthFailureLocks(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewLockout(rdb, "ll", "llk", testLockoutConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		f, err := l.RecordFailure(ctx, "a@example.com")
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if f.Locked {
			t.Fatalf("attempt %d must not lock", i)
		}
		if f.Remaining != 5-i {
			t.Fatalf("attempt %d: expected remaining %d, got %d", i, 5-i, f.Remaining)
		}
	}

	f, err := l.RecordFailure(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !f.Locked || f.RetryAfter != 15*time.Minute {
		t.Fatalf("fifth failure must lock, got %+v", f)
	}

	retry, err := l.Check(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if retry <= 0 || retry > 15*time.Minute {
		t.Fatalf("unexpected retry-after %v", retry)
	}
}

func TestLockoutExpiresAfterDuration(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewLockout(rdb, "ml", "mlk", testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.RecordFailure(ctx, "u1"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	mr.FastForward(15*time.Minute + time.Second)

	retry, err := l.Check(ctx, "u1")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if retry != 0 {
		t.Fatalf("lock must expire, retry=%v", retry)
	}
	if n, _ := l.Attempts(ctx, "u1"); n != 0 {
		t.Fatalf("counter must restart after lock, got %d", n)
	}
}

func TestLockoutResetClearsCounterOnly(t *testing.T) {
	_, rdb := newRedis(t)
	l := NewLockout(rdb, "ll", "llk", testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx, "s"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	if err := l.Reset(ctx, "s"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if n, _ := l.Attempts(ctx, "s"); n != 0 {
		t.Fatalf("expected zero attempts after reset, got %d", n)
	}

	for i := 0; i < 5; i++ {
		_, _ = l.RecordFailure(ctx, "s")
	}
	if err := l.Reset(ctx, "s"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if retry, _ := l.Check(ctx, "s"); retry == 0 {
		t.Fatal("reset must not lift an active lock")
	}
	if err := l.Unlock(ctx, "s"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if retry, _ := l.Check(ctx, "s"); retry != 0 {
		t.Fatal("unlock must lift the lock")
	}
}

func TestLockoutSubjectsAreIndependent(t *testing.T) {
	_, rdb := newRedis(t)
	login := NewLockout(rdb, "ll", "llk", testLockoutConfig())
	mfa := NewLockout(rdb, "ml", "mlk", testLockoutConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = login.RecordFailure(ctx, "x")
	}
	if retry, _ := mfa.Check(ctx, "x"); retry != 0 {
		t.Fatal("mfa lockout must not see login failures")
	}
	if retry, _ := login.Check(ctx, "y"); retry != 0 {
		t.Fatal("other subjects must not be locked")
	}
}

func TestLockoutUnavailable(t *testing.T) {
	mr, rdb := newRedis(t)
	l := NewLockout(rdb, "ll", "llk", testLockoutConfig())
	mr.Close()

	if _, err := l.Check(context.Background(), "s"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if _, err := l.RecordFailure(context.Background(), "s"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
}

func TestThrottleCapsWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	th := NewThrottle(rdb, "os", ThrottleConfig{MaxEvents: 5, Window: 15 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := th.Allow(ctx, "u1"); err != nil {
			t.Fatalf("send %d must be allowed: %v", i+1, err)
		}
	}
	retry, err := th.Allow(ctx, "u1")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if retry <= 0 || retry > 15*time.Minute {
		t.Fatalf("unexpected retry-after %v", retry)
	}

	mr.FastForward(15 * time.Minute)
	if _, err := th.Allow(ctx, "u1"); err != nil {
		t.Fatalf("new window must allow: %v", err)
	}
}
