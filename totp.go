package multiauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

var errTOTPReplay = errors.New("totp code already used")

// totpVerifier validates authenticator codes and, when replay protection is
// on, remembers accepted codes for as long as they could validate again.
type totpVerifier struct {
	cfg   TOTPConfig
	redis redis.UniversalClient
}

func newTOTPVerifier(cfg TOTPConfig, rdb redis.UniversalClient) *totpVerifier {
	return &totpVerifier{cfg: cfg, redis: rdb}
}

func (v *totpVerifier) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(v.cfg.Period),
		Skew:      uint(v.cfg.Skew),
		Digits:    otp.Digits(v.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

// usedWindow covers every step at which an accepted code still validates.
func (v *totpVerifier) usedWindow() time.Duration {
	return time.Duration(v.cfg.Period*(2*v.cfg.Skew+1)) * time.Second
}

func validTOTPFormat(code string) bool {
	if len(code) < 6 || len(code) > 10 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Verify reports whether code is valid for secret at now. A false result
// with nil error is a wrong code; errTOTPReplay is a correct code seen
// before.
func (v *totpVerifier) Verify(ctx context.Context, userID, secret, code string, now time.Time) (bool, error) {
	code = strings.TrimSpace(code)
	if secret == "" || !validTOTPFormat(code) || len(code) != v.cfg.Digits {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, secret, now.UTC(), v.opts())
	if err != nil || !ok {
		return false, nil
	}

	if !v.cfg.EnforceReplayProtection || v.redis == nil {
		return true, nil
	}

	key := "totp:used:" + userID + ":" + code
	fresh, err := v.redis.SetNX(ctx, key, strconv.FormatInt(now.Unix(), 10), v.usedWindow()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !fresh {
		return false, errTOTPReplay
	}
	return true, nil
}
