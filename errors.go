package multiauth

import (
	"errors"
	"fmt"
	"time"
)

// Stable error taxonomy. Every error returned by an Engine operation is, or
// wraps, exactly one of these.
var (
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrAccountBanned             = errors.New("account banned")
	ErrEmailNotVerified          = errors.New("email not verified")
	ErrNoPasswordSet             = errors.New("no password set")
	ErrPasswordLoginDisabled     = errors.New("password login disabled")
	ErrRateLimited               = errors.New("rate limited")
	ErrMFARequired               = errors.New("mfa required")
	ErrNewDeviceRequired         = errors.New("new device verification required")
	ErrSessionSecurityViolation  = errors.New("session security violation")
	ErrSuperSecureEnforced       = errors.New("super secure account: strong factor required")
	ErrSecurityKeyRequired       = errors.New("security key required")
	ErrAlreadyLoggedInSameDevice = errors.New("already logged in on this device")
	ErrMaxAccountsReached        = errors.New("maximum concurrent accounts reached")
	ErrSessionExpiredOrInvalid   = errors.New("session expired or invalid")
	ErrPrerequisiteNotMet        = errors.New("prerequisite not met")

	ErrFactorUnavailable  = errors.New("verification factor not available")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPasswordPolicy     = errors.New("password policy violation")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrEngineNotReady     = errors.New("engine not initialized")
)

// Store-facing sentinels. CredentialStore implementations return these so
// the engine can tell "absent" from "broken".
var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityExists   = errors.New("identity already exists")
)

// ErrNoReceiver is returned by a Notifier when a live channel exists but
// nobody is listening on it. SendOTP reports it as FactorUnavailable.
var ErrNoReceiver = errors.New("no connected receiver")

// RateLimitError carries the lock time left. It unwraps to ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds up so a client never retries early.
func (e *RateLimitError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// BanError carries the operator-supplied reason.
type BanError struct {
	Reason string
}

func (e *BanError) Error() string {
	if e.Reason == "" {
		return ErrAccountBanned.Error()
	}
	return ErrAccountBanned.Error() + ": " + e.Reason
}

func (e *BanError) Unwrap() error { return ErrAccountBanned }

// AccountLimitError reports how many accounts the browser already holds.
type AccountLimitError struct {
	Current int
	Limit   int
}

func (e *AccountLimitError) Error() string {
	return fmt.Sprintf("%s (%d/%d)", ErrMaxAccountsReached.Error(), e.Current, e.Limit)
}

func (e *AccountLimitError) Unwrap() error { return ErrMaxAccountsReached }

// AttemptError is a failed factor check that did not yet trigger the MFA
// lockout.
type AttemptError struct {
	Remaining int
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrInvalidCredentials.Error(), e.Remaining)
}

func (e *AttemptError) Unwrap() error { return ErrInvalidCredentials }

// PrerequisiteError names the first unmet requirement.
type PrerequisiteError struct {
	Requirement string
}

func (e *PrerequisiteError) Error() string {
	return ErrPrerequisiteNotMet.Error() + ": " + e.Requirement
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisiteNotMet }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
