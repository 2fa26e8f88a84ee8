package multiauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/internal/flows"
	"github.com/MrEthical07/multiauth/internal/limiters"
	"github.com/MrEthical07/multiauth/internal/stores"
	"github.com/MrEthical07/multiauth/jwt"
	"go.uber.org/zap"
)

// FactorRequest completes a pending verification with one factor. Code is
// used by every factor except security_key, which takes Assertion.
type FactorRequest struct {
	PendingToken string
	Factor       string
	Code         string
	Assertion    []byte
	Device       DeviceInfo
	Browser      BrowserSessions
}

func (r FactorRequest) validate() (flows.Factor, error) {
	if strings.TrimSpace(r.PendingToken) == "" {
		return "", ErrSessionExpiredOrInvalid
	}
	f, err := flows.ParseFactor(r.Factor)
	if err != nil {
		return "", fmt.Errorf("%w: unknown factor %q", ErrInvalidRequest, r.Factor)
	}
	if f == flows.FactorSecurityKey {
		if len(r.Assertion) == 0 {
			return "", fmt.Errorf("%w: assertion required", ErrInvalidRequest)
		}
		return f, nil
	}
	if strings.TrimSpace(r.Code) == "" {
		return "", fmt.Errorf("%w: code required", ErrInvalidRequest)
	}
	return f, nil
}

// OTPDelivery reports where a one-time code went.
type OTPDelivery struct {
	Factor    string
	ExpiresAt time.Time
}

// pendingContext is a verified pending token plus the freshly reloaded
// identity it was issued to.
type pendingContext struct {
	claims   *jwt.PendingClaims
	identity *UserIdentity
}

// VerifyFactor checks one factor against a pending verification and, on
// success, hands the identity to the session coordinator.
func (e *Engine) VerifyFactor(ctx context.Context, req FactorRequest) (*IssuedSession, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	factor, err := req.validate()
	if err != nil {
		return nil, err
	}
	device := deviceFromContext(ctx, req.Device)

	pc, err := e.openPending(ctx, req.PendingToken, device)
	if err != nil {
		return nil, err
	}
	identity := pc.identity

	if err := flows.CheckFactor(pc.claims.Kind, profileOf(identity), factor); err != nil {
		policyErr := factorPolicyError(err)
		e.emitAudit(ctx, auditEventFactorFailure, false, identity.ID, "", policyErr, func() map[string]string {
			return map[string]string{"factor": string(factor), "kind": pc.claims.Kind}
		})
		return nil, policyErr
	}

	if err := e.checkMFALock(ctx, identity.ID); err != nil {
		return nil, err
	}

	// one verifier at a time; one-use factors are spent only by the holder
	claim, err := e.pending.Claim(ctx, pc.claims.ID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrSessionExpiredOrInvalid
		}
		return nil, unavailable(err)
	}
	if claim.UserID != identity.ID || claim.Kind != pc.claims.Kind {
		return nil, ErrSessionExpiredOrInvalid
	}

	ok, err := e.checkFactor(ctx, identity, factor, req)
	if err != nil || !ok {
		if rerr := e.pending.Release(ctx, claim); rerr != nil {
			e.logger.Warn("pending release failed", zap.String("op", "verify_factor"), zap.Error(rerr))
		}
		if err != nil {
			return nil, err
		}
		return nil, e.factorFailed(ctx, identity.ID, factor)
	}

	if err := e.mfaLockout.Reset(ctx, identity.ID); err != nil {
		e.logger.Warn("mfa counter reset failed", zap.String("op", "verify_factor"), zap.Error(err))
	}

	e.metricInc(MetricFactorSuccess)
	e.emitAudit(ctx, auditEventFactorSuccess, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"factor": string(factor), "kind": pc.claims.Kind}
	})

	return e.issueSession(ctx, verifiedIdentity{identity: identity, method: string(factor)}, device, req.Browser)
}

// SendOTP issues a fresh email or notification code for a pending
// verification, replacing any code still outstanding for that method.
func (e *Engine) SendOTP(ctx context.Context, pendingToken, factorName string, device DeviceInfo) (*OTPDelivery, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	factor, err := flows.ParseFactor(factorName)
	if err != nil || factor.OTPMethod() == "" {
		return nil, fmt.Errorf("%w: %q is not a deliverable factor", ErrInvalidRequest, factorName)
	}
	if strings.TrimSpace(pendingToken) == "" {
		return nil, ErrSessionExpiredOrInvalid
	}
	device = deviceFromContext(ctx, device)

	pc, err := e.openPending(ctx, pendingToken, device)
	if err != nil {
		return nil, err
	}
	identity := pc.identity

	if err := flows.CheckFactor(pc.claims.Kind, profileOf(identity), factor); err != nil {
		return nil, factorPolicyError(err)
	}
	if err := e.checkMFALock(ctx, identity.ID); err != nil {
		return nil, err
	}
	if e.notifier == nil {
		return nil, ErrFactorUnavailable
	}

	retry, err := e.otpSendThrottle.Allow(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, limiters.ErrThrottled) {
			e.emitRateLimit(ctx, "otp_send", identity.ID, retry)
			return nil, rateLimited(retry)
		}
		return nil, unavailable(err)
	}

	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return nil, err
	}
	method := factor.OTPMethod()
	if err := e.otps.Put(ctx, method, identity.ID, e.otpHasher.Hash(method, identity.ID, code), e.config.OTP.TTL); err != nil {
		return nil, unavailable(err)
	}

	kind := NotifyEmailOTP
	if factor == flows.FactorNotificationOTP {
		kind = NotifyInAppOTP
	}
	err = e.notifier.Notify(ctx, Notification{
		Kind:   kind,
		UserID: identity.ID,
		Email:  identity.Email,
		Code:   code,
		Device: device,
		At:     e.clock(),
	})
	if err != nil {
		if derr := e.otps.Discard(ctx, method, identity.ID); derr != nil {
			e.logger.Warn("otp discard failed", zap.String("op", "send_otp"), zap.Error(derr))
		}
		e.metricInc(MetricNotificationFailure)
		e.logger.Error("otp delivery failed",
			zap.String("op", "send_otp"),
			zap.String("factor", string(factor)),
			zap.String("user_id", identity.ID),
			zap.Error(err),
		)
		if errors.Is(err, ErrNoReceiver) {
			return nil, fmt.Errorf("%w: %v", ErrFactorUnavailable, err)
		}
		return nil, unavailable(err)
	}

	e.metricInc(MetricOTPSent)
	e.emitAudit(ctx, auditEventOTPSent, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"factor": string(factor)}
	})

	return &OTPDelivery{Factor: string(factor), ExpiresAt: e.clock().Add(e.config.OTP.TTL)}, nil
}

// CheckPending reports whether a pending verification is still usable from
// this device and which factors it accepts.
func (e *Engine) CheckPending(ctx context.Context, pendingToken string, device DeviceInfo) (*PendingStatus, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	if strings.TrimSpace(pendingToken) == "" {
		return nil, ErrSessionExpiredOrInvalid
	}
	pc, err := e.openPending(ctx, pendingToken, deviceFromContext(ctx, device))
	if err != nil {
		return nil, err
	}

	profile := profileOf(pc.identity)
	return &PendingStatus{
		Kind:           pc.claims.Kind,
		UserID:         pc.identity.ID,
		ExpiresAt:      pc.claims.ExpiresAt.Time,
		Factors:        factorNames(flows.AvailableFactors(pc.claims.Kind, profile)),
		HasSecurityKey: profile.HasStrongFactor(),
	}, nil
}

// InvalidatePending cancels a pending verification. Unknown, expired and
// already-consumed tokens are not an error.
func (e *Engine) InvalidatePending(ctx context.Context, pendingToken string) error {
	if e == nil || e.pendingSigner == nil {
		return ErrEngineNotReady
	}
	claims, err := e.pendingSigner.Parse(pendingToken)
	if err != nil {
		return nil
	}
	if err := e.pending.Consume(ctx, claims.ID); err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil
		}
		return unavailable(err)
	}
	e.emitAudit(ctx, auditEventPendingInvalidated, true, claims.Subject, "", nil, func() map[string]string {
		return map[string]string{"kind": claims.Kind}
	})
	return nil
}

// openPending verifies the token, its server-side entry and its device
// binding, then reloads the identity. A binding mismatch or a vanished or
// banned identity burns the pending entry.
func (e *Engine) openPending(ctx context.Context, token string, device DeviceInfo) (*pendingContext, error) {
	claims, err := e.pendingSigner.Parse(token, flows.KindMFAPending, flows.KindNewDevicePending)
	if err != nil {
		return nil, ErrSessionExpiredOrInvalid
	}

	userID, kind, err := e.pending.Lookup(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, stores.ErrPendingNotFound) {
			return nil, ErrSessionExpiredOrInvalid
		}
		return nil, unavailable(err)
	}
	if userID != claims.Subject || kind != claims.Kind {
		return nil, ErrSessionExpiredOrInvalid
	}

	want := internal.HashBindingValue(device.IP, internal.DeviceFingerprint(device.UserAgent))
	got, err := claims.BindingHash()
	if err != nil || subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		e.burnPending(ctx, claims.ID)
		e.metricInc(MetricPendingBindingViolation)
		e.emitAudit(ctx, auditEventPendingBindingViolation, false, userID, "", ErrSessionSecurityViolation, func() map[string]string {
			return map[string]string{"kind": kind}
		})
		return nil, ErrSessionSecurityViolation
	}

	identity, err := e.identityByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			e.burnPending(ctx, claims.ID)
			return nil, ErrSessionExpiredOrInvalid
		}
		return nil, err
	}
	if identity.Banned {
		e.burnPending(ctx, claims.ID)
		return nil, &BanError{Reason: identity.BanReason}
	}

	return &pendingContext{claims: claims, identity: identity}, nil
}

func (e *Engine) burnPending(ctx context.Context, jti string) {
	if err := e.pending.Consume(ctx, jti); err != nil && !errors.Is(err, stores.ErrPendingNotFound) {
		e.logger.Warn("pending invalidation failed", zap.String("op", "burn_pending"), zap.Error(err))
	}
}

func (e *Engine) checkMFALock(ctx context.Context, userID string) error {
	retry, err := e.mfaLockout.Check(ctx, userID)
	if err != nil {
		return unavailable(err)
	}
	if retry > 0 {
		e.emitRateLimit(ctx, "mfa", userID, retry)
		return rateLimited(retry)
	}
	return nil
}

// checkFactor reports whether the presented proof is correct. Errors are
// reserved for backend failures and unconfigured collaborators.
func (e *Engine) checkFactor(ctx context.Context, identity *UserIdentity, factor flows.Factor, req FactorRequest) (bool, error) {
	switch factor {
	case flows.FactorTOTP:
		ok, err := e.totp.Verify(ctx, identity.ID, identity.MFASecret, req.Code, e.clock())
		if errors.Is(err, errTOTPReplay) {
			e.metricInc(MetricTOTPReplayRejected)
			return false, nil
		}
		return ok, err

	case flows.FactorBackupCode:
		return e.consumeBackupCode(ctx, identity, req.Code)

	case flows.FactorEmailOTP, flows.FactorNotificationOTP:
		method := factor.OTPMethod()
		code := strings.TrimSpace(req.Code)
		err := e.otps.Consume(ctx, method, identity.ID, e.otpHasher.Hash(method, identity.ID, code))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, stores.ErrOTPNotFound), errors.Is(err, stores.ErrOTPMismatch):
			return false, nil
		default:
			return false, unavailable(err)
		}

	case flows.FactorSecurityKey:
		if e.strongFactor == nil {
			return false, ErrFactorUnavailable
		}
		if err := e.strongFactor.VerifyAssertion(ctx, identity.ID, req.Assertion); err != nil {
			e.logger.Info("security key assertion rejected",
				zap.String("user_id", identity.ID),
				zap.Error(err),
			)
			return false, nil
		}
		return true, nil
	}

	return false, ErrFactorUnavailable
}

func (e *Engine) consumeBackupCode(ctx context.Context, identity *UserIdentity, code string) (bool, error) {
	canonical := flows.CanonicalizeBackupCode(code)
	if canonical == "" {
		return false, nil
	}

	remaining, ok, err := e.credentials.ConsumeBackupCode(ctx, identity.ID, flows.BackupCodeHash(identity.ID, canonical))
	if err != nil {
		return false, unavailable(err)
	}
	if !ok {
		return false, nil
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, auditEventBackupCodeUsed, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{"remaining": strconv.Itoa(remaining)}
	})
	e.notify(ctx, Notification{
		Kind:      NotifyBackupCodeUsed,
		UserID:    identity.ID,
		Email:     identity.Email,
		Remaining: remaining,
	})
	if flows.LowBackupCodes(remaining) {
		e.notify(ctx, Notification{
			Kind:      NotifyLowBackupCodes,
			UserID:    identity.ID,
			Email:     identity.Email,
			Remaining: remaining,
		})
	}
	return true, nil
}

// factorFailed counts a wrong factor. The attempt that reaches the
// threshold reports RateLimited; earlier ones report what is left.
func (e *Engine) factorFailed(ctx context.Context, userID string, factor flows.Factor) error {
	e.metricInc(MetricFactorFailure)

	f, err := e.mfaLockout.RecordFailure(ctx, userID)
	if err != nil {
		return unavailable(err)
	}
	if f.Locked {
		e.metricInc(MetricMFALockout)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, userID, "", ErrRateLimited, func() map[string]string {
			return map[string]string{"factor": string(factor)}
		})
		e.emitRateLimit(ctx, "mfa", userID, f.RetryAfter)
		return rateLimited(f.RetryAfter)
	}

	attemptErr := &AttemptError{Remaining: f.Remaining}
	e.emitAudit(ctx, auditEventFactorFailure, false, userID, "", attemptErr, func() map[string]string {
		return map[string]string{
			"factor":    string(factor),
			"remaining": strconv.Itoa(f.Remaining),
		}
	})
	return attemptErr
}

func factorPolicyError(err error) error {
	switch {
	case errors.Is(err, flows.ErrSuperSecureEnforced):
		return ErrSuperSecureEnforced
	case errors.Is(err, flows.ErrStrongFactorNeeded):
		return ErrSecurityKeyRequired
	default:
		return ErrFactorUnavailable
	}
}
