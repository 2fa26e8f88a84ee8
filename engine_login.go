package multiauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/internal/flows"
	"github.com/MrEthical07/multiauth/password"
	"go.uber.org/zap"
)

// LoginRequest is a password login from one browser.
type LoginRequest struct {
	Email    string
	Password string
	Device   DeviceInfo
	Browser  BrowserSessions
}

// Login verifies credentials and either issues a session or opens an MFA or
// new-device challenge. Denials are returned as errors from the taxonomy in
// errors.go; challenges are outcomes, not errors.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginOutcome, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricLoginLatency, time.Since(start))
	}()

	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidRequest
	}
	device := deviceFromContext(ctx, req.Device)

	identity, exempt, err := e.verifyCredentials(ctx, email, req.Password)
	if err != nil {
		return nil, err
	}

	return e.decideTier(ctx, identity, exempt, device, req.Browser)
}

// verifyCredentials runs the credential gates in order. Every branch that
// fails before the password check, except a ban, counts as a failed
// attempt against the email.
func (e *Engine) verifyCredentials(ctx context.Context, email, plaintext string) (*UserIdentity, bool, error) {
	retry, err := e.loginLockout.Check(ctx, email)
	if err != nil {
		return nil, false, unavailable(err)
	}
	if retry > 0 {
		e.metricInc(MetricLoginRateLimited)
		e.emitRateLimit(ctx, "login", "", retry)
		return nil, false, rateLimited(retry)
	}

	identity, err := e.credentials.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return nil, false, unavailable(err)
	}
	if identity == nil || identity.Deleted {
		return nil, false, e.loginFailed(ctx, email, "")
	}

	if identity.Banned {
		e.metricInc(MetricLoginBanned)
		banErr := &BanError{Reason: identity.BanReason}
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", banErr, nil)
		return nil, false, banErr
	}

	exempt := e.exempt(ctx, identity, "login")

	if identity.SuperSecure && !exempt {
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", ErrPasswordLoginDisabled, nil)
		return nil, false, ErrPasswordLoginDisabled
	}

	if identity.PasswordHash == "" {
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", ErrNoPasswordSet, nil)
		return nil, false, ErrNoPasswordSet
	}

	ok, err := e.passwordHash.Verify(plaintext, identity.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrPasswordTooLong) {
		e.logger.Error("stored password hash unreadable",
			zap.String("op", "login"),
			zap.String("user_id", identity.ID),
			zap.Error(err),
		)
	}
	if !ok {
		return nil, false, e.loginFailed(ctx, email, identity.ID)
	}

	if err := e.loginLockout.Reset(ctx, email); err != nil {
		e.logger.Warn("login counter reset failed", zap.String("op", "login"), zap.Error(err))
	}

	if !identity.EmailVerified {
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", ErrEmailNotVerified, nil)
		return nil, false, ErrEmailNotVerified
	}

	e.maybeUpgradeHash(ctx, identity, plaintext)

	return identity, exempt, nil
}

// loginFailed records one failure. The attempt that reaches the threshold
// already reports RateLimited.
func (e *Engine) loginFailed(ctx context.Context, email, userID string) error {
	e.metricInc(MetricLoginFailure)

	f, err := e.loginLockout.RecordFailure(ctx, email)
	if err != nil {
		return unavailable(err)
	}
	if f.Locked {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, userID, "", ErrRateLimited, nil)
		e.emitRateLimit(ctx, "login", userID, f.RetryAfter)
		return rateLimited(f.RetryAfter)
	}

	e.emitAudit(ctx, auditEventLoginFailure, false, userID, "", ErrInvalidCredentials, nil)
	return ErrInvalidCredentials
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, identity *UserIdentity, plaintext string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.passwordHash.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		return
	}
	if err := e.credentials.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		e.logger.Warn("password rehash failed",
			zap.String("op", "login"),
			zap.String("user_id", identity.ID),
			zap.Error(err),
		)
	}
}

// decideTier routes a verified identity to a challenge or to the
// coordinator.
func (e *Engine) decideTier(ctx context.Context, identity *UserIdentity, exempt bool, device DeviceInfo, browser BrowserSessions) (*LoginOutcome, error) {
	profile := profileOf(identity)
	fingerprint := internal.DeviceFingerprint(device.UserAgent)

	known := true
	if !exempt && !profile.MFAEnabled {
		var err error
		known, err = e.devices.Known(ctx, identity.ID, fingerprint)
		if err != nil {
			return nil, unavailable(err)
		}
	}

	tier := flows.DecideTier(profile, known, exempt)
	switch tier {
	case flows.TierMFA, flows.TierNewDevice:
		challenge, err := e.openChallenge(ctx, identity, tier, device, fingerprint)
		if err != nil {
			return nil, err
		}
		kind := OutcomeMFAChallenge
		if tier == flows.TierNewDevice {
			kind = OutcomeNewDeviceChallenge
		}
		return &LoginOutcome{Kind: kind, Challenge: challenge}, nil
	}

	issued, err := e.issueSession(ctx, verifiedIdentity{identity: identity, method: "password"}, device, browser)
	if err != nil {
		return nil, err
	}
	return &LoginOutcome{Kind: OutcomeTrusted, Session: issued}, nil
}

func (e *Engine) openChallenge(ctx context.Context, identity *UserIdentity, tier flows.Tier, device DeviceInfo, fingerprint string) (*Challenge, error) {
	kind := tier.PendingKind()
	binding := internal.HashBindingValue(device.IP, fingerprint)

	token, claims, err := e.pendingSigner.Issue(identity.ID, kind, binding)
	if err != nil {
		return nil, err
	}
	if err := e.pending.Open(ctx, claims.ID, identity.ID, kind, e.pendingSigner.TTL()); err != nil {
		return nil, unavailable(err)
	}

	profile := profileOf(identity)
	challenge := &Challenge{
		Kind:           kind,
		PendingToken:   token,
		ExpiresAt:      claims.ExpiresAt.Time,
		Factors:        factorNames(flows.AvailableFactors(kind, profile)),
		HasSecurityKey: profile.HasStrongFactor(),
	}

	event, metric := auditEventMFAChallengeIssued, MetricMFAChallengeIssued
	if tier == flows.TierNewDevice {
		event, metric = auditEventNewDeviceChallenge, MetricNewDeviceChallengeIssued
	}
	e.metricInc(metric)
	e.emitAudit(ctx, event, true, identity.ID, "", nil, func() map[string]string {
		return map[string]string{
			"factors":     strings.Join(challenge.Factors, ","),
			"device_type": string(internal.ClassifyDevice(device.UserAgent)),
		}
	})

	return challenge, nil
}

func factorNames(factors []flows.Factor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, string(f))
	}
	return out
}
