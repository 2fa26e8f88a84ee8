package multiauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/internal/limiters"
	"github.com/MrEthical07/multiauth/internal/stores"
	"github.com/MrEthical07/multiauth/password"
	"go.uber.org/zap"
)

// RegisterRequest creates a password account.
type RegisterRequest struct {
	Email    string
	Password string
	Device   DeviceInfo
}

// Register creates a new identity. Registration is throttled per client IP.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*UserIdentity, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.Registration.Enabled {
		return nil, ErrFactorUnavailable
	}

	email := NormalizeEmail(req.Email)
	if !plausibleEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidRequest)
	}
	device := deviceFromContext(ctx, req.Device)

	if device.IP != "" {
		retry, err := e.registerThrottle.Allow(ctx, device.IP)
		if err != nil {
			if errors.Is(err, limiters.ErrThrottled) {
				e.emitRateLimit(ctx, "register", "", retry)
				return nil, rateLimited(retry)
			}
			return nil, unavailable(err)
		}
	}

	hash, err := e.hashPassword(req.Password)
	if err != nil {
		e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", err, nil)
		return nil, err
	}

	identity, err := e.credentials.Create(ctx, CreateIdentityInput{
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: !e.config.Registration.RequireEmailVerification,
	})
	if err != nil {
		if errors.Is(err, ErrIdentityExists) {
			e.metricInc(MetricAccountCreationDuplicate)
			e.emitAudit(ctx, auditEventAccountCreationFailure, false, "", "", ErrAccountExists, nil)
			return nil, ErrAccountExists
		}
		return nil, unavailable(err)
	}

	e.metricInc(MetricAccountCreationSuccess)
	e.emitAudit(ctx, auditEventAccountCreationSuccess, true, identity.ID, "", nil, nil)
	return identity, nil
}

// ChangePassword replaces the active account's password after checking the
// current one, then signs the account out everywhere.
func (e *Engine) ChangePassword(ctx context.Context, browser BrowserSessions, oldPassword, newPassword string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}
	active, err := e.activeSession(ctx, browser)
	if err != nil {
		return err
	}
	identity, err := e.identityByID(ctx, active.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrSessionExpiredOrInvalid
		}
		return err
	}
	if identity.Banned {
		return &BanError{Reason: identity.BanReason}
	}
	if identity.PasswordHash == "" {
		return ErrNoPasswordSet
	}

	email := NormalizeEmail(identity.Email)
	retry, err := e.loginLockout.Check(ctx, email)
	if err != nil {
		return unavailable(err)
	}
	if retry > 0 {
		e.emitRateLimit(ctx, "password_change", identity.ID, retry)
		return rateLimited(retry)
	}

	ok, _ := e.passwordHash.Verify(oldPassword, identity.PasswordHash)
	if !ok {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, identity.ID, active.SessionID, ErrInvalidCredentials, nil)
		return e.loginFailed(ctx, email, identity.ID)
	}
	if oldPassword == newPassword {
		return fmt.Errorf("%w: new password must differ", ErrPasswordPolicy)
	}

	hash, err := e.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := e.credentials.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return unavailable(err)
	}
	if err := e.loginLockout.Reset(ctx, email); err != nil {
		e.logger.Warn("login counter reset failed", zap.String("op", "change_password"), zap.Error(err))
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, identity.ID, active.SessionID, nil, nil)

	if _, err := e.LogoutAll(ctx, identity.ID, "password_changed"); err != nil {
		return err
	}
	e.notify(ctx, Notification{
		Kind:   NotifyPasswordChanged,
		UserID: identity.ID,
		Email:  identity.Email,
	})
	return nil
}

// RequestPasswordReset sends a reset link when the email belongs to an
// active account. The result is identical whether or not it does.
func (e *Engine) RequestPasswordReset(ctx context.Context, emailInput string, device DeviceInfo) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ErrFactorUnavailable
	}
	email := NormalizeEmail(emailInput)
	if !plausibleEmail(email) {
		return fmt.Errorf("%w: invalid email", ErrInvalidRequest)
	}
	device = deviceFromContext(ctx, device)

	retry, err := e.resetThrottle.Allow(ctx, email)
	if err != nil {
		if errors.Is(err, limiters.ErrThrottled) {
			e.emitRateLimit(ctx, "password_reset", "", retry)
			return rateLimited(retry)
		}
		return unavailable(err)
	}

	e.metricInc(MetricPasswordResetRequest)

	identity, err := e.credentials.GetByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrIdentityNotFound) {
		return unavailable(err)
	}
	if identity == nil || identity.Deleted || identity.Banned {
		e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", "", nil, func() map[string]string {
			return map[string]string{"outcome": "no_eligible_account"}
		})
		return nil
	}

	resetID, err := internal.NewSessionID()
	if err != nil {
		return err
	}
	secret, err := internal.NewSecret()
	if err != nil {
		return err
	}
	ttl := e.config.PasswordReset.ResetTTL
	record := &stores.ResetRecord{
		UserID:     identity.ID,
		SecretHash: secret.Hash(),
		ExpiresAt:  e.clock().Add(ttl).Unix(),
	}
	if err := e.resets.Save(ctx, resetID.String(), record, ttl); err != nil {
		return unavailable(err)
	}
	token, err := internal.EncodeToken(resetID.String(), secret)
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, identity.ID, "", nil, nil)
	e.notify(ctx, Notification{
		Kind:       NotifyPasswordReset,
		UserID:     identity.ID,
		Email:      identity.Email,
		ResetToken: token,
		Device:     device,
	})
	return nil
}

// ConfirmPasswordReset sets a new password from a reset token and signs
// the account out everywhere.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if e == nil || e.credentials == nil {
		return ErrEngineNotReady
	}
	if !e.config.PasswordReset.Enabled {
		return ErrFactorUnavailable
	}
	resetID, secret, err := internal.DecodeToken(token)
	if err != nil {
		return ErrSessionExpiredOrInvalid
	}

	hash, err := e.hashPassword(newPassword)
	if err != nil {
		return err
	}

	record, err := e.resets.Consume(ctx, resetID, secret.Hash(), e.config.PasswordReset.MaxAttempts)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		if errors.Is(err, stores.ErrResetRedisUnavailable) {
			return unavailable(err)
		}
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrSessionExpiredOrInvalid, nil)
		return ErrSessionExpiredOrInvalid
	}

	identity, err := e.identityByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrSessionExpiredOrInvalid
		}
		return err
	}
	if err := e.credentials.UpdatePasswordHash(ctx, identity.ID, hash); err != nil {
		return unavailable(err)
	}
	if err := e.loginLockout.Unlock(ctx, NormalizeEmail(identity.Email)); err != nil {
		e.logger.Warn("login unlock failed", zap.String("op", "confirm_password_reset"), zap.Error(err))
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, identity.ID, "", nil, nil)

	if _, err := e.LogoutAll(ctx, identity.ID, "password_reset"); err != nil {
		return err
	}
	e.notify(ctx, Notification{
		Kind:   NotifyPasswordChanged,
		UserID: identity.ID,
		Email:  identity.Email,
		At:     e.clock(),
	})
	return nil
}

func (e *Engine) hashPassword(plaintext string) (string, error) {
	hash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) || errors.Is(err, password.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
		}
		return "", err
	}
	return hash, nil
}

func plausibleEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
