package multiauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/MrEthical07/multiauth/internal/flows"
)

// SetSuperSecure turns super-secure mode on or off for the active account.
// Enabling requires MFA, disabled OTP re-verification, a security key and
// a passkey; the identity is re-read so the check never trusts a stale
// profile. Either change signs the account out everywhere.
func (e *Engine) SetSuperSecure(ctx context.Context, browser BrowserSessions, enabled bool) error {
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

	if enabled {
		if missing := flows.SuperSecureMissing(profileOf(identity)); missing != "" {
			prereq := &PrerequisiteError{Requirement: missing}
			e.emitAudit(ctx, auditEventSuperSecureChanged, false, identity.ID, active.SessionID, prereq, func() map[string]string {
				return map[string]string{"missing": missing}
			})
			return prereq
		}
	}
	if identity.SuperSecure == enabled {
		return nil
	}

	if err := e.credentials.SetSuperSecure(ctx, identity.ID, enabled); err != nil {
		return unavailable(err)
	}

	e.metricInc(MetricSuperSecureChanged)
	e.emitAudit(ctx, auditEventSuperSecureChanged, true, identity.ID, active.SessionID, nil, func() map[string]string {
		return map[string]string{"enabled": strconv.FormatBool(enabled)}
	})

	if _, err := e.LogoutAll(ctx, identity.ID, "super_secure_changed"); err != nil {
		return err
	}
	e.notify(ctx, Notification{
		Kind:    NotifySuperSecureChanged,
		UserID:  identity.ID,
		Email:   identity.Email,
		Enabled: enabled,
	})
	return nil
}

// RegenerateBackupCodes replaces the active account's backup codes and
// returns the new ones for one-time display.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, browser BrowserSessions) ([]string, error) {
	if e == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	active, err := e.activeSession(ctx, browser)
	if err != nil {
		return nil, err
	}
	identity, err := e.identityByID(ctx, active.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrSessionExpiredOrInvalid
		}
		return nil, err
	}
	if !identity.MFAEnabled {
		return nil, &PrerequisiteError{Requirement: flows.RequirementMFA}
	}

	codes, hashes, err := flows.NewBackupCodes(identity.ID, e.config.BackupCodes.Count, e.config.BackupCodes.Length)
	if err != nil {
		return nil, err
	}
	if err := e.credentials.ReplaceBackupCodes(ctx, identity.ID, hashes); err != nil {
		return nil, unavailable(err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, identity.ID, active.SessionID, nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(len(codes))}
	})
	return codes, nil
}
