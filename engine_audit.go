package multiauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventLoginRateLimited        = "login_rate_limited"
	auditEventMFAChallengeIssued      = "mfa_challenge_issued"
	auditEventNewDeviceChallenge      = "new_device_challenge_issued"
	auditEventPendingBindingViolation = "pending_binding_violation"
	auditEventPendingInvalidated      = "pending_invalidated"
	auditEventFactorSuccess           = "factor_success"
	auditEventFactorFailure           = "factor_failure"
	auditEventMFAAttemptsExceeded     = "mfa_attempts_exceeded"
	auditEventOTPSent                 = "otp_sent"
	auditEventBackupCodeUsed          = "backup_code_used"
	auditEventBackupCodesGenerated    = "backup_codes_generated"
	auditEventSessionCreated          = "session_created"
	auditEventAccountSwitched         = "account_switched"
	auditEventRefreshSuccess          = "refresh_success"
	auditEventRefreshInvalid          = "refresh_invalid"
	auditEventLegacyMigrated          = "legacy_session_migrated"
	auditEventLogoutSession           = "logout_session"
	auditEventLogoutAll               = "logout_all"
	auditEventSessionRevoked          = "session_revoked"
	auditEventAccountCreationSuccess  = "account_creation_success"
	auditEventAccountCreationFailure  = "account_creation_failure"
	auditEventPasswordChangeSuccess   = "password_change_success"
	auditEventPasswordChangeFailure   = "password_change_failure"
	auditEventPasswordResetRequest    = "password_reset_request"
	auditEventPasswordResetConfirm    = "password_reset_confirm"
	auditEventSuperSecureChanged      = "super_secure_changed"
	auditEventRateLimitTriggered      = "rate_limit_triggered"
	auditEventIdentityExemption       = "identity_exemption_applied"
)

// AuditErrorCode is the stable error label attached to failed audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials   AuditErrorCode = "invalid_credentials"
	auditErrAccountBanned        AuditErrorCode = "account_banned"
	auditErrEmailNotVerified     AuditErrorCode = "email_not_verified"
	auditErrNoPasswordSet        AuditErrorCode = "no_password_set"
	auditErrPasswordLoginOff     AuditErrorCode = "password_login_disabled"
	auditErrRateLimited          AuditErrorCode = "rate_limited"
	auditErrSecurityViolation    AuditErrorCode = "session_security_violation"
	auditErrSuperSecureEnforced  AuditErrorCode = "super_secure_enforced"
	auditErrSecurityKeyRequired  AuditErrorCode = "security_key_required"
	auditErrFactorUnavailable    AuditErrorCode = "factor_unavailable"
	auditErrAlreadyLoggedIn      AuditErrorCode = "already_logged_in"
	auditErrMaxAccounts          AuditErrorCode = "max_accounts_reached"
	auditErrSessionInvalid       AuditErrorCode = "session_expired_or_invalid"
	auditErrPrerequisiteNotMet   AuditErrorCode = "prerequisite_not_met"
	auditErrAccountExists        AuditErrorCode = "duplicate"
	auditErrInvalidRequest       AuditErrorCode = "invalid_request"
	auditErrPasswordPolicy       AuditErrorCode = "password_policy"
	auditErrUnavailable          AuditErrorCode = "backend_unavailable"
	auditErrInternal             AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		RequestID: requestIDFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, userID string, retryAfter time.Duration) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, "", ErrRateLimited, func() map[string]string {
		return map[string]string{
			"scope":       scope,
			"retry_after": retryAfter.Round(time.Second).String(),
		}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountBanned):
		return auditErrAccountBanned
	case errors.Is(err, ErrEmailNotVerified):
		return auditErrEmailNotVerified
	case errors.Is(err, ErrNoPasswordSet):
		return auditErrNoPasswordSet
	case errors.Is(err, ErrPasswordLoginDisabled):
		return auditErrPasswordLoginOff
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrSessionSecurityViolation):
		return auditErrSecurityViolation
	case errors.Is(err, ErrSuperSecureEnforced):
		return auditErrSuperSecureEnforced
	case errors.Is(err, ErrSecurityKeyRequired):
		return auditErrSecurityKeyRequired
	case errors.Is(err, ErrFactorUnavailable):
		return auditErrFactorUnavailable
	case errors.Is(err, ErrAlreadyLoggedInSameDevice):
		return auditErrAlreadyLoggedIn
	case errors.Is(err, ErrMaxAccountsReached):
		return auditErrMaxAccounts
	case errors.Is(err, ErrSessionExpiredOrInvalid):
		return auditErrSessionInvalid
	case errors.Is(err, ErrPrerequisiteNotMet):
		return auditErrPrerequisiteNotMet
	case errors.Is(err, ErrAccountExists):
		return auditErrAccountExists
	case errors.Is(err, ErrInvalidRequest):
		return auditErrInvalidRequest
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrBackendUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
