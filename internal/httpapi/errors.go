package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/internal/logger"
	"go.uber.org/zap"
)

// Stable machine-readable codes.
const (
	CodeInvalidCredentials       = "INVALID_CREDENTIALS"
	CodeAccountBanned            = "ACCOUNT_BANNED"
	CodeEmailNotVerified         = "EMAIL_NOT_VERIFIED"
	CodeNoPasswordSet            = "NO_PASSWORD_SET"
	CodePasswordLoginDisabled    = "PASSWORD_LOGIN_DISABLED"
	CodeRateLimited              = "RATE_LIMITED"
	CodeMFARequired              = "MFA_REQUIRED"
	CodeNewDeviceRequired        = "NEW_DEVICE_REQUIRED"
	CodeSessionSecurityViolation = "SESSION_SECURITY_VIOLATION"
	CodeSuperSecureEnforced      = "SUPER_SECURE_ENFORCED"
	CodeSecurityKeyRequired      = "SECURITY_KEY_REQUIRED"
	CodeAlreadyLoggedIn          = "ALREADY_LOGGED_IN_SAME_DEVICE"
	CodeMaxAccountsReached       = "MAX_ACCOUNTS_REACHED"
	CodeSessionExpired           = "SESSION_EXPIRED_OR_INVALID"
	CodePrerequisiteNotMet       = "PREREQUISITE_NOT_MET"
	CodeFactorUnavailable        = "FACTOR_UNAVAILABLE"
	CodeAccountExists            = "ACCOUNT_EXISTS"
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodePasswordPolicy           = "PASSWORD_POLICY"
	CodeBackendUnavailable       = "BACKEND_UNAVAILABLE"
	CodeInternal                 = "INTERNAL_ERROR"
)

type apiError struct {
	status  int
	code    string
	message string
	data    map[string]any
}

var errorTable = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{multiauth.ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid email or password."},
	{multiauth.ErrSessionExpiredOrInvalid, http.StatusUnauthorized, CodeSessionExpired, "Session expired or invalid. Please sign in again."},
	{multiauth.ErrSessionSecurityViolation, http.StatusUnauthorized, CodeSessionSecurityViolation, "Verification must be completed from the device that started it."},
	{multiauth.ErrMFARequired, http.StatusUnauthorized, CodeMFARequired, "Multi-factor verification required."},
	{multiauth.ErrNewDeviceRequired, http.StatusUnauthorized, CodeNewDeviceRequired, "New device verification required."},
	{multiauth.ErrAccountBanned, http.StatusForbidden, CodeAccountBanned, "This account has been suspended."},
	{multiauth.ErrEmailNotVerified, http.StatusForbidden, CodeEmailNotVerified, "Verify your email address before signing in."},
	{multiauth.ErrNoPasswordSet, http.StatusForbidden, CodeNoPasswordSet, "This account has no password. Use your sign-in provider."},
	{multiauth.ErrPasswordLoginDisabled, http.StatusForbidden, CodePasswordLoginDisabled, "Password sign-in is disabled for this account."},
	{multiauth.ErrSuperSecureEnforced, http.StatusForbidden, CodeSuperSecureEnforced, "This account requires a security key or passkey."},
	{multiauth.ErrSecurityKeyRequired, http.StatusForbidden, CodeSecurityKeyRequired, "Verify this device with your security key."},
	{multiauth.ErrPrerequisiteNotMet, http.StatusForbidden, CodePrerequisiteNotMet, "Account requirements for this change are not met."},
	{multiauth.ErrAlreadyLoggedInSameDevice, http.StatusConflict, CodeAlreadyLoggedIn, "This account is already signed in on this device."},
	{multiauth.ErrMaxAccountsReached, http.StatusConflict, CodeMaxAccountsReached, "Maximum number of signed-in accounts reached."},
	{multiauth.ErrAccountExists, http.StatusConflict, CodeAccountExists, "An account with this email already exists."},
	{multiauth.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited, "Too many attempts. Try again later."},
	{multiauth.ErrPasswordPolicy, http.StatusBadRequest, CodePasswordPolicy, "Password does not meet the policy."},
	{multiauth.ErrFactorUnavailable, http.StatusBadRequest, CodeFactorUnavailable, "This verification method is not available."},
	{multiauth.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidRequest, "Invalid request."},
	{multiauth.ErrBackendUnavailable, http.StatusServiceUnavailable, CodeBackendUnavailable, "Service temporarily unavailable."},
	{multiauth.ErrEngineNotReady, http.StatusServiceUnavailable, CodeBackendUnavailable, "Service temporarily unavailable."},
}

// mapError turns any error into its HTTP form. Unknown errors become a
// generic 500.
func mapError(err error) apiError {
	for _, row := range errorTable {
		if !errors.Is(err, row.target) {
			continue
		}
		out := apiError{status: row.status, code: row.code, message: row.message}

		var rl *multiauth.RateLimitError
		var ban *multiauth.BanError
		var limit *multiauth.AccountLimitError
		var attempt *multiauth.AttemptError
		var prereq *multiauth.PrerequisiteError
		switch {
		case errors.As(err, &rl):
			out.data = map[string]any{"retryAfter": rl.RetryAfterSeconds()}
		case errors.As(err, &ban):
			if ban.Reason != "" {
				out.data = map[string]any{"reason": ban.Reason}
			}
		case errors.As(err, &limit):
			out.data = map[string]any{"current": limit.Current, "limit": limit.Limit}
		case errors.As(err, &attempt):
			out.data = map[string]any{"attemptsRemaining": attempt.Remaining}
		case errors.As(err, &prereq):
			out.data = map[string]any{"requirement": prereq.Requirement}
		}
		return out
	}
	return apiError{status: http.StatusInternalServerError, code: CodeInternal, message: "Internal server error."}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := mapError(err)
	log := logger.From(r.Context())
	switch {
	case ae.status >= 500:
		log.Error("request failed", zap.String("code", ae.code), zap.Error(err))
	case ae.status == http.StatusUnauthorized || ae.status == http.StatusForbidden:
		log.Info("request denied", zap.String("code", ae.code), zap.Error(err))
	default:
		log.Debug("request rejected", zap.String("code", ae.code), zap.Error(err))
	}

	if ae.status == http.StatusTooManyRequests {
		if v, ok := ae.data["retryAfter"].(int); ok && v > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(v))
		}
	}
	env := Envelope{Success: false, Message: ae.message, Code: ae.code}
	if ae.data != nil {
		env.Data = ae.data
	}
	writeJSON(w, ae.status, env)
}
