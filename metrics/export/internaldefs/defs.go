package internaldefs

import (
	"github.com/MrEthical07/multiauth"
)

type CounterDef struct {
	ID   multiauth.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   multiauth.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: multiauth.MetricLoginSuccess, Name: "multiauth_login_success_total", Help: "Logins that reached a session or a challenge."},
	{ID: multiauth.MetricLoginFailure, Name: "multiauth_login_failure_total", Help: "Logins rejected for bad credentials or account state."},
	{ID: multiauth.MetricLoginRateLimited, Name: "multiauth_login_rate_limited_total", Help: "Logins rejected by the lockout."},
	{ID: multiauth.MetricLoginBanned, Name: "multiauth_login_banned_total", Help: "Logins rejected because the account is banned."},
	{ID: multiauth.MetricMFAChallengeIssued, Name: "multiauth_mfa_challenge_issued_total", Help: "MFA challenges issued."},
	{ID: multiauth.MetricNewDeviceChallengeIssued, Name: "multiauth_new_device_challenge_issued_total", Help: "New-device challenges issued."},
	{ID: multiauth.MetricFactorSuccess, Name: "multiauth_factor_success_total", Help: "Second factors accepted."},
	{ID: multiauth.MetricFactorFailure, Name: "multiauth_factor_failure_total", Help: "Second factors rejected."},
	{ID: multiauth.MetricMFALockout, Name: "multiauth_mfa_lockout_total", Help: "MFA lockouts triggered."},
	{ID: multiauth.MetricPendingBindingViolation, Name: "multiauth_pending_binding_violation_total", Help: "Pending tokens presented from another device."},
	{ID: multiauth.MetricOTPSent, Name: "multiauth_otp_sent_total", Help: "One-time codes issued."},
	{ID: multiauth.MetricBackupCodeUsed, Name: "multiauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: multiauth.MetricBackupCodeRegenerated, Name: "multiauth_backup_code_regenerated_total", Help: "Backup code sets regenerated."},
	{ID: multiauth.MetricTOTPReplayRejected, Name: "multiauth_totp_replay_rejected_total", Help: "TOTP codes rejected as already used."},
	{ID: multiauth.MetricSessionCreated, Name: "multiauth_session_created_total", Help: "Sessions created."},
	{ID: multiauth.MetricAccountSwitched, Name: "multiauth_account_switched_total", Help: "Active account switches."},
	{ID: multiauth.MetricAlreadyLoggedIn, Name: "multiauth_already_logged_in_total", Help: "Logins rejected as already signed in on this device."},
	{ID: multiauth.MetricMaxAccountsReached, Name: "multiauth_max_accounts_reached_total", Help: "Logins rejected by the per-browser account limit."},
	{ID: multiauth.MetricRefreshSuccess, Name: "multiauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: multiauth.MetricRefreshFailure, Name: "multiauth_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: multiauth.MetricLegacySessionMigrated, Name: "multiauth_legacy_session_migrated_total", Help: "Legacy cookie sessions migrated."},
	{ID: multiauth.MetricLogout, Name: "multiauth_logout_total", Help: "Single-session logouts."},
	{ID: multiauth.MetricLogoutAll, Name: "multiauth_logout_all_total", Help: "Logout-all operations."},
	{ID: multiauth.MetricSessionRevoked, Name: "multiauth_session_revoked_total", Help: "Sessions revoked and announced."},
	{ID: multiauth.MetricAccountCreationSuccess, Name: "multiauth_account_creation_success_total", Help: "Accounts registered."},
	{ID: multiauth.MetricAccountCreationDuplicate, Name: "multiauth_account_creation_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: multiauth.MetricPasswordChangeSuccess, Name: "multiauth_password_change_success_total", Help: "Password changes."},
	{ID: multiauth.MetricPasswordResetRequest, Name: "multiauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: multiauth.MetricPasswordResetConfirmSuccess, Name: "multiauth_password_reset_confirm_success_total", Help: "Password resets completed."},
	{ID: multiauth.MetricPasswordResetConfirmFailure, Name: "multiauth_password_reset_confirm_failure_total", Help: "Password reset confirmations rejected."},
	{ID: multiauth.MetricSuperSecureChanged, Name: "multiauth_super_secure_changed_total", Help: "Super Secure mode toggles."},
	{ID: multiauth.MetricRateLimitHit, Name: "multiauth_rate_limit_hit_total", Help: "Throttle checks that denied a request."},
	{ID: multiauth.MetricIdentityExemption, Name: "multiauth_identity_exemption_total", Help: "Decisions taken under the test identity exemption."},
	{ID: multiauth.MetricNotificationFailure, Name: "multiauth_notification_failure_total", Help: "Notifications that failed to deliver."},
}

var HistogramDefs = []HistogramDef{
	{ID: multiauth.MetricLoginLatency, Name: "multiauth_login_latency_seconds", Help: "Login latency."},
}

const AuditDroppedName = "multiauth_audit_dropped_total"
const AuditDroppedHelp = "Audit events dropped because the dispatcher queue was full."

// HistogramBounds are the bucket upper bounds in seconds, matching
// multiauth.HistogramBoundsMillis, plus the unbounded last bucket.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// BoundsSeconds are the finite bucket bounds as numbers.
func BoundsSeconds() []float64 {
	out := make([]float64, len(multiauth.HistogramBoundsMillis))
	for i, ms := range multiauth.HistogramBoundsMillis {
		out[i] = ms / 1000
	}
	return out
}

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
