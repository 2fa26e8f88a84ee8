package multiauth

import (
	"context"
	"strings"
	"time"
)

// UserIdentity is the persistent account record as the credential store
// returns it. The engine only reads it, except through the narrow
// CredentialStore mutators.
type UserIdentity struct {
	ID    string
	Email string
	// PasswordHash is empty for federated-only accounts.
	PasswordHash string

	Banned    bool
	BanReason string
	Deleted   bool

	EmailVerified             bool
	MFAEnabled                bool
	EmailOTPEnabled           bool
	NotificationOTPEnabled    bool
	OTPReverificationDisabled bool
	SuperSecure               bool

	SecurityKeyCount int
	PasskeyCount     int

	// MFASecret is the base32 TOTP secret; empty when no authenticator app
	// is enrolled.
	MFASecret            string
	BackupCodesRemaining int
}

// CreateIdentityInput is what registration hands to the credential store.
type CreateIdentityInput struct {
	Email         string
	PasswordHash  string
	EmailVerified bool
}

// CredentialStore is the persistent user record store.
//
// Lookups return ErrIdentityNotFound for unknown users; Create returns
// ErrIdentityExists for duplicate emails. Any other error is treated as the
// store being unavailable.
type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (*UserIdentity, error)
	GetByID(ctx context.Context, userID string) (*UserIdentity, error)
	Create(ctx context.Context, input CreateIdentityInput) (*UserIdentity, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	SetSuperSecure(ctx context.Context, userID string, enabled bool) error
	ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error
	// ConsumeBackupCode removes the matching unused code and reports how
	// many remain. ok is false when no unused code matched.
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (remaining int, ok bool, err error)
}

// NotificationKind selects what the notifier delivers.
type NotificationKind string

const (
	NotifyEmailOTP           NotificationKind = "email_otp"
	NotifyInAppOTP           NotificationKind = "notification_otp"
	NotifyNewDeviceLogin     NotificationKind = "new_device_login"
	NotifyBackupCodeUsed     NotificationKind = "backup_code_used"
	NotifyLowBackupCodes     NotificationKind = "low_backup_codes"
	NotifyPasswordReset      NotificationKind = "password_reset"
	NotifyPasswordChanged    NotificationKind = "password_changed"
	NotifySuperSecureChanged NotificationKind = "super_secure_changed"
)

// Notification is one outbound message. Code and ResetToken are only set
// for the kinds that deliver them.
type Notification struct {
	Kind       NotificationKind
	UserID     string
	Email      string
	Code       string
	ResetToken string
	Remaining  int
	Enabled    bool
	Device     DeviceInfo
	DeviceName string
	At         time.Time
}

// Notifier delivers notifications. Failures are logged and never fail the
// calling operation, except when the notification is the operation itself
// (sending an OTP).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RevocationEvent announces that a session id is no longer valid.
type RevocationEvent struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type RevocationPublisher interface {
	PublishRevocation(ctx context.Context, event RevocationEvent) error
}

// StrongFactorVerifier checks a WebAuthn-style assertion for a security key
// or passkey. A nil error means the assertion is valid for userID.
type StrongFactorVerifier interface {
	VerifyAssertion(ctx context.Context, userID string, assertion []byte) error
}

// DeviceInfo is the request metadata every flow is bound to.
type DeviceInfo struct {
	IP        string
	UserAgent string
}

// SessionCookie is one session_<id> cookie.
type SessionCookie struct {
	SessionID     string
	BindingSecret string
}

// BrowserSessions is the multi-account cookie set as the browser sent it.
// Nothing in it is trusted until the engine verifies it.
type BrowserSessions struct {
	// Active is the active_session pointer.
	Active string
	// Sessions keeps the order the cookies arrived in; the first remaining
	// one becomes active after a logout.
	Sessions []SessionCookie
	// LegacyRefreshToken is the pre-multi-account refreshToken cookie.
	LegacyRefreshToken string
}

// BindingSecret returns the secret paired with sessionID.
func (b BrowserSessions) BindingSecret(sessionID string) (string, bool) {
	for _, c := range b.Sessions {
		if c.SessionID == sessionID {
			return c.BindingSecret, true
		}
	}
	return "", false
}

// Factor names accepted by VerifyFactor and SendOTP.
const (
	FactorTOTP            = "totp"
	FactorBackupCode      = "backup_code"
	FactorEmailOTP        = "email_otp"
	FactorNotificationOTP = "notification_otp"
	FactorSecurityKey     = "security_key"
)

// OutcomeKind tags a LoginOutcome.
type OutcomeKind uint8

const (
	OutcomeTrusted OutcomeKind = iota + 1
	OutcomeMFAChallenge
	OutcomeNewDeviceChallenge
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeTrusted:
		return "trusted"
	case OutcomeMFAChallenge:
		return "mfa_challenge"
	case OutcomeNewDeviceChallenge:
		return "new_device_challenge"
	default:
		return "unknown"
	}
}

// LoginOutcome is the non-error result of Login. Denials are returned as
// errors instead.
type LoginOutcome struct {
	Kind      OutcomeKind
	Session   *IssuedSession
	Challenge *Challenge
}

// Challenge describes the pending verification a client must complete. It
// never carries secrets besides the pending token itself.
type Challenge struct {
	Kind           string
	PendingToken   string
	ExpiresAt      time.Time
	Factors        []string
	HasSecurityKey bool
}

// IssuedSession is what the coordinator hands back once a session is
// created, switched to or rotated.
type IssuedSession struct {
	UserID          string
	SessionID       string
	AccessToken     string
	AccessExpiresAt time.Time
	// RefreshToken and BindingSecret are empty on an account switch; the
	// browser already holds the session's binding cookie.
	RefreshToken  string
	BindingSecret string
	ExpiresAt     time.Time
	Switched      bool
	NewDevice     bool
}

// AccountSummary is one entry of the account switcher.
type AccountSummary struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DeviceName   string    `json:"device_name"`
	DeviceType   string    `json:"device_type"`
	Active       bool      `json:"active"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// LogoutResult names the session the browser should fall back to. Empty
// NextActive means no signed-in account remains.
type LogoutResult struct {
	NextActive string
	Remaining  []string
}

// PendingStatus is what check-session reports.
type PendingStatus struct {
	Kind           string
	UserID         string
	ExpiresAt      time.Time
	Factors        []string
	HasSecurityKey bool
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
