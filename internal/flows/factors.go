package flows

import "errors"

// Factor names a verification method.
type Factor string

const (
	FactorTOTP            Factor = "totp"
	FactorBackupCode      Factor = "backup_code"
	FactorEmailOTP        Factor = "email_otp"
	FactorNotificationOTP Factor = "notification_otp"
	FactorSecurityKey     Factor = "security_key"
)

var (
	ErrUnknownFactor       = errors.New("unknown factor")
	ErrFactorUnavailable   = errors.New("factor not available")
	ErrStrongFactorNeeded  = errors.New("strong factor required")
	ErrSuperSecureEnforced = errors.New("super secure enforced")
)

func ParseFactor(s string) (Factor, error) {
	switch f := Factor(s); f {
	case FactorTOTP, FactorBackupCode, FactorEmailOTP, FactorNotificationOTP, FactorSecurityKey:
		return f, nil
	default:
		return "", ErrUnknownFactor
	}
}

// Weak reports whether f is one of the factors super-secure accounts lose.
func (f Factor) Weak() bool {
	return f != FactorSecurityKey
}

// OTPMethod is the delivery method segment of the one-time code key.
func (f Factor) OTPMethod() string {
	switch f {
	case FactorEmailOTP:
		return "email"
	case FactorNotificationOTP:
		return "notification"
	default:
		return ""
	}
}

// AvailableFactors lists what a pending verification of kind accepts, in
// the order the client should offer them.
func AvailableFactors(kind string, p Profile) []Factor {
	var out []Factor
	for _, f := range []Factor{FactorSecurityKey, FactorTOTP, FactorBackupCode, FactorEmailOTP, FactorNotificationOTP} {
		if CheckFactor(kind, p, f) == nil {
			out = append(out, f)
		}
	}
	return out
}

// CheckFactor decides whether f may satisfy a pending verification of kind.
// The super-secure rule is evaluated first and on the flag alone.
func CheckFactor(kind string, p Profile, f Factor) error {
	if _, err := ParseFactor(string(f)); err != nil {
		return err
	}
	if p.SuperSecure && f.Weak() {
		return ErrSuperSecureEnforced
	}

	switch kind {
	case KindMFAPending:
		return checkMFAFactor(p, f)
	case KindNewDevicePending:
		return checkNewDeviceFactor(p, f)
	default:
		return ErrFactorUnavailable
	}
}

func checkMFAFactor(p Profile, f Factor) error {
	switch f {
	case FactorSecurityKey:
		if !p.HasStrongFactor() {
			return ErrFactorUnavailable
		}
	case FactorTOTP:
		if !p.MFAEnabled || !p.HasTOTPSecret {
			return ErrFactorUnavailable
		}
	case FactorBackupCode:
		if !p.MFAEnabled || p.BackupCodesRemaining <= 0 {
			return ErrFactorUnavailable
		}
	case FactorEmailOTP:
		if !p.EmailOTPEnabled || p.OTPReverificationDisabled {
			return ErrFactorUnavailable
		}
	case FactorNotificationOTP:
		if !p.NotificationOTPEnabled || p.OTPReverificationDisabled {
			return ErrFactorUnavailable
		}
	}
	return nil
}

// New-device verification proves control of a channel. Email is always
// reachable since unverified emails never get this far; strong-factor users
// are held to their strong factor.
func checkNewDeviceFactor(p Profile, f Factor) error {
	if p.HasStrongFactor() {
		if f == FactorSecurityKey {
			return nil
		}
		return ErrStrongFactorNeeded
	}

	switch f {
	case FactorEmailOTP:
		return nil
	case FactorNotificationOTP:
		if p.NotificationOTPEnabled {
			return nil
		}
	}
	return ErrFactorUnavailable
}
