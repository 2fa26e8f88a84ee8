package flows

// Tier is the verification step required after credentials check out.
type Tier uint8

const (
	TierTrusted Tier = iota
	TierMFA
	TierNewDevice
)

func (t Tier) String() string {
	switch t {
	case TierMFA:
		return "mfa"
	case TierNewDevice:
		return "new_device"
	default:
		return "trusted"
	}
}

// Pending verification kinds.
const (
	KindMFAPending       = "mfa_pending"
	KindNewDevicePending = "new_device_pending"
)

// PendingKind maps a challenge tier to the kind carried by its token.
func (t Tier) PendingKind() string {
	switch t {
	case TierMFA:
		return KindMFAPending
	case TierNewDevice:
		return KindNewDevicePending
	default:
		return ""
	}
}

// Profile is the slice of an identity the decision tables look at.
type Profile struct {
	MFAEnabled                bool
	HasTOTPSecret             bool
	BackupCodesRemaining      int
	EmailOTPEnabled           bool
	NotificationOTPEnabled    bool
	OTPReverificationDisabled bool
	SuperSecure               bool
	SecurityKeyCount          int
	PasskeyCount              int
}

// HasStrongFactor reports whether a security key or passkey is registered.
func (p Profile) HasStrongFactor() bool {
	return p.SecurityKeyCount > 0 || p.PasskeyCount > 0
}

// DecideTier picks the step after a verified password. Exempt identities
// always land on TierTrusted.
func DecideTier(p Profile, deviceKnown, exempt bool) Tier {
	switch {
	case exempt:
		return TierTrusted
	case p.MFAEnabled:
		return TierMFA
	case !deviceKnown:
		return TierNewDevice
	default:
		return TierTrusted
	}
}
