package flows

// Super-secure prerequisites, reported as the first one missing.
const (
	RequirementMFA               = "mfa_enabled"
	RequirementOTPReverification = "otp_reverification_disabled"
	RequirementSecurityKey       = "security_key_registered"
	RequirementPasskey           = "passkey_registered"
)

// SuperSecureMissing returns the first unmet prerequisite for enabling
// super-secure mode, or "" when all hold.
func SuperSecureMissing(p Profile) string {
	switch {
	case !p.MFAEnabled:
		return RequirementMFA
	case !p.OTPReverificationDisabled:
		return RequirementOTPReverification
	case p.SecurityKeyCount < 1:
		return RequirementSecurityKey
	case p.PasskeyCount < 1:
		return RequirementPasskey
	default:
		return ""
	}
}
