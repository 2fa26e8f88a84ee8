package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// DeviceType is the coarse class of a client derived from its user agent.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceBot     DeviceType = "bot"
	DeviceUnknown DeviceType = "unknown"
)

// FingerprintUserAgentLength bounds how much of the user agent feeds the
// fingerprint and is stored on a session.
const FingerprintUserAgentLength = 120

// TruncateUserAgent trims ua to FingerprintUserAgentLength bytes without
// splitting a UTF-8 sequence.
func TruncateUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if len(ua) <= FingerprintUserAgentLength {
		return ua
	}
	cut := FingerprintUserAgentLength
	for cut > 0 && ua[cut]&0xC0 == 0x80 {
		cut--
	}
	return ua[:cut]
}

// ClassifyDevice derives the coarse class from the parsed user agent. Android
// without a Mobile token counts as a tablet, as Android browsers only send
// Mobile on phones.
func ClassifyDevice(ua string) DeviceType {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return DeviceUnknown
	}
	p := useragent.New(ua)
	switch platform := p.Platform(); {
	case p.Bot():
		return DeviceBot
	case platform == "iPad", strings.Contains(ua, "Tablet"):
		return DeviceTablet
	case strings.HasPrefix(p.OS(), "Android") && !strings.Contains(ua, "Mobile"):
		return DeviceTablet
	case p.Mobile(), platform == "iPhone", platform == "iPod":
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// DeviceName renders a short human label such as "Firefox on Linux".
func DeviceName(ua string) string {
	p := useragent.New(strings.TrimSpace(ua))

	browser, _ := p.Browser()
	if browser == "" {
		browser = "Unknown browser"
	}
	return browser + " on " + osLabel(p)
}

func osLabel(p *useragent.UserAgent) string {
	os := p.OS()
	switch platform := p.Platform(); {
	case platform == "iPhone", platform == "iPad", platform == "iPod":
		return "iOS"
	case platform == "Macintosh":
		return "macOS"
	case strings.HasPrefix(os, "Android"):
		return "Android"
	case strings.HasPrefix(os, "Windows"), platform == "Windows":
		return "Windows"
	case strings.Contains(os, "Linux"), platform == "X11", platform == "Linux":
		return "Linux"
	default:
		return "unknown OS"
	}
}

// DeviceFingerprint combines the coarse device type with the truncated user
// agent. It is stable across IP changes and deliberately coarse.
func DeviceFingerprint(ua string) string {
	sum := sha256.Sum256([]byte(string(ClassifyDevice(ua)) + "|" + TruncateUserAgent(ua)))
	return hex.EncodeToString(sum[:16])
}

// HashBindingValue hashes the IP+fingerprint pair a pending verification is
// bound to.
func HashBindingValue(ip, fingerprint string) [32]byte {
	return sha256.Sum256([]byte(strings.TrimSpace(ip) + "|" + fingerprint))
}
