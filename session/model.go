package session

import "time"

// Session is the server-side record of one signed-in account on one device.
type Session struct {
	SessionID string
	UserID    string

	DeviceName  string
	DeviceType  string
	UserAgent   string
	IP          string
	Fingerprint string

	RefreshHash [32]byte
	// BindingHash is zero for sessions created before per-session binding
	// secrets existed; such sessions can only be rotated with the refresh secret.
	BindingHash [32]byte

	Banned    bool
	BanReason string

	CreatedAt    int64
	LastActiveAt int64
	ExpiresAt    int64
}

// Expired reports whether the record's absolute lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || now.Unix() >= s.ExpiresAt
}

// HasBinding reports whether the session carries a binding-secret hash.
func (s *Session) HasBinding() bool {
	return s != nil && s.BindingHash != [32]byte{}
}
