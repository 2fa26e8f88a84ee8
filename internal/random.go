package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

// SessionID is the opaque identifier of a session or a reset challenge.
type SessionID [16]byte

// Secret is a 256-bit random value; refresh and binding secrets are Secrets.
type Secret [32]byte

const compositeTokenSize = len(SessionID{}) + len(Secret{})

var (
	errInvalidSessionID = errors.New("invalid session id")
	errInvalidSecret    = errors.New("invalid secret")
	errInvalidToken     = errors.New("invalid token")
)

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil || len(raw) != len(sid) {
		return sid, errInvalidSessionID
	}

	copy(sid[:], raw)
	return sid, nil
}

// ValidSessionID reports whether s has the shape of a session id. Cookie
// names are derived from session ids, so anything else is ignored.
func ValidSessionID(s string) bool {
	_, err := ParseSessionID(s)
	return err == nil
}

func NewSecret() (Secret, error) {
	var secret Secret
	_, err := rand.Read(secret[:])
	return secret, err
}

// Hash is the at-rest form of a secret.
func (s Secret) Hash() [32]byte {
	return sha256.Sum256(s[:])
}

func (s Secret) String() string {
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSecret(value string) (Secret, error) {
	var secret Secret

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil || len(raw) != len(secret) {
		return secret, errInvalidSecret
	}

	copy(secret[:], raw)
	return secret, nil
}

// EncodeToken packs an id and its secret into one opaque string. Refresh
// tokens and password reset tokens use this layout.
func EncodeToken(id string, secret Secret) (string, error) {
	sid, err := ParseSessionID(id)
	if err != nil {
		return "", err
	}

	var raw [compositeTokenSize]byte
	copy(raw[:len(sid)], sid[:])
	copy(raw[len(sid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeToken(token string) (string, Secret, error) {
	var secret Secret

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil || len(raw) != compositeTokenSize {
		return "", secret, errInvalidToken
	}

	var sid SessionID
	copy(sid[:], raw[:len(sid)])
	copy(secret[:], raw[len(sid):])

	return sid.String(), secret, nil
}

// NewOTP returns a uniformly random numeric code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}
