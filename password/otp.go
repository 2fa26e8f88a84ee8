package password

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// OTPHasher turns short numeric codes into keyed digests. The pepper keeps a
// leaked ephemeral store from being brute-forced offline over the 10^6
// code space.
type OTPHasher struct {
	pepper []byte
}

func NewOTPHasher(pepper []byte) (*OTPHasher, error) {
	if len(pepper) < 16 {
		return nil, errors.New("otp pepper must be at least 16 bytes")
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &OTPHasher{pepper: p}, nil
}

// Hash scopes the digest to purpose and subject so a code issued for one
// method or user never matches another.
func (h *OTPHasher) Hash(purpose, subject, code string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
