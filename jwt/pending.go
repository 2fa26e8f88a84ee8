package jwt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const pendingAudience = "pending-verification"

var (
	// ErrPendingInvalid covers bad signatures, expiry and malformed claims.
	ErrPendingInvalid = errors.New("pending token invalid")
	// ErrPendingKind means the token is valid but for a different step.
	ErrPendingKind = errors.New("pending token kind mismatch")
)

// PendingClaims is the payload of a pending verification token. Binding is
// the base64url SHA-256 of the client IP and device fingerprint the token
// was issued to.
type PendingClaims struct {
	Kind    string `json:"kind"`
	Binding string `json:"bnd"`
	jwt.RegisteredClaims
}

// BindingHash decodes the bnd claim.
func (c *PendingClaims) BindingHash() ([32]byte, error) {
	var out [32]byte
	raw, err := base64.RawURLEncoding.DecodeString(c.Binding)
	if err != nil || len(raw) != len(out) {
		return out, ErrPendingInvalid
	}
	copy(out[:], raw)
	return out, nil
}

// PendingSigner issues HS256 tokens for the step between a correct password
// and a completed second factor. It never shares a key with the access
// token manager.
type PendingSigner struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

func NewPendingSigner(key []byte, ttl time.Duration, issuer string) (*PendingSigner, error) {
	if len(key) < 32 {
		return nil, errors.New("pending signer requires a key of at least 32 bytes")
	}
	if ttl <= 0 || ttl > time.Hour {
		return nil, errors.New("invalid pending token TTL")
	}
	return &PendingSigner{key: append([]byte(nil), key...), ttl: ttl, issuer: issuer}, nil
}

func (p *PendingSigner) TTL() time.Duration {
	return p.ttl
}

// Issue signs a token for userID. The returned jti names the server-side
// entry that makes the token single-use.
func (p *PendingSigner) Issue(userID, kind string, binding [32]byte) (string, *PendingClaims, error) {
	if userID == "" || kind == "" {
		return "", nil, errors.New("pending token requires subject and kind")
	}

	now := time.Now()
	claims := &PendingClaims{
		Kind:    kind,
		Binding: base64.RawURLEncoding.EncodeToString(binding[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{pendingAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// Parse verifies the token and requires its kind to be one of kinds.
func (p *PendingSigner) Parse(tokenStr string, kinds ...string) (*PendingClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(pendingAudience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		options = append(options, jwt.WithIssuer(p.issuer))
	}

	claims := &PendingClaims{}
	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return p.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingInvalid, err)
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrPendingInvalid
	}
	if _, err := claims.BindingHash(); err != nil {
		return nil, err
	}
	if len(kinds) > 0 && !slices.Contains(kinds, claims.Kind) {
		return nil, ErrPendingKind
	}
	return claims, nil
}
