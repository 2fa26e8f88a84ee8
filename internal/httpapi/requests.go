package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/MrEthical07/multiauth"
	"github.com/go-playground/validator/v10"
)

// bodies are checked against their validate tags after decoding; field
// names in errors are the json names.
var bodyValidator = newBodyValidator()

func newBodyValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// trimmer is implemented by bodies that normalize their fields before
// validation.
type trimmer interface {
	trim()
}

func validateBody(v any) error {
	if t, ok := v.(trimmer); ok {
		t.trim()
	}
	err := bodyValidator.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return fmt.Errorf("%w: %v", multiauth.ErrInvalidRequest, err)
	}
	f := fields[0]
	switch f.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", multiauth.ErrInvalidRequest, f.Field())
	default:
		return fmt.Errorf("%w: %s is malformed", multiauth.ErrInvalidRequest, f.Field())
	}
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (r *credentialsRequest) trim() {
	r.Email = strings.TrimSpace(r.Email)
}

// factorRequest is shared by the verify endpoints. Factor may be left empty
// on the single-purpose routes, which fill it in.
type factorRequest struct {
	Factor    string `json:"factor" validate:"omitempty,oneof=totp backup_code email_otp notification_otp security_key"`
	Code      string `json:"code" validate:"omitempty,max=64"`
	Assertion string `json:"assertion" validate:"omitempty,max=16384"`
}

func (r *factorRequest) trim() {
	r.Factor = strings.TrimSpace(r.Factor)
	r.Code = strings.TrimSpace(r.Code)
	r.Assertion = strings.TrimSpace(r.Assertion)
}

// assertion decodes the base64url (or standard base64) assertion blob.
func (r *factorRequest) assertion() ([]byte, error) {
	if r.Assertion == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(r.Assertion); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: assertion is not base64", multiauth.ErrInvalidRequest)
}

type switchRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

// logoutRequest targets one signed-in account; empty means the active one.
type logoutRequest struct {
	SessionID string `json:"sessionId" validate:"omitempty,max=128"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (r *forgotPasswordRequest) trim() {
	r.Email = strings.TrimSpace(r.Email)
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required"`
}

type superSecureRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// emptyRequest accepts an absent or {} body.
type emptyRequest struct{}
