package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrEthical07/multiauth"
)

// pendingDead reports errors after which the mfa_session cookie is useless.
func pendingDead(err error) bool {
	return errors.Is(err, multiauth.ErrSessionSecurityViolation) ||
		errors.Is(err, multiauth.ErrSessionExpiredOrInvalid)
}

func (s *Server) pendingFailed(w http.ResponseWriter, r *http.Request, err error) {
	if pendingDead(err) {
		s.cookies.clear(w, cookiePending)
	}
	s.writeError(w, r, err)
}

// handleVerify takes a TOTP or backup code.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req factorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch req.Factor {
	case "":
		req.Factor = multiauth.FactorTOTP
	case multiauth.FactorTOTP, multiauth.FactorBackupCode:
	default:
		s.writeError(w, r, fmt.Errorf("%w: factor must be totp or backup_code", multiauth.ErrInvalidRequest))
		return
	}
	s.verify(w, r, req)
}

// handleVerifyOTP takes an emailed or in-app one-time code.
func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req factorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch req.Factor {
	case "":
		req.Factor = multiauth.FactorEmailOTP
	case multiauth.FactorEmailOTP, multiauth.FactorNotificationOTP:
	default:
		s.writeError(w, r, fmt.Errorf("%w: factor must be email_otp or notification_otp", multiauth.ErrInvalidRequest))
		return
	}
	s.verify(w, r, req)
}

func (s *Server) handleVerifySecurityKey(w http.ResponseWriter, r *http.Request) {
	var req factorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Factor = multiauth.FactorSecurityKey
	s.verify(w, r, req)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, req factorRequest) {
	assertion, err := req.assertion()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.VerifyFactor(r.Context(), multiauth.FactorRequest{
		PendingToken: pendingToken(r),
		Factor:       req.Factor,
		Code:         req.Code,
		Assertion:    assertion,
		Device:       s.device(r),
		Browser:      browser(r),
	})
	if err != nil {
		s.pendingFailed(w, r, err)
		return
	}
	s.cookies.clear(w, cookiePending)
	s.cookies.setIssued(w, r, sess)
	writeOK(w, "Verification successful.", sessionData(sess))
}

func (s *Server) handleSendOTP(factor string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := decode(r, &emptyRequest{}); err != nil {
			s.writeError(w, r, err)
			return
		}
		d, err := s.engine.SendOTP(r.Context(), pendingToken(r), factor, s.device(r))
		if err != nil {
			s.pendingFailed(w, r, err)
			return
		}
		writeOK(w, "Verification code sent.", map[string]any{
			"factor":    d.Factor,
			"expiresAt": d.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.CheckPending(r.Context(), pendingToken(r), s.device(r))
	if err != nil {
		s.pendingFailed(w, r, err)
		return
	}
	factors := st.Factors
	if factors == nil {
		factors = []string{}
	}
	writeOK(w, "", map[string]any{
		"kind":           st.Kind,
		"factors":        factors,
		"hasSecurityKey": st.HasSecurityKey,
		"expiresAt":      st.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.InvalidatePending(r.Context(), pendingToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cookies.clear(w, cookiePending)
	writeOK(w, "Verification cancelled.", nil)
}
