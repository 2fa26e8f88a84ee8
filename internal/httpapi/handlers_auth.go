package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/internal/logger"
	"github.com/MrEthical07/multiauth/middleware"
)

func sessionData(s *multiauth.IssuedSession) map[string]any {
	return map[string]any{
		"userId":          s.UserID,
		"sessionId":       s.SessionID,
		"accessToken":     s.AccessToken,
		"accessExpiresAt": s.AccessExpiresAt.UTC().Format(time.RFC3339),
		"expiresAt":       s.ExpiresAt.UTC().Format(time.RFC3339),
		"newDevice":       s.NewDevice,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.engine.Register(r.Context(), multiauth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Device:   s.device(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{
		Success: true,
		Message: "Account created.",
		Data: map[string]any{
			"userId":        u.ID,
			"email":         u.Email,
			"emailVerified": u.EmailVerified,
		},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.engine.Login(r.Context(), multiauth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Device:   s.device(r),
		Browser:  browser(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch out.Kind {
	case multiauth.OutcomeTrusted:
		s.cookies.setIssued(w, r, out.Session)
		logger.From(r.Context()).Info("login succeeded",
			logger.UserID(out.Session.UserID), logger.SessionID(out.Session.SessionID))
		msg := "Login successful."
		if out.Session.Switched {
			msg = "Switched to the signed-in account."
		}
		writeOK(w, msg, sessionData(out.Session))
	case multiauth.OutcomeMFAChallenge:
		s.cookies.setPending(w, out.Challenge.PendingToken)
		writeFlag(w, CodeMFARequired, "Multi-factor verification required.", challengeData(out.Challenge, "mfaRequired"))
	case multiauth.OutcomeNewDeviceChallenge:
		s.cookies.setPending(w, out.Challenge.PendingToken)
		writeFlag(w, CodeNewDeviceRequired, "Verify this new device to continue.", challengeData(out.Challenge, "newDeviceVerificationRequired"))
	default:
		s.writeError(w, r, errors.New("unknown login outcome"))
	}
}

// challengeData discloses which factors exist, never their secrets.
func challengeData(c *multiauth.Challenge, flag string) map[string]any {
	factors := c.Factors
	if factors == nil {
		factors = []string{}
	}
	return map[string]any{
		flag:             true,
		"factors":        factors,
		"hasSecurityKey": c.HasSecurityKey,
		"expiresAt":      c.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b := browser(r)
	sess, err := s.engine.Refresh(r.Context(), b)
	if err != nil {
		if errors.Is(err, multiauth.ErrSessionExpiredOrInvalid) || errors.Is(err, multiauth.ErrAccountBanned) {
			s.cookies.dropActive(w, r, b)
		}
		s.writeError(w, r, err)
		return
	}
	s.cookies.setIssued(w, r, sess)
	writeOK(w, "Session refreshed.", sessionData(sess))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := browser(r)
	res, err := s.engine.Logout(r.Context(), b, req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cookies.applyLogout(w, r, b, res.NextActive, res.Remaining)
	writeOK(w, "Logged out.", logoutData(res))
}

// handleLogoutEverywhere signs the active account out on every device.
func (s *Server) handleLogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	b := browser(r)
	res, err := s.engine.LogoutEverywhere(r.Context(), b)
	if err != nil {
		if errors.Is(err, multiauth.ErrSessionExpiredOrInvalid) {
			s.cookies.dropActive(w, r, b)
		}
		s.writeError(w, r, err)
		return
	}
	s.cookies.applyLogout(w, r, b, res.NextActive, res.Remaining)
	writeOK(w, "Logged out from all devices.", logoutData(res))
}

func logoutData(res *multiauth.LogoutResult) map[string]any {
	return map[string]any{
		"activeSessionId":   res.NextActive,
		"remainingAccounts": len(res.Remaining),
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.AccessFromContext(r.Context())
	if !ok {
		s.writeError(w, r, multiauth.ErrSessionExpiredOrInvalid)
		return
	}
	writeOK(w, "", map[string]any{
		"userId":    ac.UserID,
		"sessionId": ac.SessionID,
		"expiresAt": ac.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
