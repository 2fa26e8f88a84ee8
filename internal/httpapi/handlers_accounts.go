package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/internal/logger"
	"go.uber.org/zap"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.engine.ListAccounts(r.Context(), browser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := ""
	for _, a := range accounts {
		if a.Active {
			active = a.SessionID
		}
	}
	writeOK(w, "", map[string]any{
		"accounts":        accounts,
		"activeSessionId": active,
		"maxAccounts":     s.engine.Config().Accounts.MaxConcurrentAccounts,
	})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.SwitchAccount(r.Context(), browser(r), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cookies.setIssued(w, r, sess)
	writeOK(w, "Switched account.", sessionData(sess))
}

// handleLogoutBrowser signs out every account on this browser only.
func (s *Server) handleLogoutBrowser(w http.ResponseWriter, r *http.Request) {
	b := browser(r)
	if _, err := s.engine.LogoutBrowser(r.Context(), b); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.cookies.applyLogout(w, r, b, "", nil)
	writeOK(w, "Logged out of all accounts.", nil)
}

// reconcile drops cookies for sessions a credential change revoked. A
// lookup failure leaves the cookies alone; the next refresh clears them.
func (s *Server) reconcile(ctx context.Context, w http.ResponseWriter, r *http.Request, b multiauth.BrowserSessions) {
	accounts, err := s.engine.ListAccounts(ctx, b)
	if err != nil {
		logger.From(ctx).Warn("cookie reconcile failed", logger.Op("reconcile"), zap.Error(err))
		return
	}
	remaining := make([]string, 0, len(accounts))
	next := ""
	for _, a := range accounts {
		remaining = append(remaining, a.SessionID)
		if a.Active {
			next = a.SessionID
		}
	}
	s.cookies.applyLogout(w, r, b, next, remaining)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := browser(r)
	if err := s.engine.ChangePassword(r.Context(), b, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, multiauth.ErrSessionExpiredOrInvalid) {
			s.cookies.dropActive(w, r, b)
		}
		s.writeError(w, r, err)
		return
	}
	s.reconcile(r.Context(), w, r, b)
	writeOK(w, "Password changed. Other sessions were signed out.", nil)
}

const forgotMessage = "If an account exists for that email, a reset link has been sent."

// handleForgotPassword answers the same way whether or not the address is
// known. Only throttling and outages are reported.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.engine.RequestPasswordReset(r.Context(), req.Email, s.device(r))
	switch {
	case err == nil:
	case errors.Is(err, multiauth.ErrRateLimited),
		errors.Is(err, multiauth.ErrBackendUnavailable),
		errors.Is(err, multiauth.ErrEngineNotReady):
		s.writeError(w, r, err)
		return
	default:
		logger.From(r.Context()).Warn("password reset request failed", logger.Op("forgot_password"), zap.Error(err))
	}
	writeOK(w, forgotMessage, nil)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := browser(r)
	if len(b.Sessions) > 0 {
		s.reconcile(r.Context(), w, r, b)
	}
	writeOK(w, "Password has been reset. Sign in with your new password.", nil)
}

func (s *Server) handleSuperSecure(w http.ResponseWriter, r *http.Request) {
	var req superSecureRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b := browser(r)
	if err := s.engine.SetSuperSecure(r.Context(), b, *req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reconcile(r.Context(), w, r, b)
	msg := "Super secure mode disabled. All sessions were signed out."
	if *req.Enabled {
		msg = "Super secure mode enabled. All sessions were signed out."
	}
	writeOK(w, msg, map[string]any{"superSecure": *req.Enabled})
}

func (s *Server) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	if err := decode(r, &emptyRequest{}); err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.engine.RegenerateBackupCodes(r.Context(), browser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "New backup codes generated. Previous codes no longer work.", map[string]any{"codes": codes})
}
