package multiauth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/session"
	"go.uber.org/zap"
)

// Refresh rotates the active session's secrets and mints a new access
// token. The proof is the binding secret of the active session or, for
// browsers still on the single-session layout, the legacy refresh token.
// A successful legacy refresh returns a binding secret, which migrates the
// browser to the multi-account cookies.
func (e *Engine) Refresh(ctx context.Context, browser BrowserSessions) (*IssuedSession, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, rot, legacy, err := refreshProof(browser)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	refresh, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	binding, err := internal.NewSecret()
	if err != nil {
		return nil, err
	}
	rot.NextRefreshHash = refresh.Hash()
	rot.NextBindingHash = binding.Hash()
	rot.Now = e.clock()

	sess, err := e.sessions.Rotate(ctx, sessionID, rot)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, session.ErrRedisUnavailable) {
			return nil, unavailable(err)
		}
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrSessionExpiredOrInvalid, func() map[string]string {
			return map[string]string{"reason": err.Error()}
		})
		return nil, ErrSessionExpiredOrInvalid
	}

	if err := e.refreshAllowed(ctx, sess); err != nil {
		e.metricInc(MetricRefreshFailure)
		if _, derr := e.sessions.Delete(ctx, sess.UserID, sess.SessionID); derr != nil {
			e.logger.Warn("session delete failed", zap.String("op", "refresh"), zap.Error(derr))
		} else {
			e.publishRevocation(ctx, sess.UserID, sess.SessionID, "account_unavailable")
		}
		return nil, err
	}

	access, accessExp, err := e.mintAccess(sess.UserID, sess.SessionID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := internal.EncodeToken(sess.SessionID, refresh)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, sess.SessionID, nil, nil)
	if legacy {
		e.metricInc(MetricLegacySessionMigrated)
		e.emitAudit(ctx, auditEventLegacyMigrated, true, sess.UserID, sess.SessionID, nil, nil)
	}

	return &IssuedSession{
		UserID:          sess.UserID,
		SessionID:       sess.SessionID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    refreshToken,
		BindingSecret:   binding.String(),
		ExpiresAt:       time.Unix(sess.ExpiresAt, 0),
	}, nil
}

func refreshProof(browser BrowserSessions) (string, session.Rotation, bool, error) {
	if browser.Active != "" {
		if raw, ok := browser.BindingSecret(browser.Active); ok {
			secret, err := internal.ParseSecret(raw)
			if err == nil && internal.ValidSessionID(browser.Active) {
				return browser.Active, session.Rotation{Kind: session.ProofBinding, ProofHash: secret.Hash()}, false, nil
			}
		}
	}
	if browser.LegacyRefreshToken != "" {
		sid, secret, err := internal.DecodeToken(browser.LegacyRefreshToken)
		if err == nil {
			return sid, session.Rotation{Kind: session.ProofRefresh, ProofHash: secret.Hash()}, true, nil
		}
	}
	return "", session.Rotation{}, false, ErrSessionExpiredOrInvalid
}

// refreshAllowed re-checks the account behind a rotated session. The ban
// snapshot on the record wins even when the store is unreachable.
func (e *Engine) refreshAllowed(ctx context.Context, sess *session.Session) error {
	if sess.Banned {
		return &BanError{Reason: sess.BanReason}
	}
	identity, err := e.identityByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrSessionExpiredOrInvalid
		}
		// credential store outage does not sign users out
		e.logger.Warn("identity reload failed", zap.String("op", "refresh"), zap.Error(err))
		return nil
	}
	if identity.Banned {
		return &BanError{Reason: identity.BanReason}
	}
	return nil
}

// Logout destroys one session of this browser, the active one when
// sessionID is empty, and names the session that should become active.
// Logging out a session that is already gone is not an error.
func (e *Engine) Logout(ctx context.Context, browser BrowserSessions, sessionID string) (*LogoutResult, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if sessionID == "" {
		sessionID = browser.Active
	}

	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}

	result := &LogoutResult{}
	for _, bs := range live {
		if bs.sess.SessionID != sessionID {
			result.Remaining = append(result.Remaining, bs.sess.SessionID)
			continue
		}
		if _, err := e.sessions.Delete(ctx, bs.sess.UserID, bs.sess.SessionID); err != nil {
			return nil, unavailable(err)
		}
		e.metricInc(MetricLogout)
		e.emitAudit(ctx, auditEventLogoutSession, true, bs.sess.UserID, bs.sess.SessionID, nil, nil)
		e.publishRevocation(ctx, bs.sess.UserID, bs.sess.SessionID, "logout")
	}

	if len(result.Remaining) > 0 {
		result.NextActive = result.Remaining[0]
		if browser.Active != sessionID && slices.Contains(result.Remaining, browser.Active) {
			result.NextActive = browser.Active
		}
	}
	return result, nil
}

// LogoutAll destroys every session of userID on every device. Each session
// is announced to the revocation publisher before it is deleted.
func (e *Engine) LogoutAll(ctx context.Context, userID, reason string) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	if userID == "" {
		return 0, ErrInvalidRequest
	}
	if reason == "" {
		reason = "logout_all"
	}

	sessions, err := e.sessions.ListForUser(ctx, userID)
	if err != nil {
		return 0, unavailable(err)
	}

	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		e.publishRevocation(ctx, userID, sess.SessionID, reason)
		ids = append(ids, sess.SessionID)
	}
	if err := e.sessions.DeleteAllForUser(ctx, userID, ids); err != nil {
		return 0, unavailable(err)
	}
	e.forgetSummary(userID)

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return len(ids), nil
}

// LogoutEverywhere signs the active account out of every device. Other
// accounts on this browser stay signed in.
func (e *Engine) LogoutEverywhere(ctx context.Context, browser BrowserSessions) (*LogoutResult, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	active, err := e.activeSession(ctx, browser)
	if err != nil {
		return nil, err
	}
	if _, err := e.LogoutAll(ctx, active.UserID, "logout_all"); err != nil {
		return nil, err
	}

	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}
	result := &LogoutResult{}
	for _, bs := range live {
		result.Remaining = append(result.Remaining, bs.sess.SessionID)
	}
	if len(result.Remaining) > 0 {
		result.NextActive = result.Remaining[0]
	}
	return result, nil
}
