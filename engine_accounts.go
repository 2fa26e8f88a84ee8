package multiauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/session"
	"go.uber.org/zap"
)

// verifiedIdentity is the only thing the orchestrator hands to the
// coordinator. The coordinator never calls back.
type verifiedIdentity struct {
	identity *UserIdentity
	method   string
}

// browserSession is a session whose cookie proof verified.
type browserSession struct {
	sess   *session.Session
	legacy bool
}

// issueSession places a verified identity into the browser's account set:
// reject a duplicate on the same device, switch to an existing session of
// the same user, enforce the account ceiling, or create a new session.
func (e *Engine) issueSession(ctx context.Context, v verifiedIdentity, device DeviceInfo, browser BrowserSessions) (*IssuedSession, error) {
	identity := v.identity
	fingerprint := internal.DeviceFingerprint(device.UserAgent)

	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}

	for _, bs := range live {
		if bs.sess.UserID != identity.ID {
			continue
		}
		if bs.sess.Fingerprint == fingerprint {
			e.metricInc(MetricAlreadyLoggedIn)
			e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, bs.sess.SessionID, ErrAlreadyLoggedInSameDevice, nil)
			return nil, ErrAlreadyLoggedInSameDevice
		}
		return e.switchTo(ctx, bs.sess, "login")
	}

	if limit := e.config.Accounts.MaxConcurrentAccounts; len(live) >= limit {
		e.metricInc(MetricMaxAccountsReached)
		limitErr := &AccountLimitError{Current: len(live), Limit: limit}
		e.emitAudit(ctx, auditEventLoginFailure, false, identity.ID, "", limitErr, nil)
		return nil, limitErr
	}

	return e.createSession(ctx, v, device, fingerprint)
}

func (e *Engine) createSession(ctx context.Context, v verifiedIdentity, device DeviceInfo, fingerprint string) (*IssuedSession, error) {
	identity := v.identity

	sid, err := internal.NewSessionID()
	if err != nil {
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

	now := e.clock()
	lifetime := e.config.Session.Lifetime
	sess := &session.Session{
		SessionID:    sid.String(),
		UserID:       identity.ID,
		DeviceName:   internal.DeviceName(device.UserAgent),
		DeviceType:   string(internal.ClassifyDevice(device.UserAgent)),
		UserAgent:    internal.TruncateUserAgent(device.UserAgent),
		IP:           device.IP,
		Fingerprint:  fingerprint,
		RefreshHash:  refresh.Hash(),
		BindingHash:  binding.Hash(),
		CreatedAt:    now.Unix(),
		LastActiveAt: now.Unix(),
		ExpiresAt:    now.Add(lifetime).Unix(),
	}
	if err := e.sessions.Save(ctx, sess, lifetime); err != nil {
		return nil, unavailable(err)
	}

	newDevice := false
	known, err := e.devices.Known(ctx, identity.ID, fingerprint)
	if err != nil {
		e.logger.Warn("device lookup failed", zap.String("op", "create_session"), zap.Error(err))
	} else {
		newDevice = !known
	}
	if err := e.devices.Remember(ctx, identity.ID, fingerprint, e.config.DeviceTrust.MarkerTTL); err != nil {
		e.logger.Warn("device marker write failed", zap.String("op", "create_session"), zap.Error(err))
	}

	access, accessExp, err := e.mintAccess(identity.ID, sess.SessionID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := internal.EncodeToken(sess.SessionID, refresh)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{
			"method":      v.method,
			"device_type": sess.DeviceType,
			"new_device":  boolString(newDevice),
		}
	})
	if newDevice {
		e.notify(ctx, Notification{
			Kind:       NotifyNewDeviceLogin,
			UserID:     identity.ID,
			Email:      identity.Email,
			Device:     device,
			DeviceName: sess.DeviceName,
		})
	}

	return &IssuedSession{
		UserID:          identity.ID,
		SessionID:       sess.SessionID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		RefreshToken:    refreshToken,
		BindingSecret:   binding.String(),
		ExpiresAt:       time.Unix(sess.ExpiresAt, 0),
		NewDevice:       newDevice,
	}, nil
}

func (e *Engine) switchTo(ctx context.Context, sess *session.Session, reason string) (*IssuedSession, error) {
	if sess.Banned {
		return nil, &BanError{Reason: sess.BanReason}
	}
	access, accessExp, err := e.mintAccess(sess.UserID, sess.SessionID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricAccountSwitched)
	e.emitAudit(ctx, auditEventAccountSwitched, true, sess.UserID, sess.SessionID, nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})

	return &IssuedSession{
		UserID:          sess.UserID,
		SessionID:       sess.SessionID,
		AccessToken:     access,
		AccessExpiresAt: accessExp,
		ExpiresAt:       time.Unix(sess.ExpiresAt, 0),
		Switched:        true,
	}, nil
}

func (e *Engine) mintAccess(userID, sessionID string) (string, time.Time, error) {
	token, err := e.jwtManager.CreateAccess(userID, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(e.jwtManager.TTL()), nil
}

// liveBrowserSessions loads every cookie session whose proof verifies, in
// cookie order. The legacy refresh token counts as proof for its session.
func (e *Engine) liveBrowserSessions(ctx context.Context, browser BrowserSessions) ([]browserSession, error) {
	ids := make([]string, 0, len(browser.Sessions)+1)
	proofs := make(map[string]internal.Secret, len(browser.Sessions))
	for _, c := range browser.Sessions {
		if !internal.ValidSessionID(c.SessionID) {
			continue
		}
		secret, err := internal.ParseSecret(c.BindingSecret)
		if err != nil {
			continue
		}
		if _, dup := proofs[c.SessionID]; dup {
			continue
		}
		proofs[c.SessionID] = secret
		ids = append(ids, c.SessionID)
	}

	legacyID, legacySecret, legacyErr := internal.DecodeToken(browser.LegacyRefreshToken)
	hasLegacy := browser.LegacyRefreshToken != "" && legacyErr == nil
	if hasLegacy {
		if _, dup := proofs[legacyID]; !dup {
			ids = append(ids, legacyID)
		}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	sessions, err := e.sessions.GetMany(ctx, ids)
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]browserSession, 0, len(sessions))
	for _, sess := range sessions {
		if secret, ok := proofs[sess.SessionID]; ok && sess.HasBinding() {
			h := secret.Hash()
			if subtle.ConstantTimeCompare(h[:], sess.BindingHash[:]) == 1 {
				out = append(out, browserSession{sess: sess})
				continue
			}
		}
		if hasLegacy && sess.SessionID == legacyID {
			h := legacySecret.Hash()
			if subtle.ConstantTimeCompare(h[:], sess.RefreshHash[:]) == 1 {
				out = append(out, browserSession{sess: sess, legacy: true})
			}
		}
	}
	return out, nil
}

// activeSession resolves the browser's active pointer to a verified
// session. A browser holding only the legacy cookie resolves to that.
func (e *Engine) activeSession(ctx context.Context, browser BrowserSessions) (*session.Session, error) {
	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}
	for _, bs := range live {
		if bs.sess.SessionID == browser.Active {
			return bs.sess, nil
		}
	}
	for _, bs := range live {
		if bs.legacy {
			return bs.sess, nil
		}
	}
	return nil, ErrSessionExpiredOrInvalid
}

// ListAccounts returns the accounts signed in on this browser, active
// first flagged.
func (e *Engine) ListAccounts(ctx context.Context, browser BrowserSessions) ([]AccountSummary, error) {
	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}

	active := browser.Active
	if !containsSession(live, active) && len(live) > 0 {
		active = live[0].sess.SessionID
	}

	out := make([]AccountSummary, 0, len(live))
	for _, bs := range live {
		out = append(out, AccountSummary{
			SessionID:    bs.sess.SessionID,
			UserID:       bs.sess.UserID,
			Email:        e.displayEmail(ctx, bs.sess.UserID),
			DeviceName:   bs.sess.DeviceName,
			DeviceType:   bs.sess.DeviceType,
			Active:       bs.sess.SessionID == active,
			LastActiveAt: time.Unix(bs.sess.LastActiveAt, 0),
		})
	}
	return out, nil
}

// displayEmail is best-effort; a lookup failure leaves the field empty.
func (e *Engine) displayEmail(ctx context.Context, userID string) string {
	if e.summaries != nil {
		if v, ok := e.summaries.Get(userID); ok {
			return v.(string)
		}
	}
	identity, err := e.identityByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrIdentityNotFound) {
			e.logger.Warn("account summary lookup failed", zap.String("op", "list_accounts"), zap.Error(err))
		}
		return ""
	}
	if e.summaries != nil {
		e.summaries.SetDefault(userID, identity.Email)
	}
	return identity.Email
}

func (e *Engine) forgetSummary(userID string) {
	if e.summaries != nil {
		e.summaries.Delete(userID)
	}
}

// SwitchAccount makes another signed-in account on this browser active and
// mints an access token for it. No secrets change.
func (e *Engine) SwitchAccount(ctx context.Context, browser BrowserSessions, sessionID string) (*IssuedSession, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	if !internal.ValidSessionID(sessionID) {
		return nil, ErrInvalidRequest
	}
	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}
	for _, bs := range live {
		if bs.sess.SessionID == sessionID {
			return e.switchTo(ctx, bs.sess, "switch")
		}
	}
	return nil, ErrSessionExpiredOrInvalid
}

// LogoutBrowser signs every account on this browser out. Sessions the
// same users hold elsewhere are untouched.
func (e *Engine) LogoutBrowser(ctx context.Context, browser BrowserSessions) (*LogoutResult, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	live, err := e.liveBrowserSessions(ctx, browser)
	if err != nil {
		return nil, err
	}
	for _, bs := range live {
		if _, err := e.sessions.Delete(ctx, bs.sess.UserID, bs.sess.SessionID); err != nil {
			return nil, unavailable(err)
		}
		e.metricInc(MetricLogout)
		e.publishRevocation(ctx, bs.sess.UserID, bs.sess.SessionID, "browser_logout")
	}
	return &LogoutResult{}, nil
}

func containsSession(live []browserSession, sessionID string) bool {
	for _, bs := range live {
		if bs.sess.SessionID == sessionID {
			return true
		}
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
