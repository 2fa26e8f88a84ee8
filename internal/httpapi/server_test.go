package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/notify"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

func currentTOTP(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(testTOTPSecret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestNewDeviceThenTrustedLogin(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusOK, res.status)
	require.Equal(t, CodeNewDeviceRequired, res.env.Code)
	require.Equal(t, true, res.data["newDeviceVerificationRequired"])
	require.NotContains(t, res.data, "accessToken")
	require.Contains(t, c.cookies, cookiePending)

	res = c.do(t, http.MethodPost, "/auth/mfa/send-email-otp", nil)
	require.Equal(t, http.StatusOK, res.status)
	require.Equal(t, "email_otp", res.data["factor"])

	code := h.outbox.lastCode(t, "a@x.com")
	res = c.do(t, http.MethodPost, "/auth/mfa/verify-otp", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.NotEmpty(t, res.data["accessToken"])
	require.NotContains(t, c.cookies, cookiePending)
	sid := res.data["sessionId"].(string)
	require.Equal(t, sid, c.cookies[cookieActiveSession])
	require.Contains(t, c.cookies, cookieSessionPrefix+sid)

	res = c.do(t, http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, res.status)
	require.Empty(t, c.sessionCookies())
	require.NotContains(t, c.cookies, cookieActiveSession)

	// the device is known now
	res = c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusOK, res.status)
	require.Empty(t, res.env.Code)
	require.NotEmpty(t, res.data["accessToken"])
	require.Len(t, c.sessionCookies(), 1)
}

func TestMFALoginAndPendingReplay(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "mfa@x.com", func(u *multiauth.UserIdentity) {
		u.MFAEnabled = true
		u.MFASecret = testTOTPSecret
	})
	c := h.browser()

	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "mfa@x.com", "password": testPassword})
	require.Equal(t, http.StatusOK, res.status)
	require.Equal(t, CodeMFARequired, res.env.Code)
	require.True(t, res.env.Success, "a challenge is not a failure")
	require.Equal(t, true, res.data["mfaRequired"])
	require.Contains(t, res.data["factors"], "totp")
	require.NotContains(t, res.data, "accessToken")
	require.InDelta(t, (5 * time.Minute).Seconds(), expiresIn(t, res.data["expiresAt"]).Seconds(), 5)

	pending := c.cookies[cookiePending]
	require.NotEmpty(t, pending)

	status := c.do(t, http.MethodGet, "/auth/mfa/check-session", nil)
	require.Equal(t, http.StatusOK, status.status)
	require.Equal(t, "mfa_pending", status.data["kind"])

	code := currentTOTP(t)
	res = c.do(t, http.MethodPost, "/auth/mfa/verify", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.NotEmpty(t, res.data["accessToken"])

	// the same request again, stale pending cookie included
	c.names = append(c.names, cookiePending)
	c.cookies[cookiePending] = pending
	res = c.do(t, http.MethodPost, "/auth/mfa/verify", map[string]string{"code": code})
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.True(t, res.cleared[cookiePending])
}

func TestPendingBoundToNetwork(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, CodeNewDeviceRequired, res.env.Code)

	c.addr = "198.51.100.9:5000"
	res = c.do(t, http.MethodPost, "/auth/mfa/send-email-otp", nil)
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Equal(t, CodeSessionSecurityViolation, res.env.Code)
	require.True(t, res.cleared[cookiePending])
	require.Zero(t, h.outbox.count(multiauth.NotifyEmailOTP))
}

func TestWrongPasswordLocksOnFifthAttempt(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	for i := 0; i < 4; i++ {
		res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": "wrong-password"})
		require.Equal(t, http.StatusUnauthorized, res.status)
		require.Equal(t, CodeInvalidCredentials, res.env.Code)
	}

	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": "wrong-password"})
	require.Equal(t, http.StatusTooManyRequests, res.status)
	require.Equal(t, CodeRateLimited, res.env.Code)
	retry, ok := res.data["retryAfter"].(float64)
	require.True(t, ok)
	require.Greater(t, retry, float64(0))
	require.Equal(t, strconv.Itoa(int(retry)), res.header.Get("Retry-After"))

	// the right password does not help while locked
	res = c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusTooManyRequests, res.status)
}

func TestBannedAccountIsForbidden(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com", func(u *multiauth.UserIdentity) {
		u.Banned = true
		u.BanReason = "abuse"
	})
	res := h.browser().do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusForbidden, res.status)
	require.Equal(t, CodeAccountBanned, res.env.Code)
	require.Equal(t, "abuse", res.data["reason"])
}

func TestSuperSecureAccountRejectsPassword(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com", func(u *multiauth.UserIdentity) {
		u.SuperSecure = true
		u.SecurityKeyCount = 1
	})
	res := h.browser().do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusForbidden, res.status)
	require.Equal(t, CodePasswordLoginDisabled, res.env.Code)
}

func TestSecondAccountSwitchAndLogout(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	h.register(t, "b@x.com")
	c := h.browser()

	first := c.signIn(t, "a@x.com")
	require.Equal(t, http.StatusOK, first.status)
	sidA := first.data["sessionId"].(string)

	second := c.signIn(t, "b@x.com")
	require.Equal(t, http.StatusOK, second.status, second.env.Code)
	sidB := second.data["sessionId"].(string)
	require.Equal(t, sidB, c.cookies[cookieActiveSession])
	require.Len(t, c.sessionCookies(), 2)

	list := c.do(t, http.MethodGet, "/auth/accounts", nil)
	require.Equal(t, http.StatusOK, list.status)
	require.Len(t, list.data["accounts"], 2)
	require.Equal(t, sidB, list.data["activeSessionId"])

	sw := c.do(t, http.MethodPost, "/auth/accounts/switch", map[string]string{"sessionId": sidA})
	require.Equal(t, http.StatusOK, sw.status)
	require.Equal(t, sidA, c.cookies[cookieActiveSession])
	require.NotEmpty(t, sw.data["accessToken"])

	// same account again on the same device
	dup := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusConflict, dup.status)
	require.Equal(t, CodeAlreadyLoggedIn, dup.env.Code)

	out := c.do(t, http.MethodPost, "/auth/logout", nil)
	require.Equal(t, http.StatusOK, out.status)
	require.Equal(t, sidB, out.data["activeSessionId"])
	require.Equal(t, sidB, c.cookies[cookieActiveSession])
	require.Equal(t, []string{cookieSessionPrefix + sidB}, c.sessionCookies())

	all := c.do(t, http.MethodPost, "/auth/accounts/logout-all", nil)
	require.Equal(t, http.StatusOK, all.status)
	require.Empty(t, c.sessionCookies())
	require.NotContains(t, c.cookies, cookieActiveSession)
}

func TestAccountLimit(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Accounts.MaxConcurrentAccounts = 1
	h := newAPIHarness(t, cfg)
	h.register(t, "a@x.com")
	h.register(t, "b@x.com")
	c := h.browser()

	require.Equal(t, http.StatusOK, c.signIn(t, "a@x.com").status)

	res := c.signIn(t, "b@x.com")
	require.Equal(t, http.StatusConflict, res.status)
	require.Equal(t, CodeMaxAccountsReached, res.env.Code)
	require.Equal(t, float64(1), res.data["current"])
	require.Equal(t, float64(1), res.data["limit"])
}

func TestRefreshRotatesBindingCookie(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	sid := c.signIn(t, "a@x.com").data["sessionId"].(string)
	old := c.cookies[cookieSessionPrefix+sid]

	res := c.do(t, http.MethodPost, "/auth/refresh", nil)
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.Equal(t, sid, res.data["sessionId"])
	require.NotEqual(t, old, c.cookies[cookieSessionPrefix+sid])

	// replaying the rotated-out secret fails and clears the cookies
	c.cookies[cookieSessionPrefix+sid] = old
	res = c.do(t, http.MethodPost, "/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.True(t, res.cleared[cookieActiveSession])
	require.Empty(t, c.sessionCookies())
}

func TestLegacyCookiesAreMigrated(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()
	c.names = append(c.names, cookieLegacySession, cookieLegacyRefresh)
	c.cookies[cookieLegacySession] = "old-session"
	c.cookies[cookieLegacyRefresh] = "old-refresh"

	res := c.signIn(t, "a@x.com")
	require.Equal(t, http.StatusOK, res.status)
	require.NotContains(t, c.cookies, cookieLegacySession)
	require.NotContains(t, c.cookies, cookieLegacyRefresh)
}

func TestAccessTokenGuardsMe(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	u := h.register(t, "a@x.com")
	c := h.browser()
	token := c.signIn(t, "a@x.com").data["accessToken"].(string)

	req := newRequest(t, http.MethodGet, "/auth/me")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), u.ID)

	rec = serve(h, newRequest(t, http.MethodGet, "/auth/me"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// logging out kills the token's session
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/auth/logout", nil).status)
	req = newRequest(t, http.MethodGet, "/auth/me")
	req.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestInvalidatePendingClearsCookie(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	pending := c.cookies[cookiePending]
	require.NotEmpty(t, pending)

	res := c.do(t, http.MethodPost, "/auth/mfa/invalidate", nil)
	require.Equal(t, http.StatusOK, res.status)
	require.True(t, res.cleared[cookiePending])

	c.names = append(c.names, cookiePending)
	c.cookies[cookiePending] = pending
	res = c.do(t, http.MethodGet, "/auth/mfa/check-session", nil)
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Equal(t, CodeSessionExpired, res.env.Code)
}

func TestNotificationOTPNeedsConnectedClient(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	u := h.register(t, "app@x.com", func(u *multiauth.UserIdentity) {
		u.MFAEnabled = true
		u.MFASecret = testTOTPSecret
		u.NotificationOTPEnabled = true
	})
	c := h.browser()

	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "app@x.com", "password": testPassword})
	require.Equal(t, CodeMFARequired, res.env.Code)
	require.Contains(t, res.data["factors"], multiauth.FactorNotificationOTP)

	res = c.do(t, http.MethodPost, "/auth/mfa/send-notification-otp", nil)
	require.Equal(t, http.StatusBadRequest, res.status)
	require.Equal(t, CodeFactorUnavailable, res.env.Code)
	require.False(t, res.cleared[cookiePending])

	ctx := context.Background()
	sub := h.rdb.Subscribe(ctx, h.inApp.ChannelFor(u.ID))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	res = c.do(t, http.MethodPost, "/auth/mfa/send-notification-otp", nil)
	require.Equal(t, http.StatusOK, res.status, res.env.Code)

	msgCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(msgCtx)
	require.NoError(t, err)
	var in notify.InAppMessage
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &in))
	require.NotEmpty(t, in.Code)

	res = c.do(t, http.MethodPost, "/auth/mfa/verify-otp", map[string]string{"factor": multiauth.FactorNotificationOTP, "code": in.Code})
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.NotEmpty(t, res.data["accessToken"])
}
