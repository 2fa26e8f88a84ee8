package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/stretchr/testify/require"
)

func TestForgotPasswordAnswersAlike(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()

	known := c.do(t, http.MethodPost, "/auth/password/forgot", map[string]string{"email": "a@x.com"})
	unknown := c.do(t, http.MethodPost, "/auth/password/forgot", map[string]string{"email": "nobody@x.com"})

	require.Equal(t, http.StatusOK, known.status)
	require.Equal(t, known.status, unknown.status)
	require.Equal(t, known.env, unknown.env)
	require.Equal(t, 1, h.outbox.count(multiauth.NotifyPasswordReset))
}

func TestPasswordResetSignsOutAndReplacesPassword(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()
	require.Equal(t, http.StatusOK, c.signIn(t, "a@x.com").status)

	c.do(t, http.MethodPost, "/auth/password/forgot", map[string]string{"email": "a@x.com"})
	token := h.outbox.lastResetToken(t)

	res := c.do(t, http.MethodPost, "/auth/password/reset", map[string]string{"token": token, "newPassword": "a-brand-new-passphrase"})
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.Empty(t, c.sessionCookies())

	res = c.do(t, http.MethodPost, "/auth/password/reset", map[string]string{"token": token, "newPassword": "yet-another-passphrase"})
	require.Equal(t, http.StatusUnauthorized, res.status)

	res = c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword})
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Equal(t, CodeInvalidCredentials, res.env.Code)

	res = c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": "a-brand-new-passphrase"})
	require.Equal(t, http.StatusOK, res.status)
}

func TestChangePasswordClearsRevokedCookies(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()
	require.Equal(t, http.StatusOK, c.signIn(t, "a@x.com").status)

	res := c.do(t, http.MethodPost, "/auth/password/change", map[string]string{"oldPassword": "nope-nope-nope", "newPassword": "a-brand-new-passphrase"})
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.Len(t, c.sessionCookies(), 1)

	res = c.do(t, http.MethodPost, "/auth/password/change", map[string]string{"oldPassword": testPassword, "newPassword": "a-brand-new-passphrase"})
	require.Equal(t, http.StatusOK, res.status, res.env.Code)
	require.Empty(t, c.sessionCookies())
	require.NotContains(t, c.cookies, cookieActiveSession)
	require.Equal(t, 1, h.outbox.count(multiauth.NotifyPasswordChanged))
}

func TestSuperSecureNeedsStrongFactor(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	h.register(t, "a@x.com")
	c := h.browser()
	require.Equal(t, http.StatusOK, c.signIn(t, "a@x.com").status)

	res := c.do(t, http.MethodPost, "/auth/security/super-secure", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusForbidden, res.status)
	require.Equal(t, CodePrerequisiteNotMet, res.env.Code)
	require.NotEmpty(t, res.data["requirement"])

	res = c.do(t, http.MethodPost, "/auth/security/super-secure", map[string]any{})
	require.Equal(t, http.StatusBadRequest, res.status)
	require.Equal(t, CodeInvalidRequest, res.env.Code)
}

func TestRequestBodiesAreValidated(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	c := h.browser()

	cases := []struct {
		name string
		path string
		body any
	}{
		{"unknown field", "/auth/login", map[string]string{"email": "a@x.com", "password": "p", "role": "admin"}},
		{"missing password", "/auth/login", map[string]string{"email": "a@x.com"}},
		{"malformed email", "/auth/register", map[string]string{"email": "ax.com", "password": testPassword}},
		{"missing session id", "/auth/accounts/switch", map[string]string{}},
		{"missing reset token", "/auth/password/reset", map[string]string{"newPassword": testPassword}},
		{"unknown factor", "/auth/mfa/verify", map[string]string{"factor": "sms", "code": "123456"}},
		{"oversized session id", "/auth/logout", map[string]string{"sessionId": strings.Repeat("s", 200)}},
		{"missing enabled flag", "/auth/security/super-secure", map[string]string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := c.do(t, http.MethodPost, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, res.status)
			require.Equal(t, CodeInvalidRequest, res.env.Code)
			require.False(t, res.env.Success)
		})
	}
}

func TestValidateBodyNamesJSONField(t *testing.T) {
	err := validateBody(&switchRequest{})
	require.ErrorIs(t, err, multiauth.ErrInvalidRequest)
	require.ErrorContains(t, err, "sessionId is required")

	err = validateBody(&credentialsRequest{Email: "ax.com", Password: "p"})
	require.ErrorContains(t, err, "email is malformed")

	req := &credentialsRequest{Email: "  a@x.com ", Password: "p"}
	require.NoError(t, validateBody(req))
	require.Equal(t, "a@x.com", req.Email)

	require.NoError(t, validateBody(&emptyRequest{}))
	require.NoError(t, validateBody(&logoutRequest{}))
}

func TestRegisterConflict(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))
	c := h.browser()

	res := c.do(t, http.MethodPost, "/auth/register", map[string]string{"email": "New@X.com", "password": testPassword})
	require.Equal(t, http.StatusCreated, res.status)
	require.Equal(t, "new@x.com", res.data["email"])

	res = c.do(t, http.MethodPost, "/auth/register", map[string]string{"email": "new@x.com", "password": testPassword})
	require.Equal(t, http.StatusConflict, res.status)
	require.Equal(t, CodeAccountExists, res.env.Code)
}

func TestPerIPLimiter(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t), func(o *Options) {
		o.RateLimit = RateLimitOptions{Enabled: true, RPS: 0.001, Burst: 2, IdleTTL: time.Minute}
	})
	c := h.browser()

	for i := 0; i < 2; i++ {
		res := c.do(t, http.MethodGet, "/auth/accounts", nil)
		require.Equal(t, http.StatusOK, res.status)
	}
	res := c.do(t, http.MethodGet, "/auth/accounts", nil)
	require.Equal(t, http.StatusTooManyRequests, res.status)
	require.Equal(t, "1", res.header.Get("Retry-After"))

	// another address has its own bucket
	other := h.browser()
	other.addr = "198.51.100.20:3000"
	require.Equal(t, http.StatusOK, other.do(t, http.MethodGet, "/auth/accounts", nil).status)
}

func TestHealthReportsStoreOutage(t *testing.T) {
	h := newAPIHarness(t, testEngineConfig(t))

	rec := serve(h, newRequest(t, http.MethodGet, "/healthz"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	h.mr.SetError("LOADING")
	defer h.mr.SetError("")
	rec = serve(h, newRequest(t, http.MethodGet, "/healthz"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), CodeBackendUnavailable))
}

func TestMetricsMountedWhenConfigured(t *testing.T) {
	called := false
	h := newAPIHarness(t, testEngineConfig(t), func(o *Options) {
		o.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusNoContent)
		})
	})
	rec := serve(h, newRequest(t, http.MethodGet, "/metrics"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, called)
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name  string
		xff   string
		trust bool
		want  string
	}{
		{"direct", "", false, "203.0.113.7"},
		{"forwarded ignored", "192.0.2.50", false, "203.0.113.7"},
		{"forwarded trusted", "192.0.2.50, 10.0.0.1", true, "192.0.2.50"},
		{"garbage forwarded", "not-an-ip", true, "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := newRequest(t, http.MethodGet, "/")
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			require.Equal(t, tc.want, clientIP(req, tc.trust))
		})
	}
}

func TestMapErrorDetails(t *testing.T) {
	ae := mapError(&multiauth.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	require.Equal(t, http.StatusTooManyRequests, ae.status)
	require.Equal(t, 2, ae.data["retryAfter"])

	ae = mapError(&multiauth.AttemptError{Remaining: 3})
	require.Equal(t, http.StatusUnauthorized, ae.status)
	require.Equal(t, 3, ae.data["attemptsRemaining"])

	ae = mapError(multiauth.ErrSecurityKeyRequired)
	require.Equal(t, http.StatusForbidden, ae.status)

	ae = mapError(errors.New("disk on fire"))
	require.Equal(t, http.StatusInternalServerError, ae.status)
	require.Equal(t, CodeInternal, ae.code)
}
