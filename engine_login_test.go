package multiauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginTrustedDeviceIssuesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)

	out := h.login(t, "A@X.com ", testDevice(), BrowserSessions{})
	if out.Kind != OutcomeTrusted {
		t.Fatalf("expected trusted outcome, got %v", out.Kind)
	}
	if out.Challenge != nil {
		t.Fatal("trusted login must not carry a challenge")
	}
	s := out.Session
	if s.AccessToken == "" || s.BindingSecret == "" || s.RefreshToken == "" {
		t.Fatalf("expected tokens and binding secret, got %+v", s)
	}
	if s.NewDevice {
		t.Fatal("known device reported as new")
	}

	ac, err := h.engine.ValidateAccess(context.Background(), s.AccessToken)
	if err != nil {
		t.Fatalf("validate access: %v", err)
	}
	if ac.UserID != "u1" || ac.SessionID != s.SessionID {
		t.Fatalf("unexpected access context %+v", ac)
	}
	if got := h.engine.metrics.Value(MetricLoginSuccess); got != 1 {
		t.Fatalf("expected 1 login success, got %d", got)
	}
}

func TestLoginUnknownDeviceOpensNewDeviceChallenge(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", false)

	out := h.login(t, "a@x.com", testDevice(), BrowserSessions{})
	if out.Kind != OutcomeNewDeviceChallenge {
		t.Fatalf("expected new-device challenge, got %v", out.Kind)
	}
	if out.Session != nil {
		t.Fatal("challenge must not carry a session")
	}
	if out.Challenge.PendingToken == "" {
		t.Fatal("expected pending token")
	}
	if !containsFactor(out.Challenge.Factors, "email_otp") {
		t.Fatalf("expected email_otp factor, got %v", out.Challenge.Factors)
	}
}

func TestLoginMFAEnabledOpensMFAChallenge(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true, func(u *UserIdentity) {
		u.MFAEnabled = true
		u.MFASecret = testTOTPSecret
	})

	out := h.login(t, "a@x.com", testDevice(), BrowserSessions{})
	if out.Kind != OutcomeMFAChallenge {
		t.Fatalf("expected mfa challenge, got %v", out.Kind)
	}
	if out.Session != nil {
		t.Fatal("mfa challenge must not issue tokens")
	}
	if !containsFactor(out.Challenge.Factors, "totp") {
		t.Fatalf("expected totp factor, got %v", out.Challenge.Factors)
	}
	if time.Until(out.Challenge.ExpiresAt) > 5*time.Minute+time.Second {
		t.Fatalf("pending token outlives its ttl: %v", out.Challenge.ExpiresAt)
	}
}

func TestLoginWrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	_, errWrong := h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: "wrong-password-1", Device: testDevice()})
	_, errUnknown := h.engine.Login(ctx, LoginRequest{Email: "nobody@x.com", Password: "wrong-password-1", Device: testDevice()})

	if !errors.Is(errWrong, ErrInvalidCredentials) || !errors.Is(errUnknown, ErrInvalidCredentials) {
		t.Fatalf("expected InvalidCredentials for both, got %v / %v", errWrong, errUnknown)
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Fatalf("responses differ: %q vs %q", errWrong, errUnknown)
	}
}

func TestLoginLockoutOnFifthFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: "wrong-password-1", Device: testDevice()})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected InvalidCredentials, got %v", i, err)
		}
	}

	_, err := h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: "wrong-password-1", Device: testDevice()})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("5th attempt: expected RateLimitError, got %v", err)
	}
	if rl.RetryAfterSeconds() < 890 || rl.RetryAfterSeconds() > 900 {
		t.Fatalf("expected retry after ~900s, got %d", rl.RetryAfterSeconds())
	}

	// correct password is refused while locked
	_, err = h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: testPassword, Device: testDevice()})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimited with correct password, got %v", err)
	}
}

func TestLoginSuccessResetsFailureCounter(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: "wrong-password-1", Device: testDevice()})
	}
	h.loginTrusted(t, "a@x.com", BrowserSessions{})

	_, err := h.engine.Login(ctx, LoginRequest{Email: "a@x.com", Password: "wrong-password-1", Device: testDevice()})
	if !errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected a fresh counter after success, got %v", err)
	}
}

func TestLoginGates(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*UserIdentity)
		want   error
	}{
		{"banned", func(u *UserIdentity) { u.Banned = true; u.BanReason = "abuse" }, ErrAccountBanned},
		{"super secure", func(u *UserIdentity) { u.SuperSecure = true }, ErrPasswordLoginDisabled},
		{"no password", func(u *UserIdentity) { u.PasswordHash = "" }, ErrNoPasswordSet},
		{"unverified email", func(u *UserIdentity) { u.EmailVerified = false }, ErrEmailNotVerified},
		{"deleted", func(u *UserIdentity) { u.Deleted = true }, ErrInvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.addUser(t, "u1", "a@x.com", true, tc.mutate)

			_, err := h.engine.Login(context.Background(), LoginRequest{Email: "a@x.com", Password: testPassword, Device: testDevice()})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLoginBanCarriesReason(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true, func(u *UserIdentity) {
		u.Banned = true
		u.BanReason = "chargeback"
	})

	_, err := h.engine.Login(context.Background(), LoginRequest{Email: "a@x.com", Password: testPassword, Device: testDevice()})
	var ban *BanError
	if !errors.As(err, &ban) || ban.Reason != "chargeback" {
		t.Fatalf("expected BanError with reason, got %v", err)
	}
}

func TestLoginRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.engine.Login(context.Background(), LoginRequest{Email: " ", Password: "x"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestLoginCredentialStoreOutage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.getErr = errors.New("connection refused")

	_, err := h.engine.Login(context.Background(), LoginRequest{Email: "a@x.com", Password: testPassword, Device: testDevice()})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}
}

func TestLoginRedisOutage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.mr.Close()

	_, err := h.engine.Login(context.Background(), LoginRequest{Email: "a@x.com", Password: testPassword, Device: testDevice()})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}
}

func TestIdentityExemptionSkipsChallenges(t *testing.T) {
	h := newHarness(t, testConfig(), withExemption("test@test.com"))
	h.addUser(t, "u1", "test@test.com", false, func(u *UserIdentity) {
		u.MFAEnabled = true
		u.MFASecret = testTOTPSecret
		u.SuperSecure = true
	})

	out := h.login(t, "test@test.com", testDevice(), BrowserSessions{})
	if out.Kind != OutcomeTrusted {
		t.Fatalf("expected trusted outcome for exempt identity, got %v", out.Kind)
	}
	if got := h.engine.metrics.Value(MetricIdentityExemption); got == 0 {
		t.Fatal("exemption use was not counted")
	}
}

func TestIdentityExemptionIsScopedToListedIdentities(t *testing.T) {
	h := newHarness(t, testConfig(), withExemption("test@test.com"))
	h.addUser(t, "u2", "other@test.com", false)

	out := h.login(t, "other@test.com", testDevice(), BrowserSessions{})
	if out.Kind != OutcomeNewDeviceChallenge {
		t.Fatalf("expected challenge for a non-exempt identity, got %v", out.Kind)
	}
}

func TestBuildRefusesExemptionInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Environment = EnvironmentProduction

	h := newHarness(t, testConfig())
	_, err := New().
		WithConfig(cfg).
		WithRedis(h.rdb).
		WithCredentialStore(h.store).
		withIdentityExemption(emailExemption{"test@test.com": true}).
		Build()
	if err == nil {
		t.Fatal("expected build to refuse an exemption in production")
	}
}
