package multiauth

import (
	"context"
	"errors"
	"testing"
)

func TestRefreshRotatesBindingSecret(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})

	rotated, err := h.engine.Refresh(ctx, browser)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.SessionID != s1.SessionID {
		t.Fatal("refresh must keep the session id")
	}
	if rotated.BindingSecret == s1.BindingSecret {
		t.Fatal("binding secret did not rotate")
	}

	// the previous secret no longer works
	if _, err := h.engine.Refresh(ctx, browser); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("expected old binding to fail, got %v", err)
	}

	next := withSession(browser, rotated)
	if _, err := h.engine.Refresh(ctx, next); err != nil {
		t.Fatalf("refresh with new binding: %v", err)
	}
}

func TestLegacyRefreshMigrates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	s1, _ := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	legacy := BrowserSessions{LegacyRefreshToken: s1.RefreshToken}

	rotated, err := h.engine.Refresh(ctx, legacy)
	if err != nil {
		t.Fatalf("legacy refresh: %v", err)
	}
	if rotated.BindingSecret == "" {
		t.Fatal("legacy refresh must hand out a binding secret")
	}
	if got := h.engine.metrics.Value(MetricLegacySessionMigrated); got != 1 {
		t.Fatalf("expected one migration, got %d", got)
	}

	// the legacy token was rotated away
	if _, err := h.engine.Refresh(ctx, legacy); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("expected spent legacy token to fail, got %v", err)
	}

	migrated := BrowserSessions{
		Active:   rotated.SessionID,
		Sessions: []SessionCookie{{SessionID: rotated.SessionID, BindingSecret: rotated.BindingSecret}},
	}
	if _, err := h.engine.Refresh(ctx, migrated); err != nil {
		t.Fatalf("refresh after migration: %v", err)
	}
}

func TestRefreshRejectsBannedAccount(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	ctx := context.Background()

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	h.store.mutate("u1", func(u *UserIdentity) { u.Banned = true })

	if _, err := h.engine.Refresh(ctx, browser); !errors.Is(err, ErrAccountBanned) {
		t.Fatalf("expected AccountBanned, got %v", err)
	}
	if _, err := h.engine.ValidateAccess(ctx, s1.AccessToken); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
}

func TestRefreshSurvivesCredentialStoreOutage(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)

	_, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	h.store.getErr = errors.New("timeout")

	if _, err := h.engine.Refresh(context.Background(), browser); err != nil {
		t.Fatalf("refresh should not depend on the credential store: %v", err)
	}
}

func TestLogoutPicksNextActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)
	ctx := context.Background()

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	s2, browser := h.loginTrusted(t, "b@x.com", browser)

	res, err := h.engine.Logout(ctx, browser, "")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if res.NextActive != s1.SessionID {
		t.Fatalf("expected %s to become active, got %q", s1.SessionID, res.NextActive)
	}
	if len(res.Remaining) != 1 || res.Remaining[0] != s1.SessionID {
		t.Fatalf("unexpected remaining %v", res.Remaining)
	}
	if _, err := h.engine.ValidateAccess(ctx, s2.AccessToken); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("logged out access token still valid: %v", err)
	}
	pub := h.publisher.sessions()
	if len(pub) != 1 || pub[0] != s2.SessionID {
		t.Fatalf("expected revocation of %s, got %v", s2.SessionID, pub)
	}

	// logging out again is harmless
	if _, err := h.engine.Logout(ctx, browser, s2.SessionID); err != nil {
		t.Fatalf("repeat logout: %v", err)
	}
}

func TestLogoutNonActiveKeepsActive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	s2, browser := h.loginTrusted(t, "b@x.com", browser)

	res, err := h.engine.Logout(context.Background(), browser, s1.SessionID)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if res.NextActive != s2.SessionID {
		t.Fatalf("expected active session to stay %s, got %q", s2.SessionID, res.NextActive)
	}
}

func TestLogoutAllRevokesEveryDevice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.trust(t, "u1", otherAgent)
	ctx := context.Background()

	desktop, _ := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	phone := h.login(t, "a@x.com", DeviceInfo{IP: testIP, UserAgent: otherAgent}, BrowserSessions{}).Session

	n, err := h.engine.LogoutAll(ctx, "u1", "")
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 sessions revoked, got %d", n)
	}
	for _, s := range []*IssuedSession{desktop, phone} {
		if _, err := h.engine.ValidateAccess(ctx, s.AccessToken); !errors.Is(err, ErrSessionExpiredOrInvalid) {
			t.Fatalf("session %s survived logout all: %v", s.SessionID, err)
		}
	}
	if got := len(h.publisher.sessions()); got != 2 {
		t.Fatalf("expected 2 revocation events, got %d", got)
	}
}

func TestLogoutEverywhereKeepsOtherAccounts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	_, browser = h.loginTrusted(t, "b@x.com", browser)

	res, err := h.engine.LogoutEverywhere(context.Background(), browser)
	if err != nil {
		t.Fatalf("logout everywhere: %v", err)
	}
	if res.NextActive != s1.SessionID {
		t.Fatalf("expected %s to remain active, got %q", s1.SessionID, res.NextActive)
	}
}

func TestValidateAccessRejectsGarbage(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.engine.ValidateAccess(context.Background(), "not.a.jwt"); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("expected SessionExpiredOrInvalid, got %v", err)
	}
}
