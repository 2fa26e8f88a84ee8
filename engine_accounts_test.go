package multiauth

import (
	"context"
	"errors"
	"testing"
)

func TestSecondAccountJoinsBrowser(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	s2, browser := h.loginTrusted(t, "b@x.com", browser)

	if s1.SessionID == s2.SessionID {
		t.Fatal("expected distinct sessions")
	}
	accounts, err := h.engine.ListAccounts(context.Background(), browser)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[0].Email != "a@x.com" || accounts[1].Email != "b@x.com" {
		t.Fatalf("unexpected account order %+v", accounts)
	}
	if accounts[0].Active || !accounts[1].Active {
		t.Fatalf("expected the newest login active, got %+v", accounts)
	}
}

func TestMaxAccountsReached(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts.MaxConcurrentAccounts = 2
	h := newHarness(t, cfg)
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)
	h.addUser(t, "u3", "c@x.com", true)

	_, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	_, browser = h.loginTrusted(t, "b@x.com", browser)

	_, err := h.engine.Login(context.Background(), LoginRequest{
		Email: "c@x.com", Password: testPassword, Device: testDevice(), Browser: browser,
	})
	var limit *AccountLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("expected AccountLimitError, got %v", err)
	}
	if limit.Current != 2 || limit.Limit != 2 {
		t.Fatalf("unexpected limit detail %+v", limit)
	}
}

func TestStaleCookiesDoNotCountTowardLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Accounts.MaxConcurrentAccounts = 2
	h := newHarness(t, cfg)
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)
	h.addUser(t, "u3", "c@x.com", true)

	_, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	s2, browser := h.loginTrusted(t, "b@x.com", browser)

	if _, err := h.engine.LogoutAll(context.Background(), "u2", "admin"); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	// browser still carries the dead cookie for s2
	if _, ok := browser.BindingSecret(s2.SessionID); !ok {
		t.Fatal("test setup: expected stale cookie")
	}
	h.loginTrusted(t, "c@x.com", browser)
}

func TestSameUserSameDeviceRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	_, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})

	_, err := h.engine.Login(context.Background(), LoginRequest{
		Email: "a@x.com", Password: testPassword, Device: testDevice(), Browser: browser,
	})
	if !errors.Is(err, ErrAlreadyLoggedInSameDevice) {
		t.Fatalf("expected AlreadyLoggedInSameDevice, got %v", err)
	}
}

func TestSameUserOtherFingerprintSwitches(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)
	h.trust(t, "u1", otherAgent)

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	_, browser = h.loginTrusted(t, "b@x.com", browser)

	out := h.login(t, "a@x.com", DeviceInfo{IP: testIP, UserAgent: otherAgent}, browser)
	if out.Kind != OutcomeTrusted {
		t.Fatalf("expected trusted outcome, got %v", out.Kind)
	}
	if !out.Session.Switched || out.Session.SessionID != s1.SessionID {
		t.Fatalf("expected a switch to %s, got %+v", s1.SessionID, out.Session)
	}
	if out.Session.BindingSecret != "" || out.Session.RefreshToken != "" {
		t.Fatal("a switch must not mint new secrets")
	}
}

func TestSwitchAccount(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.addUser(t, "u2", "b@x.com", true)
	ctx := context.Background()

	s1, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	_, browser = h.loginTrusted(t, "b@x.com", browser)

	switched, err := h.engine.SwitchAccount(ctx, browser, s1.SessionID)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if switched.UserID != "u1" || !switched.Switched {
		t.Fatalf("unexpected switch result %+v", switched)
	}

	forged := BrowserSessions{
		Active:   browser.Active,
		Sessions: []SessionCookie{{SessionID: s1.SessionID, BindingSecret: browser.Sessions[1].BindingSecret}},
	}
	if _, err := h.engine.SwitchAccount(ctx, forged, s1.SessionID); !errors.Is(err, ErrSessionExpiredOrInvalid) {
		t.Fatalf("expected forged binding to be rejected, got %v", err)
	}
}

func TestListAccountsIgnoresUnverifiedCookies(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	s1, _ := h.loginTrusted(t, "a@x.com", BrowserSessions{})

	browser := BrowserSessions{
		Active:   s1.SessionID,
		Sessions: []SessionCookie{{SessionID: s1.SessionID, BindingSecret: "not-a-secret"}},
	}
	accounts, err := h.engine.ListAccounts(context.Background(), browser)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected no verified accounts, got %+v", accounts)
	}
}

func TestLogoutBrowserLeavesOtherDevices(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addUser(t, "u1", "a@x.com", true)
	h.trust(t, "u1", otherAgent)
	ctx := context.Background()

	_, browser := h.loginTrusted(t, "a@x.com", BrowserSessions{})
	phone := h.login(t, "a@x.com", DeviceInfo{IP: testIP, UserAgent: otherAgent}, BrowserSessions{}).Session

	if _, err := h.engine.LogoutBrowser(ctx, browser); err != nil {
		t.Fatalf("logout browser: %v", err)
	}
	if _, err := h.engine.ValidateAccess(ctx, phone.AccessToken); err != nil {
		t.Fatalf("phone session should survive: %v", err)
	}
	accounts, err := h.engine.ListAccounts(ctx, browser)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected browser to be empty, got %d", len(accounts))
	}
}
