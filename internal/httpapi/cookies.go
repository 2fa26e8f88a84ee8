package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/multiauth"
)

const (
	cookieActiveSession = "active_session"
	cookieSessionPrefix = "session_"
	cookiePending       = "mfa_session"
	cookieLegacySession = "sessionId"
	cookieLegacyRefresh = "refreshToken"
)

// CookieOptions are the attributes shared by every auth cookie.
type CookieOptions struct {
	Secure     bool
	Domain     string
	SessionTTL time.Duration
	PendingTTL time.Duration
}

type cookieJar struct {
	opts CookieOptions
}

func (j cookieJar) build(name, value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl).UTC(),
		Secure:   j.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if j.opts.Domain != "" {
		c.Domain = j.opts.Domain
	}
	return c
}

func (j cookieJar) clear(w http.ResponseWriter, name string) {
	c := &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		Secure:   j.opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if j.opts.Domain != "" {
		c.Domain = j.opts.Domain
	}
	http.SetCookie(w, c)
}

// browser collects the multi-account cookie set in arrival order.
func browser(r *http.Request) multiauth.BrowserSessions {
	var b multiauth.BrowserSessions
	for _, c := range r.Cookies() {
		switch {
		case c.Name == cookieActiveSession:
			b.Active = c.Value
		case c.Name == cookieLegacyRefresh:
			b.LegacyRefreshToken = c.Value
		case strings.HasPrefix(c.Name, cookieSessionPrefix):
			sid := strings.TrimPrefix(c.Name, cookieSessionPrefix)
			if sid == "" || c.Value == "" {
				continue
			}
			b.Sessions = append(b.Sessions, multiauth.SessionCookie{SessionID: sid, BindingSecret: c.Value})
		}
	}
	return b
}

func pendingToken(r *http.Request) string {
	c, err := r.Cookie(cookiePending)
	if err != nil {
		return ""
	}
	return c.Value
}

func hasLegacy(r *http.Request) bool {
	for _, name := range []string{cookieLegacySession, cookieLegacyRefresh} {
		if _, err := r.Cookie(name); err == nil {
			return true
		}
	}
	return false
}

// setIssued writes the cookies for a session that was created, switched
// to or rotated, and drops the legacy pair once it has been migrated.
func (j cookieJar) setIssued(w http.ResponseWriter, r *http.Request, s *multiauth.IssuedSession) {
	http.SetCookie(w, j.build(cookieActiveSession, s.SessionID, j.opts.SessionTTL))
	if s.BindingSecret != "" {
		http.SetCookie(w, j.build(cookieSessionPrefix+s.SessionID, s.BindingSecret, j.opts.SessionTTL))
	}
	if hasLegacy(r) {
		j.clear(w, cookieLegacySession)
		j.clear(w, cookieLegacyRefresh)
	}
}

func (j cookieJar) setPending(w http.ResponseWriter, token string) {
	http.SetCookie(w, j.build(cookiePending, token, j.opts.PendingTTL))
}

// applyLogout clears every session cookie not in remaining and points
// active_session at next, or clears it.
func (j cookieJar) applyLogout(w http.ResponseWriter, r *http.Request, b multiauth.BrowserSessions, next string, remaining []string) {
	keep := make(map[string]struct{}, len(remaining))
	for _, sid := range remaining {
		keep[sid] = struct{}{}
	}
	for _, c := range b.Sessions {
		if _, ok := keep[c.SessionID]; !ok {
			j.clear(w, cookieSessionPrefix+c.SessionID)
		}
	}
	if next != "" {
		http.SetCookie(w, j.build(cookieActiveSession, next, j.opts.SessionTTL))
	} else {
		j.clear(w, cookieActiveSession)
	}
	if hasLegacy(r) {
		j.clear(w, cookieLegacySession)
		j.clear(w, cookieLegacyRefresh)
	}
}

// dropActive forgets the active session after the engine refused it.
func (j cookieJar) dropActive(w http.ResponseWriter, r *http.Request, b multiauth.BrowserSessions) {
	if b.Active != "" {
		j.clear(w, cookieSessionPrefix+b.Active)
	}
	j.clear(w, cookieActiveSession)
	if hasLegacy(r) {
		j.clear(w, cookieLegacySession)
		j.clear(w, cookieLegacyRefresh)
	}
}
