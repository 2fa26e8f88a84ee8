package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/credstore/memory"
	"github.com/MrEthical07/multiauth/notify"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testPassword  = "correct-horse-battery"
	testUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	testAddr      = "203.0.113.7:41000"
)

type outbox struct {
	mu   sync.Mutex
	sent []multiauth.Notification
}

func (o *outbox) Notify(_ context.Context, n multiauth.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, n)
	return nil
}

func (o *outbox) lastCode(t *testing.T, email string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		n := o.sent[i]
		if n.Kind == multiauth.NotifyEmailOTP && n.Email == email {
			return n.Code
		}
	}
	t.Fatalf("no email code sent to %s", email)
	return ""
}

func (o *outbox) count(kind multiauth.NotificationKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := 0
	for _, n := range o.sent {
		if n.Kind == kind {
			c++
		}
	}
	return c
}

type apiHarness struct {
	server *Server
	engine *multiauth.Engine
	store  *memory.Store
	outbox *outbox
	mr     *miniredis.Miniredis
	inApp  *notify.InAppPublisher
	rdb    *redis.Client
}

func testEngineConfig(t *testing.T) multiauth.Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := multiauth.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Pending.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.OTP.Pepper = []byte("pepper-pepper-pepper")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.UpgradeOnLogin = false
	cfg.Environment = "test"
	return cfg
}

func newAPIHarness(t *testing.T, cfg multiauth.Config, mutate ...func(*Options)) *apiHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &apiHarness{store: memory.New(), outbox: &outbox{}, mr: mr, rdb: rdb}
	h.inApp = notify.NewInAppPublisher(rdb, "")
	engine, err := multiauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(h.store).
		WithNotifier(notify.NewRouter(h.outbox).Route(h.inApp, multiauth.NotifyInAppOTP)).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	h.engine = engine

	opts := Options{Engine: engine}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.server, err = New(opts)
	require.NoError(t, err)
	return h
}

// client is a browser: it keeps cookies in arrival order and replays
// them on every request.
type client struct {
	h       *apiHarness
	addr    string
	names   []string
	cookies map[string]string
}

func (h *apiHarness) browser() *client {
	return &client{h: h, addr: testAddr, cookies: map[string]string{}}
}

type result struct {
	status  int
	env     Envelope
	data    map[string]any
	header  http.Header
	cleared map[string]bool
}

func (c *client) do(t *testing.T, method, path string, body any) result {
	t.Helper()

	var buf *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	} else {
		buf = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", testUserAgent)
	req.RemoteAddr = c.addr
	for _, name := range c.names {
		req.AddCookie(&http.Cookie{Name: name, Value: c.cookies[name]})
	}

	rec := httptest.NewRecorder()
	c.h.server.Handler().ServeHTTP(rec, req)

	res := result{status: rec.Code, header: rec.Header(), cleared: map[string]bool{}}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.env), rec.Body.String())
	if m, ok := res.env.Data.(map[string]any); ok {
		res.data = m
	}

	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 || ck.Value == "" {
			res.cleared[ck.Name] = true
			c.drop(ck.Name)
			continue
		}
		if _, ok := c.cookies[ck.Name]; !ok {
			c.names = append(c.names, ck.Name)
		}
		c.cookies[ck.Name] = ck.Value
	}
	return res
}

func (c *client) drop(name string) {
	if _, ok := c.cookies[name]; !ok {
		return
	}
	delete(c.cookies, name)
	for i, n := range c.names {
		if n == name {
			c.names = append(c.names[:i], c.names[i+1:]...)
			return
		}
	}
}

func (c *client) sessionCookies() []string {
	var out []string
	for _, n := range c.names {
		if strings.HasPrefix(n, cookieSessionPrefix) {
			out = append(out, n)
		}
	}
	return out
}

func (h *apiHarness) register(t *testing.T, email string, mutate ...func(*multiauth.UserIdentity)) *multiauth.UserIdentity {
	t.Helper()
	u, err := h.engine.Register(context.Background(), multiauth.RegisterRequest{Email: email, Password: testPassword})
	require.NoError(t, err)
	if len(mutate) > 0 {
		require.NoError(t, h.store.Update(u.ID, func(id *multiauth.UserIdentity) {
			for _, fn := range mutate {
				fn(id)
			}
		}))
	}
	return u
}

// signIn logs email in on c, completing the new-device check by email code
// when asked for one.
func (c *client) signIn(t *testing.T, email string) result {
	t.Helper()
	res := c.do(t, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": testPassword})
	require.Equal(t, http.StatusOK, res.status, res.env.Message)
	if res.env.Code != CodeNewDeviceRequired {
		return res
	}

	sent := c.do(t, http.MethodPost, "/auth/mfa/send-email-otp", nil)
	require.Equal(t, http.StatusOK, sent.status, sent.env.Code)

	code := c.h.outbox.lastCode(t, email)
	return c.do(t, http.MethodPost, "/auth/mfa/verify-otp", map[string]string{"factor": "email_otp", "code": code})
}

func expiresIn(t *testing.T, v any) time.Duration {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok)
	at, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return time.Until(at)
}

func newRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("User-Agent", testUserAgent)
	req.RemoteAddr = testAddr
	return req
}

func serve(h *apiHarness, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (o *outbox) lastResetToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.sent) - 1; i >= 0; i-- {
		if o.sent[i].Kind == multiauth.NotifyPasswordReset {
			return o.sent[i].ResetToken
		}
	}
	t.Fatalf("no reset token sent")
	return ""
}
