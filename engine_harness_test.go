package multiauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/multiauth/internal"
	"github.com/MrEthical07/multiauth/internal/flows"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	testPassword  = "correct-horse-battery"
	testUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
	otherAgent    = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	testIP        = "203.0.113.7"
)

type fakeCredentialStore struct {
	mu      sync.Mutex
	users   map[string]*UserIdentity
	byEmail map[string]string
	backup  map[string][][32]byte
	nextID  int

	getErr error
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{
		users:   map[string]*UserIdentity{},
		byEmail: map[string]string{},
		backup:  map[string][][32]byte{},
	}
}

func (s *fakeCredentialStore) put(u *UserIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	s.byEmail[NormalizeEmail(u.Email)] = u.ID
}

func (s *fakeCredentialStore) mutate(userID string, fn func(*UserIdentity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.users[userID])
}

func (s *fakeCredentialStore) GetByEmail(_ context.Context, email string) (*UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *fakeCredentialStore) GetByID(_ context.Context, userID string) (*UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeCredentialStore) Create(_ context.Context, in CreateIdentityInput) (*UserIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[in.Email]; ok {
		return nil, ErrIdentityExists
	}
	s.nextID++
	u := &UserIdentity{
		ID:            "new-" + strconv.Itoa(s.nextID),
		Email:         in.Email,
		PasswordHash:  in.PasswordHash,
		EmailVerified: in.EmailVerified,
	}
	s.users[u.ID] = u
	s.byEmail[in.Email] = u.ID
	cp := *u
	return &cp, nil
}

func (s *fakeCredentialStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *fakeCredentialStore) SetSuperSecure(_ context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	u.SuperSecure = enabled
	return nil
}

func (s *fakeCredentialStore) ReplaceBackupCodes(_ context.Context, userID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrIdentityNotFound
	}
	s.backup[userID] = append([][32]byte(nil), hashes...)
	u.BackupCodesRemaining = len(hashes)
	return nil
}

func (s *fakeCredentialStore) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backup[userID]
	for i, h := range codes {
		if h == hash {
			s.backup[userID] = append(codes[:i:i], codes[i+1:]...)
			remaining := len(s.backup[userID])
			s.users[userID].BackupCodesRemaining = remaining
			return remaining, true, nil
		}
	}
	return len(codes), false, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) last(kind NotificationKind) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].Kind == kind {
			return n.sent[i], true
		}
	}
	return Notification{}, false
}

func (n *recordingNotifier) count(kind NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, msg := range n.sent {
		if msg.Kind == kind {
			c++
		}
	}
	return c
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []RevocationEvent
}

func (p *recordingPublisher) PublishRevocation(_ context.Context, ev RevocationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.SessionID)
	}
	return out
}

type fakeStrongFactor struct {
	valid string
}

func (f fakeStrongFactor) VerifyAssertion(_ context.Context, _ string, assertion []byte) error {
	if string(assertion) != f.valid {
		return errors.New("assertion rejected")
	}
	return nil
}

type testHarness struct {
	engine    *Engine
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	store     *fakeCredentialStore
	notifier  *recordingNotifier
	publisher *recordingPublisher
}

func testConfig() Config {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Pending.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.OTP.Pepper = []byte("pepper-pepper-pepper")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.UpgradeOnLogin = false
	cfg.Metrics.Enabled = true
	cfg.Environment = "test"
	return cfg
}

type harnessOption func(*Builder)

func newHarness(t *testing.T, cfg Config, opts ...harnessOption) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := &testHarness{
		mr:        mr,
		rdb:       rdb,
		store:     newFakeCredentialStore(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(h.store).
		WithNotifier(h.notifier).
		WithRevocationPublisher(h.publisher)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	h.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return h
}

// addUser stores a verified password identity. The device marker for
// testUserAgent is seeded unless the identity should start on a new device.
func (h *testHarness) addUser(t *testing.T, id, email string, trustDevice bool, mutate ...func(*UserIdentity)) *UserIdentity {
	t.Helper()
	hash, err := h.engine.passwordHash.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &UserIdentity{
		ID:            id,
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: true,
	}
	for _, fn := range mutate {
		fn(u)
	}
	h.store.put(u)
	if trustDevice {
		h.trust(t, id, testUserAgent)
	}
	return u
}

func (h *testHarness) trust(t *testing.T, userID, userAgent string) {
	t.Helper()
	fp := internal.DeviceFingerprint(userAgent)
	if err := h.engine.devices.Remember(context.Background(), userID, fp, time.Hour); err != nil {
		t.Fatalf("remember device: %v", err)
	}
}

func (h *testHarness) setBackupCodes(t *testing.T, userID string, n int) []string {
	t.Helper()
	codes, hashes, err := flows.NewBackupCodes(userID, n, 10)
	if err != nil {
		t.Fatalf("backup codes: %v", err)
	}
	if err := h.store.ReplaceBackupCodes(context.Background(), userID, hashes); err != nil {
		t.Fatalf("replace backup codes: %v", err)
	}
	return codes
}

func testDevice() DeviceInfo {
	return DeviceInfo{IP: testIP, UserAgent: testUserAgent}
}

// withSession returns browser state after a session was issued, as the
// HTTP layer would rebuild it from cookies.
func withSession(browser BrowserSessions, s *IssuedSession) BrowserSessions {
	out := BrowserSessions{Active: s.SessionID, LegacyRefreshToken: browser.LegacyRefreshToken}
	replaced := false
	for _, c := range browser.Sessions {
		if c.SessionID == s.SessionID && s.BindingSecret != "" {
			c.BindingSecret = s.BindingSecret
			replaced = true
		}
		out.Sessions = append(out.Sessions, c)
	}
	if !replaced && s.BindingSecret != "" {
		out.Sessions = append(out.Sessions, SessionCookie{SessionID: s.SessionID, BindingSecret: s.BindingSecret})
	}
	return out
}

func (h *testHarness) login(t *testing.T, email string, dev DeviceInfo, browser BrowserSessions) *LoginOutcome {
	t.Helper()
	out, err := h.engine.Login(context.Background(), LoginRequest{
		Email:    email,
		Password: testPassword,
		Device:   dev,
		Browser:  browser,
	})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return out
}

func (h *testHarness) loginTrusted(t *testing.T, email string, browser BrowserSessions) (*IssuedSession, BrowserSessions) {
	t.Helper()
	out := h.login(t, email, testDevice(), browser)
	if out.Kind != OutcomeTrusted || out.Session == nil {
		t.Fatalf("expected trusted outcome, got %v", out.Kind)
	}
	return out.Session, withSession(browser, out.Session)
}

func containsFactor(factors []string, f string) bool {
	for _, x := range factors {
		if x == f {
			return true
		}
	}
	return false
}

// emailExemption is the integration-test identity exemption: listed
// addresses skip every challenge gate.
type emailExemption map[string]bool

func (x emailExemption) Exempt(identity *UserIdentity) bool {
	return x[strings.ToLower(identity.Email)]
}

func withExemption(emails ...string) harnessOption {
	x := emailExemption{}
	for _, e := range emails {
		x[strings.ToLower(e)] = true
	}
	return func(b *Builder) { b.withIdentityExemption(x) }
}
