package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/middleware"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// RateLimitOptions configures the per-IP request limiter placed in front of
// every route. It is coarse abuse protection; the engine keeps its own
// per-email and per-user counters.
type RateLimitOptions struct {
	Enabled bool
	RPS     float64
	Burst   int
	IdleTTL time.Duration
}

type Options struct {
	Engine     *multiauth.Engine
	Logger     *zap.Logger
	Cookies    CookieOptions
	TrustProxy bool
	RateLimit  RateLimitOptions
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
}

type Server struct {
	engine  *multiauth.Engine
	opts    Options
	log     *zap.Logger
	cookies cookieJar
	limiter *ipLimiter
	router  chi.Router
}

// New wires the routes. Zero cookie lifetimes fall back to the engine's
// session lifetime and pending TTL.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("httpapi: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Engine.Config()
	if opts.Cookies.SessionTTL <= 0 {
		opts.Cookies.SessionTTL = cfg.Session.Lifetime
	}
	if opts.Cookies.PendingTTL <= 0 {
		opts.Cookies.PendingTTL = cfg.Pending.TTL
	}

	s := &Server{
		engine:  opts.Engine,
		opts:    opts,
		log:     opts.Logger.Named("http"),
		cookies: cookieJar{opts: opts.Cookies},
	}
	if opts.RateLimit.Enabled {
		s.limiter = newIPLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst, opts.RateLimit.IdleTTL)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.withRequestID, s.withRecover, s.withLogging, withSecurityHeaders, s.withClient)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(s.withRateLimit)

		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/logout-all", s.handleLogoutEverywhere)
		r.Post("/refresh", s.handleRefresh)

		r.Route("/mfa", func(r chi.Router) {
			r.Post("/verify", s.handleVerify)
			r.Post("/verify-otp", s.handleVerifyOTP)
			r.Post("/verify-security-key", s.handleVerifySecurityKey)
			r.Post("/send-email-otp", s.handleSendOTP(multiauth.FactorEmailOTP))
			r.Post("/send-notification-otp", s.handleSendOTP(multiauth.FactorNotificationOTP))
			r.Get("/check-session", s.handleCheckSession)
			r.Post("/invalidate", s.handleInvalidate)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/switch", s.handleSwitch)
			r.Post("/logout-all", s.handleLogoutBrowser)
		})

		r.Route("/password", func(r chi.Router) {
			r.Post("/change", s.handleChangePassword)
			r.Post("/forgot", s.handleForgotPassword)
			r.Post("/reset", s.handleResetPassword)
		})

		r.Route("/security", func(r chi.Router) {
			r.Post("/super-secure", s.handleSuperSecure)
			r.Post("/backup-codes", s.handleBackupCodes)
		})

		r.With(middleware.Guard(s.engine)).Get("/me", s.handleMe)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, "ok", nil)
}
