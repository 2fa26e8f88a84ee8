package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/MrEthical07/multiauth/internal/logger"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRequestIDLen = 128

// withRequestID propagates X-Request-ID or mints one, and attaches a
// request-scoped logger.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)

		ctx := multiauth.WithRequestID(r.Context(), rid)
		ctx = logger.ToContext(ctx, s.log.With(logger.RequestID(rid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withClient resolves the caller's address and user agent for the engine's
// device binding.
func (s *Server) withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.opts.TrustProxy)
		ctx := multiauth.WithClientIP(r.Context(), ip)
		ctx = multiauth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) device(r *http.Request) multiauth.DeviceInfo {
	return multiauth.DeviceInfo{IP: clientIP(r, s.opts.TrustProxy), UserAgent: r.UserAgent()}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		log := logger.From(r.Context())
		fields := []zap.Field{
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(sr.status),
			logger.Duration(time.Since(start)),
			logger.ClientIP(clientIP(r, s.opts.TrustProxy)),
		}
		if sr.status >= 500 {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.From(r.Context()).Error("panic recovered",
					logger.Op("recover"),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				writeJSON(w, http.StatusInternalServerError, Envelope{Message: "Internal server error.", Code: CodeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

/*
====================================
PER-IP LIMITER
====================================
*/

// ipLimiter holds one token bucket per client address. Idle buckets expire
// out of the cache.
type ipLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
	limit   rate.Limit
	burst   int
	idle    time.Duration
}

func newIPLimiter(rps float64, burst int, idle time.Duration) *ipLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		buckets: cache.New(idle, idle),
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    idle,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(ip); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// refresh expiry on every hit
	l.buckets.Set(ip, lim, l.idle)
	l.mu.Unlock()
	return lim.Allow()
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r, s.opts.TrustProxy)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, Envelope{
				Message: "Too many requests.",
				Code:    CodeRateLimited,
				Data:    map[string]any{"retryAfter": 1},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
