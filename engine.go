package multiauth

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/multiauth/internal/flows"
	"github.com/MrEthical07/multiauth/internal/limiters"
	"github.com/MrEthical07/multiauth/internal/stores"
	"github.com/MrEthical07/multiauth/jwt"
	"github.com/MrEthical07/multiauth/password"
	"github.com/MrEthical07/multiauth/session"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Engine runs the login, verification and multi-account session flows.
// It is safe for concurrent use; all cross-request state lives in Redis or
// behind the injected collaborators.
type Engine struct {
	config Config
	logger *zap.Logger
	redis  redis.UniversalClient

	sessions *session.Store
	pending  *stores.PendingStore
	otps     *stores.OTPStore
	devices  *stores.DeviceStore
	resets   *stores.ResetStore

	loginLockout     *limiters.Lockout
	mfaLockout       *limiters.Lockout
	otpSendThrottle  *limiters.Throttle
	registerThrottle *limiters.Throttle
	resetThrottle    *limiters.Throttle

	credentials  CredentialStore
	notifier     Notifier
	revocations  RevocationPublisher
	strongFactor StrongFactorVerifier
	exemption    identityExemption

	audit   *auditDispatcher
	metrics *Metrics

	passwordHash  *password.Argon2
	otpHasher     *password.OTPHasher
	totp          *totpVerifier
	jwtManager    *jwt.Manager
	pendingSigner *jwt.PendingSigner

	// summaries caches display-only account data for the switcher.
	summaries *cache.Cache

	now func() time.Time
}

// Close flushes the audit dispatcher. The injected Redis client and stores
// are owned by the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// Ping checks the ephemeral state store.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if err := e.sessions.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AuditDroppedByEvent breaks AuditDropped down by event type.
func (e *Engine) AuditDroppedByEvent() map[string]uint64 {
	if e == nil {
		return map[string]uint64{}
	}
	return e.audit.DroppedByEvent()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}

// AccessContext is what a verified bearer token resolves to.
type AccessContext struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// ValidateAccess verifies an access token and that its session is still
// live. A revoked or banned session invalidates every token minted for it.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*AccessContext, error) {
	claims, err := e.jwtManager.ParseAccess(token)
	if err != nil {
		return nil, ErrSessionExpiredOrInvalid
	}

	sess, err := e.sessions.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, session.ErrRedisUnavailable) {
			return nil, unavailable(err)
		}
		return nil, ErrSessionExpiredOrInvalid
	}
	if sess.UserID != claims.UID {
		return nil, ErrSessionExpiredOrInvalid
	}
	if sess.Banned {
		return nil, &BanError{Reason: sess.BanReason}
	}

	out := &AccessContext{UserID: claims.UID, SessionID: claims.SID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// identityByID reloads an identity. Absent and soft-deleted users are
// reported as ErrIdentityNotFound.
func (e *Engine) identityByID(ctx context.Context, userID string) (*UserIdentity, error) {
	identity, err := e.credentials.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrIdentityNotFound
		}
		return nil, unavailable(err)
	}
	if identity == nil || identity.Deleted {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

func profileOf(identity *UserIdentity) flows.Profile {
	return flows.Profile{
		MFAEnabled:                identity.MFAEnabled,
		HasTOTPSecret:             identity.MFASecret != "",
		BackupCodesRemaining:      identity.BackupCodesRemaining,
		EmailOTPEnabled:           identity.EmailOTPEnabled,
		NotificationOTPEnabled:    identity.NotificationOTPEnabled,
		OTPReverificationDisabled: identity.OTPReverificationDisabled,
		SuperSecure:               identity.SuperSecure,
		SecurityKeyCount:          identity.SecurityKeyCount,
		PasskeyCount:              identity.PasskeyCount,
	}
}

// notify delivers n best-effort.
func (e *Engine) notify(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = e.clock()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.metricInc(MetricNotificationFailure)
		e.logger.Warn("notification failed",
			zap.String("op", "notify"),
			zap.String("kind", string(n.Kind)),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
	}
}

func (e *Engine) publishRevocation(ctx context.Context, userID, sessionID, reason string) {
	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, userID, sessionID, nil, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	if e.revocations == nil {
		return
	}
	err := e.revocations.PublishRevocation(ctx, RevocationEvent{
		UserID:    userID,
		SessionID: sessionID,
		Reason:    reason,
		At:        e.clock().UTC(),
	})
	if err != nil {
		e.logger.Warn("revocation publish failed",
			zap.String("op", "publish_revocation"),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func rateLimited(retry time.Duration) error {
	return &RateLimitError{RetryAfter: retry}
}
