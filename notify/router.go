package notify

import (
	"context"
	"fmt"

	"github.com/MrEthical07/multiauth"
	"go.uber.org/zap"
)

// Router sends each notification to the notifier registered for its kind,
// or to the fallback when none is.
type Router struct {
	routes   map[multiauth.NotificationKind]multiauth.Notifier
	fallback multiauth.Notifier
}

func NewRouter(fallback multiauth.Notifier) *Router {
	return &Router{
		routes:   make(map[multiauth.NotificationKind]multiauth.Notifier),
		fallback: fallback,
	}
}

func (r *Router) Route(n multiauth.Notifier, kinds ...multiauth.NotificationKind) *Router {
	for _, k := range kinds {
		r.routes[k] = n
	}
	return r
}

func (r *Router) Notify(ctx context.Context, n multiauth.Notification) error {
	target, ok := r.routes[n.Kind]
	if !ok {
		target = r.fallback
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, n.Kind)
	}
	return target.Notify(ctx, n)
}

// LogNotifier records notifications on a logger and delivers nothing. Codes
// and reset tokens are never logged.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n multiauth.Notification) error {
	l.logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("user_id", n.UserID),
		zap.Int("remaining", n.Remaining),
		zap.String("device", n.DeviceName),
		zap.String("ip", n.Device.IP),
	)
	return nil
}

var (
	_ multiauth.Notifier = (*Router)(nil)
	_ multiauth.Notifier = (*LogNotifier)(nil)
)
