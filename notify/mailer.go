package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/multiauth"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedKind = errors.New("notify: unsupported notification kind")
	ErrNoRecipient     = errors.New("notify: notification has no recipient")
	ErrNoReceiver      = fmt.Errorf("notify: %w", multiauth.ErrNoReceiver)
)

type MailerOptions struct {
	AppName string
	// ResetURL is the page that accepts ?token=. Password reset mails are
	// refused when it is empty.
	ResetURL string
	CodeTTL  time.Duration
	Logger   *zap.Logger
}

// Mailer is a multiauth.Notifier for every email-delivered kind.
type Mailer struct {
	sender    Sender
	templates map[multiauth.NotificationKind]*emailTemplate
	appName   string
	resetURL  string
	codeTTL   time.Duration
	logger    *zap.Logger
}

func NewMailer(sender Sender, opts MailerOptions) (*Mailer, error) {
	if sender == nil {
		return nil, errors.New("notify: sender is required")
	}
	tpls, err := parseTemplates(defaultSources)
	if err != nil {
		return nil, err
	}
	if opts.AppName == "" {
		opts.AppName = "multiauth"
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Mailer{
		sender:    sender,
		templates: tpls,
		appName:   opts.AppName,
		resetURL:  opts.ResetURL,
		codeTTL:   opts.CodeTTL,
		logger:    opts.Logger.Named("mailer"),
	}, nil
}

// Kinds lists the notification kinds the mailer renders.
func (m *Mailer) Kinds() []multiauth.NotificationKind {
	out := make([]multiauth.NotificationKind, 0, len(m.templates))
	for k := range m.templates {
		out = append(out, k)
	}
	return out
}

func (m *Mailer) Notify(_ context.Context, n multiauth.Notification) error {
	tpl, ok := m.templates[n.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, n.Kind)
	}
	if strings.TrimSpace(n.Email) == "" {
		return ErrNoRecipient
	}

	vars, err := m.vars(n)
	if err != nil {
		return err
	}
	subject, text, html, err := tpl.render(vars)
	if err != nil {
		return fmt.Errorf("render %s: %w", n.Kind, err)
	}

	start := time.Now()
	if err := m.sender.Send(n.Email, subject, html, text); err != nil {
		m.logger.Warn("mail send failed",
			zap.String("kind", string(n.Kind)),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
		return err
	}
	m.logger.Debug("mail sent",
		zap.String("kind", string(n.Kind)),
		zap.String("user_id", n.UserID),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (m *Mailer) vars(n multiauth.Notification) (MessageVars, error) {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	vars := MessageVars{
		AppName:    m.appName,
		Email:      n.Email,
		Code:       n.Code,
		CodeTTL:    m.codeTTL.String(),
		Remaining:  n.Remaining,
		Enabled:    n.Enabled,
		DeviceName: n.DeviceName,
		IP:         n.Device.IP,
		UserAgent:  n.Device.UserAgent,
		At:         at.UTC().Format(time.RFC1123),
	}
	if vars.DeviceName == "" {
		vars.DeviceName = "an unknown device"
	}

	if n.Kind == multiauth.NotifyPasswordReset {
		if m.resetURL == "" {
			return vars, errors.New("notify: reset url not configured")
		}
		link, err := resetLink(m.resetURL, n.ResetToken)
		if err != nil {
			return vars, err
		}
		vars.ResetLink = link
	}
	return vars, nil
}

func resetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("notify: reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ multiauth.Notifier = (*Mailer)(nil)
