package notify

import (
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"
)

// Sender transmits one rendered email.
type Sender interface {
	Send(to, subject, htmlBody, textBody string) error
}

const (
	TLSModeAuto     = "auto"
	TLSModeStartTLS = "starttls"
	TLSModeSSL      = "ssl"
	TLSModeNone     = "none"
)

type SMTPSender struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

func NewSMTPSender(host string, port int, from, user, pass string) *SMTPSender {
	return &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: TLSModeAuto,
		Timeout: 10 * time.Second,
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody, textBody string) error {
	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	if textBody != "" {
		m.SetBody("text/plain", textBody)
	}
	if htmlBody != "" {
		if textBody == "" {
			m.SetBody("text/html", htmlBody)
		} else {
			m.AddAlternative("text/html", htmlBody)
		}
	}

	d, err := s.dialer()
	if err != nil {
		return err
	}
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) dialer() (*mail.Dialer, error) {
	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	if s.Timeout > 0 {
		d.Timeout = s.Timeout
	}
	d.TLSConfig = &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.InsecureSkipVerify,
	}

	switch s.TLSMode {
	case TLSModeSSL:
		d.SSL = true
	case TLSModeStartTLS:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case TLSModeNone:
		d.StartTLSPolicy = mail.NoStartTLS
	case TLSModeAuto, "":
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	default:
		return nil, fmt.Errorf("smtp: unknown tls mode %q", s.TLSMode)
	}
	return d, nil
}
