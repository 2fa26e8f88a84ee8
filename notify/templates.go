package notify

import (
	"bytes"
	"fmt"
	htmltpl "html/template"
	texttpl "text/template"

	"github.com/MrEthical07/multiauth"
)

// MessageVars is the data every email template renders against.
type MessageVars struct {
	AppName    string
	Email      string
	Code       string
	CodeTTL    string
	ResetLink  string
	Remaining  int
	Enabled    bool
	DeviceName string
	IP         string
	UserAgent  string
	At         string
}

type emailTemplate struct {
	subject *texttpl.Template
	text    *texttpl.Template
	html    *htmltpl.Template
}

type templateSource struct {
	subject, text, html string
}

var defaultSources = map[multiauth.NotificationKind]templateSource{
	multiauth.NotifyEmailOTP: {
		subject: `{{.AppName}} verification code`,
		text:    "Your verification code is {{.Code}}.\nIt expires in {{.CodeTTL}}. If you did not try to sign in, change your password.\n",
		html:    `<p>Your verification code is <strong>{{.Code}}</strong>.</p><p>It expires in {{.CodeTTL}}. If you did not try to sign in, change your password.</p>`,
	},
	multiauth.NotifyNewDeviceLogin: {
		subject: `New sign-in to your {{.AppName}} account`,
		text:    "Your account was signed in from {{.DeviceName}} ({{.IP}}) at {{.At}}.\nIf this was not you, reset your password.\n",
		html:    `<p>Your account was signed in from <strong>{{.DeviceName}}</strong> ({{.IP}}) at {{.At}}.</p><p>If this was not you, reset your password.</p>`,
	},
	multiauth.NotifyBackupCodeUsed: {
		subject: `A {{.AppName}} backup code was used`,
		text:    "A backup code was used to sign in at {{.At}}. {{.Remaining}} codes remain.\n",
		html:    `<p>A backup code was used to sign in at {{.At}}. {{.Remaining}} codes remain.</p>`,
	},
	multiauth.NotifyLowBackupCodes: {
		subject: `You are running out of {{.AppName}} backup codes`,
		text:    "Only {{.Remaining}} backup codes remain. Generate a new set from your security settings.\n",
		html:    `<p>Only <strong>{{.Remaining}}</strong> backup codes remain. Generate a new set from your security settings.</p>`,
	},
	multiauth.NotifyPasswordReset: {
		subject: `Reset your {{.AppName}} password`,
		text:    "Use this link to choose a new password:\n{{.ResetLink}}\nIf you did not ask for this, ignore this email.\n",
		html:    `<p><a href="{{.ResetLink}}">Choose a new password</a></p><p>If you did not ask for this, ignore this email.</p>`,
	},
	multiauth.NotifyPasswordChanged: {
		subject: `Your {{.AppName}} password was changed`,
		text:    "Your password was changed at {{.At}} and every session was signed out.\n",
		html:    `<p>Your password was changed at {{.At}} and every session was signed out.</p>`,
	},
	multiauth.NotifySuperSecureChanged: {
		subject: `{{.AppName}} Super Secure mode {{if .Enabled}}enabled{{else}}disabled{{end}}`,
		text:    "Super Secure mode was {{if .Enabled}}enabled{{else}}disabled{{end}} at {{.At}}. Every session was signed out.\n",
		html:    `<p>Super Secure mode was {{if .Enabled}}enabled{{else}}disabled{{end}} at {{.At}}. Every session was signed out.</p>`,
	},
}

func parseTemplates(sources map[multiauth.NotificationKind]templateSource) (map[multiauth.NotificationKind]*emailTemplate, error) {
	out := make(map[multiauth.NotificationKind]*emailTemplate, len(sources))
	for kind, src := range sources {
		name := string(kind)
		subject, err := texttpl.New(name + "_subject").Parse(src.subject)
		if err != nil {
			return nil, fmt.Errorf("template %s subject: %w", name, err)
		}
		text, err := texttpl.New(name + "_txt").Parse(src.text)
		if err != nil {
			return nil, fmt.Errorf("template %s text: %w", name, err)
		}
		html, err := htmltpl.New(name + "_html").Parse(src.html)
		if err != nil {
			return nil, fmt.Errorf("template %s html: %w", name, err)
		}
		out[kind] = &emailTemplate{subject: subject, text: text, html: html}
	}
	return out, nil
}

func (t *emailTemplate) render(vars MessageVars) (subject, text, html string, err error) {
	var buf bytes.Buffer
	if err = t.subject.Execute(&buf, vars); err != nil {
		return "", "", "", err
	}
	subject = buf.String()

	buf.Reset()
	if err = t.text.Execute(&buf, vars); err != nil {
		return "", "", "", err
	}
	text = buf.String()

	buf.Reset()
	if err = t.html.Execute(&buf, vars); err != nil {
		return "", "", "", err
	}
	return subject, text, buf.String(), nil
}
