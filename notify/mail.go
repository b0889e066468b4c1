package notify

import (
	"crypto/tls"
	"fmt"
	"strings"

	mail "github.com/go-mail/mail/v2"

	"github.com/taskgrid/taskgrid/core"
)

// MailConfig configures the SMTP sink.
type MailConfig struct {
	SMTPHost          string `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort          int    `yaml:"smtp_port" mapstructure:"smtp_port"`
	SMTPUser          string `yaml:"smtp_user,omitempty" mapstructure:"smtp_user" json:"-"`
	SMTPPassword      string `yaml:"smtp_password,omitempty" mapstructure:"smtp_password" json:"-"`
	SMTPTLSSkipVerify bool   `yaml:"smtp_tls_skip_verify,omitempty" mapstructure:"smtp_tls_skip_verify"`
	EmailTo           string `yaml:"email_to" mapstructure:"email_to"`
	EmailFrom         string `yaml:"email_from" mapstructure:"email_from"`
	OnlyFailure       bool   `yaml:"only_failure,omitempty" mapstructure:"only_failure"`
}

// MailSink delivers notifications by mail, one message per event.
type MailSink struct {
	cfg MailConfig
}

func NewMailSink(cfg MailConfig) *MailSink {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &MailSink{cfg: cfg}
}

func (s *MailSink) Name() string { return "mail" }

func (s *MailSink) Notify(n core.Notification) error {
	if s.cfg.OnlyFailure && n.Kind != core.NotifyFailure {
		return nil
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", s.from())
	msg.SetHeader("To", strings.Split(s.cfg.EmailTo, ",")...)
	msg.SetHeader("Subject", fmt.Sprintf("[taskgrid] %s", n.Title))

	body := n.Title
	if n.Body != "" {
		body += "\n\n" + n.Body
	}
	msg.SetBody("text/plain", body)

	d := mail.NewDialer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPassword)
	if s.cfg.SMTPTLSSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-in
	}
	return d.DialAndSend(msg)
}

func (s *MailSink) from() string {
	if s.cfg.EmailFrom != "" {
		return s.cfg.EmailFrom
	}
	return "taskgrid@localhost"
}
