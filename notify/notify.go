// Package notify holds the delivery sinks behind the engine's notifier:
// generic JSON webhooks, a Slack incoming hook, and SMTP mail. Sinks are
// configured declaratively next to the job catalog.
package notify

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/taskgrid/taskgrid/core"
)

// Config declares every configured sink plus the named payload templates
// available to webhook-send steps.
type Config struct {
	Webhooks  []WebhookConfig   `yaml:"webhooks,omitempty" mapstructure:"webhooks"`
	Slack     *SlackConfig      `yaml:"slack,omitempty" mapstructure:"slack"`
	Mail      *MailConfig       `yaml:"mail,omitempty" mapstructure:"mail"`
	Templates map[string]string `yaml:"templates,omitempty" mapstructure:"templates"`
}

// Manager owns the sinks and the named templates. It backs both the
// notifier's fan-out and the webhook-send step kind.
type Manager struct {
	logger    core.Logger
	sinks     []core.NotifySink
	templates map[string]*template.Template
	webhooks  []*WebhookSink
}

// NewManager builds all configured sinks. Credential placeholders like
// ${WEBHOOK_TOKEN} in URLs and headers are expanded from the environment.
func NewManager(cfg Config, logger core.Logger) (*Manager, error) {
	m := &Manager{
		logger:    logger,
		templates: make(map[string]*template.Template),
	}

	for i := range cfg.Webhooks {
		sink, err := NewWebhookSink(cfg.Webhooks[i])
		if err != nil {
			return nil, fmt.Errorf("webhook %q: %w", cfg.Webhooks[i].Name, err)
		}
		m.sinks = append(m.sinks, sink)
		m.webhooks = append(m.webhooks, sink)
	}
	if cfg.Slack != nil && cfg.Slack.WebhookURL != "" {
		m.sinks = append(m.sinks, NewSlackSink(*cfg.Slack))
	}
	if cfg.Mail != nil && cfg.Mail.SMTPHost != "" {
		m.sinks = append(m.sinks, NewMailSink(*cfg.Mail))
	}

	for name, raw := range cfg.Templates {
		tmpl, err := template.New(name).Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
		m.templates[name] = tmpl
	}
	return m, nil
}

// Sinks returns the configured sinks for the engine's notifier.
func (m *Manager) Sinks() []core.NotifySink { return m.sinks }

// Deliver renders a named template with the given variables and posts the
// result through every webhook sink. It backs webhook-send steps.
func (m *Manager) Deliver(templateID string, vars map[string]string) error {
	tmpl, ok := m.templates[templateID]
	if !ok {
		return fmt.Errorf("unknown payload template %q", templateID)
	}

	expanded := make(map[string]string, len(vars))
	for k, v := range vars {
		expanded[k] = os.ExpandEnv(v)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, expanded); err != nil {
		return fmt.Errorf("render template %q: %w", templateID, err)
	}

	if len(m.webhooks) == 0 {
		return fmt.Errorf("no webhook sinks configured")
	}
	var firstErr error
	for _, sink := range m.webhooks {
		if err := sink.Post(buf.Bytes()); err != nil {
			m.logger.Errorf("webhook %s: %v", sink.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
