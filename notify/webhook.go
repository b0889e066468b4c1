package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/template"
	"time"

	"github.com/taskgrid/taskgrid/core"
)

// WebhookConfig declares one generic JSON webhook destination.
type WebhookConfig struct {
	Name   string `yaml:"name" mapstructure:"name"`
	URL    string `yaml:"url" mapstructure:"url"`
	Method string `yaml:"method,omitempty" mapstructure:"method"`

	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`

	// Body is an optional template over the notification; empty sends the
	// notification as raw JSON.
	Body string `yaml:"body,omitempty" mapstructure:"body"`

	// Events filters delivery to the listed notification kinds; empty means
	// all.
	Events []string `yaml:"events,omitempty" mapstructure:"events"`

	TimeoutSeconds    int `yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	MaxRetries        int `yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds,omitempty" mapstructure:"retry_delay_seconds"`
}

// WebhookSink posts notifications as JSON, with bounded retries on transport
// errors and 5xx responses.
type WebhookSink struct {
	cfg    WebhookConfig
	url    string
	body   *template.Template
	events map[string]bool
	client *http.Client
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = 2
	}

	s := &WebhookSink{
		cfg: cfg,
		// WEBHOOK_* credentials come through the environment.
		url:    os.ExpandEnv(cfg.URL),
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
	if cfg.Body != "" {
		tmpl, err := template.New(cfg.Name).Parse(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("body template: %w", err)
		}
		s.body = tmpl
	}
	if len(cfg.Events) > 0 {
		s.events = make(map[string]bool, len(cfg.Events))
		for _, e := range cfg.Events {
			s.events[e] = true
		}
	}
	return s, nil
}

func (s *WebhookSink) Name() string { return s.cfg.Name }

func (s *WebhookSink) Notify(n core.Notification) error {
	if s.events != nil && !s.events[string(n.Kind)] {
		return nil
	}

	var payload []byte
	if s.body != nil {
		var buf bytes.Buffer
		if err := s.body.Execute(&buf, n); err != nil {
			return fmt.Errorf("render body: %w", err)
		}
		payload = buf.Bytes()
	} else {
		var err error
		payload, err = json.Marshal(n)
		if err != nil {
			return err
		}
	}
	return s.Post(payload)
}

// Post sends a raw payload with the sink's retry policy.
func (s *WebhookSink) Post(payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(s.cfg.RetryDelaySeconds) * time.Second)
		}
		lastErr = s.post(payload)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

func (s *WebhookSink) post(payload []byte) error {
	req, err := http.NewRequest(s.cfg.Method, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %s", resp.Status)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// 4xx will not get better on retry.
		return &permanentError{status: resp.Status}
	}
	return nil
}

type permanentError struct {
	status string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("rejected with status %s", e.status)
}
