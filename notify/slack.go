package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/taskgrid/taskgrid/core"
)

var slackUsername = "taskgrid"

// SlackConfig configures the Slack incoming-webhook sink.
type SlackConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel     string `yaml:"channel,omitempty" mapstructure:"channel"`
	Username    string `yaml:"username,omitempty" mapstructure:"username"`
	OnlyFailure bool   `yaml:"only_failure,omitempty" mapstructure:"only_failure"`
}

// SlackSink posts notifications to a Slack incoming webhook.
type SlackSink struct {
	cfg    SlackConfig
	url    string
	client *http.Client
}

func NewSlackSink(cfg SlackConfig) *SlackSink {
	if cfg.Username == "" {
		cfg.Username = slackUsername
	}
	return &SlackSink{
		cfg:    cfg,
		url:    os.ExpandEnv(cfg.WebhookURL),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackSink) Name() string { return "slack" }

type slackMessage struct {
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	Channel   string `json:"channel,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

func (s *SlackSink) Notify(n core.Notification) error {
	if s.cfg.OnlyFailure && n.Kind != core.NotifyFailure {
		return nil
	}

	text := n.Title
	if n.Body != "" {
		text = fmt.Sprintf("%s\n```%s```", n.Title, n.Body)
	}
	msg := slackMessage{
		Text:     text,
		Username: s.cfg.Username,
		Channel:  s.cfg.Channel,
	}
	if n.Kind == core.NotifyFailure {
		msg.IconEmoji = ":rotating_light:"
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack responded %s", resp.Status)
	}
	return nil
}
