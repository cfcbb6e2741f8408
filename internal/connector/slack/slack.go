package slackconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/livedesk/internal/connector"
)

// Config holds Slack notifier configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	Channel  string // channel ID alerts are posted to
	APIURL   string // optional override of the Slack Web API base URL
}

// Notifier implements connector.Notifier by posting to a Slack channel.
type Notifier struct {
	api    *slack.Client
	config Config
	logger *slog.Logger
}

// New creates a new Slack notifier. No network calls are made until Notify.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &Notifier{
		api:    slack.New(cfg.BotToken, opts...),
		config: cfg,
		logger: logger,
	}, nil
}

func (n *Notifier) Name() string { return "slack" }

// Notify posts the alert as a colored attachment with one field per metric.
func (n *Notifier) Notify(ctx context.Context, a connector.Alert) error {
	_, ts, err := n.api.PostMessageContext(ctx, n.config.Channel,
		slack.MsgOptionText("*"+a.Title()+"*", false),
		slack.MsgOptionAttachments(attachment(a)),
	)
	if err != nil {
		return fmt.Errorf("slack: post alert: %w", err)
	}
	n.logger.Debug("slack alert posted", "channel", n.config.Channel, "ts", ts, "reason", a.Reason)
	return nil
}

func attachment(a connector.Alert) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Queue length", Value: strconv.Itoa(a.QueueLength), Short: true},
		{Title: "Agents online", Value: strconv.Itoa(a.OnlineAgents), Short: true},
	}
	if a.OldestWait > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Longest wait",
			Value: a.OldestWait.Round(time.Second).String(),
			Short: true,
		})
	}
	return slack.Attachment{
		Color:    color(a.Reason),
		Fallback: a.Title() + "\n" + a.Summary(),
		Fields:   fields,
		Ts:       timestamp(a.FiredAt),
	}
}

func color(r connector.Reason) string {
	switch r {
	case connector.ReasonNoAgents:
		return "danger"
	case connector.ReasonLongWait:
		return "warning"
	default:
		return "good"
	}
}

func timestamp(t time.Time) json.Number {
	if t.IsZero() {
		return ""
	}
	return json.Number(strconv.FormatInt(t.Unix(), 10))
}
