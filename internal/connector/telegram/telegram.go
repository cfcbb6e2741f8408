package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/livedesk/internal/connector"
)

// Config holds Telegram notifier configuration.
type Config struct {
	Token       string  // Bot token from @BotFather
	ChatIDs     []int64 // Chats that receive alerts
	APIEndpoint string  // optional, e.g. "https://api.telegram.org/bot%s/%s"
}

// Notifier implements connector.Notifier for Telegram.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	config Config
	logger *slog.Logger
}

// New creates a new Telegram notifier. The bot token is verified with getMe.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("telegram: at least one chat id is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Notifier{
		bot:    bot,
		config: cfg,
		logger: logger,
	}, nil
}

func (n *Notifier) Name() string { return "telegram" }

// Notify sends the alert to every configured chat.
func (n *Notifier) Notify(ctx context.Context, a connector.Alert) error {
	var errs []error
	for _, chatID := range n.config.ChatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(chatID, a); err != nil {
			errs = append(errs, fmt.Errorf("telegram: chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) send(chatID int64, a connector.Alert) error {
	msg := tgbotapi.NewMessage(chatID, FormatHTML(a))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	_, err := n.bot.Send(msg)
	if err != nil {
		// Fallback to plain text if HTML fails
		n.logger.Warn("HTML send failed, falling back to plain text",
			"chat_id", chatID,
			"error", err,
		)
		msg.Text = a.Title() + "\n\n" + a.Summary()
		msg.ParseMode = ""
		_, err = n.bot.Send(msg)
	}
	return err
}

// FormatHTML renders an alert in Telegram's HTML subset.
func FormatHTML(a connector.Alert) string {
	return "<b>" + html.EscapeString(a.Title()) + "</b>\n\n" + html.EscapeString(a.Summary())
}
