package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/livedesk/internal/connector"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Hub-Signature-256"

// Config holds webhook notifier configuration.
type Config struct {
	URL string
	// Secret for HMAC-SHA256 signing (X-Hub-Signature-256 header).
	// If empty, BearerToken is sent instead.
	Secret string
	// BearerToken for the Authorization header. Used if Secret is empty.
	BearerToken string
	Client      *http.Client
}

// Payload is the JSON body posted for every alert.
type Payload struct {
	Event        string    `json:"event"`
	Reason       string    `json:"reason"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	QueueLength  int       `json:"queue_length"`
	OnlineAgents int       `json:"online_agents"`
	OldestWaitMS int64     `json:"oldest_wait_ms"`
	FiredAt      time.Time `json:"fired_at"`
}

// Notifier implements connector.Notifier by POSTing JSON to a URL.
type Notifier struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a new webhook notifier.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{config: cfg, client: client, logger: logger}, nil
}

func (n *Notifier) Name() string { return "webhook" }

// Notify posts the alert. Any non-2xx response is an error.
func (n *Notifier) Notify(ctx context.Context, a connector.Alert) error {
	body, err := json.Marshal(Payload{
		Event:        "queue_alert",
		Reason:       string(a.Reason),
		Title:        a.Title(),
		Text:         a.Summary(),
		QueueLength:  a.QueueLength,
		OnlineAgents: a.OnlineAgents,
		OldestWaitMS: a.OldestWait.Milliseconds(),
		FiredAt:      a.FiredAt,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	n.sign(req, body)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	n.logger.Debug("webhook alert delivered", "url", n.config.URL, "status", resp.StatusCode)
	return nil
}

func (n *Notifier) sign(r *http.Request, body []byte) {
	if n.config.Secret != "" {
		r.Header.Set(SignatureHeader, ComputeSignature(body, n.config.Secret))
		return
	}
	if n.config.BearerToken != "" {
		r.Header.Set("Authorization", "Bearer "+n.config.BearerToken)
	}
}

// VerifySignature checks an HMAC-SHA256 signature of the form "sha256=<hex>".
// Receivers use it to authenticate alerts.
func VerifySignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// ComputeSignature generates an HMAC-SHA256 signature for body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
