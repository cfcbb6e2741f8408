package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level livedesk configuration.
type Config struct {
	Desk   DeskConfig   `json:"desk" yaml:"desk"`
	Tokens TokensConfig `json:"tokens" yaml:"tokens"`
	API    APIConfig    `json:"api" yaml:"api"`
	Limits LimitsConfig `json:"limits" yaml:"limits"`
	Events EventsConfig `json:"events" yaml:"events"`
	Alerts AlertsConfig `json:"alerts" yaml:"alerts"`
}

// DeskConfig holds dispatch and chat settings.
type DeskConfig struct {
	DataDir            string   `json:"data_dir" yaml:"data_dir"`
	MaxUsersPerAgent   int      `json:"max_users_per_agent" yaml:"max_users_per_agent"`
	MaxOverage         int      `json:"max_overage" yaml:"max_overage"` // 0 = unbounded
	JoinTimeoutSeconds int      `json:"join_timeout_seconds" yaml:"join_timeout_seconds"`
	IOTimeoutSeconds   int      `json:"io_timeout_seconds" yaml:"io_timeout_seconds"`
	MaxFileBytes       int      `json:"max_file_bytes,omitempty" yaml:"max_file_bytes,omitempty"`
	AllowedOrigins     []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// TokensConfig holds signing keys and token lifetimes.
type TokensConfig struct {
	ChatEntryKey         string `json:"chat_entry_key" yaml:"chat_entry_key"`
	QueueSkipKey         string `json:"queue_skip_key" yaml:"queue_skip_key"`
	AgentAuthKey         string `json:"agent_auth_key" yaml:"agent_auth_key"`
	ExpirySeconds        int    `json:"expiry_seconds" yaml:"expiry_seconds"`
	AgentTokenTTLSeconds int    `json:"agent_token_ttl_seconds,omitempty" yaml:"agent_token_ttl_seconds,omitempty"`
	PurgeSchedule        string `json:"purge_schedule" yaml:"purge_schedule"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Key     string `json:"api_key" yaml:"api_key"`
	Metrics *bool  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// MetricsEnabled reports whether /metrics is served. Defaults to true.
func (a APIConfig) MetricsEnabled() bool {
	return a.Metrics == nil || *a.Metrics
}

// LimitsConfig holds per-IP admission limits.
type LimitsConfig struct {
	QueueHandshakes int `json:"queue_handshakes" yaml:"queue_handshakes"`
	WindowSeconds   int `json:"window_seconds" yaml:"window_seconds"`
}

// EventsConfig enables domain event publishing. Empty AMQPURL disables it.
type EventsConfig struct {
	AMQPURL  string `json:"amqp_url,omitempty" yaml:"amqp_url,omitempty"`
	Exchange string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
}

// AlertsConfig configures staffing alerts.
type AlertsConfig struct {
	Schedule             string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	WaitThresholdSeconds int            `json:"wait_threshold_seconds,omitempty" yaml:"wait_threshold_seconds,omitempty"`
	CooldownSeconds      int            `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
	Slack                *SlackAlert    `json:"slack,omitempty" yaml:"slack,omitempty"`
	Telegram             *TelegramAlert `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Webhook              *WebhookAlert  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// Enabled reports whether any alert sink is configured.
func (a AlertsConfig) Enabled() bool {
	return a.Slack != nil || a.Telegram != nil || a.Webhook != nil
}

type SlackAlert struct {
	Token   string `json:"token" yaml:"token"`
	Channel string `json:"channel" yaml:"channel"`
}

type TelegramAlert struct {
	Token   string  `json:"token" yaml:"token"`
	ChatIDs []int64 `json:"chat_ids" yaml:"chat_ids"`
}

type WebhookAlert struct {
	URL string `json:"url" yaml:"url"`
	// Secret signs the body (X-Hub-Signature-256). BearerToken is used if empty.
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
}

// Defaults.
const (
	DefaultMaxUsersPerAgent = 5
	DefaultJoinTimeout      = 30
	DefaultIOTimeout        = 10
	DefaultTokenExpiry      = 120
	DefaultPurgeSchedule    = "@every 1m"
	DefaultQueueHandshakes  = 10
	DefaultLimitWindow      = 600
	DefaultExchange         = "livedesk.events"
	DefaultAlertSchedule    = "@every 30s"
	DefaultWaitThreshold    = 120
	DefaultAlertCooldown    = 600
)

// Load reads configuration from a JSON or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data as YAML when ext is .yaml or .yml, else as JSON, and
// fills defaults. It does not validate.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Desk.MaxUsersPerAgent == 0 {
		c.Desk.MaxUsersPerAgent = DefaultMaxUsersPerAgent
	}
	if c.Desk.JoinTimeoutSeconds == 0 {
		c.Desk.JoinTimeoutSeconds = DefaultJoinTimeout
	}
	if c.Desk.IOTimeoutSeconds == 0 {
		c.Desk.IOTimeoutSeconds = DefaultIOTimeout
	}
	if c.Tokens.ExpirySeconds == 0 {
		c.Tokens.ExpirySeconds = DefaultTokenExpiry
	}
	if c.Tokens.PurgeSchedule == "" {
		c.Tokens.PurgeSchedule = DefaultPurgeSchedule
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Limits.QueueHandshakes == 0 {
		c.Limits.QueueHandshakes = DefaultQueueHandshakes
	}
	if c.Limits.WindowSeconds == 0 {
		c.Limits.WindowSeconds = DefaultLimitWindow
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = DefaultExchange
	}
	if c.Alerts.Schedule == "" {
		c.Alerts.Schedule = DefaultAlertSchedule
	}
	if c.Alerts.WaitThresholdSeconds == 0 {
		c.Alerts.WaitThresholdSeconds = DefaultWaitThreshold
	}
	if c.Alerts.CooldownSeconds == 0 {
		c.Alerts.CooldownSeconds = DefaultAlertCooldown
	}
}

// LoadFromEnv builds a config from environment variables with LIVEDESK_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Desk: DeskConfig{
			DataDir:            getenv("LIVEDESK_DATA_DIR", "/data"),
			MaxUsersPerAgent:   getenvInt("LIVEDESK_MAX_USERS_PER_AGENT", 0),
			MaxOverage:         getenvInt("LIVEDESK_MAX_OVERAGE", 0),
			JoinTimeoutSeconds: getenvInt("LIVEDESK_JOIN_TIMEOUT_SECONDS", 0),
		},
		Tokens: TokensConfig{
			ChatEntryKey:  os.Getenv("LIVEDESK_CHAT_ENTRY_KEY"),
			QueueSkipKey:  os.Getenv("LIVEDESK_QUEUE_SKIP_KEY"),
			AgentAuthKey:  os.Getenv("LIVEDESK_AGENT_AUTH_KEY"),
			ExpirySeconds: getenvInt("LIVEDESK_TOKEN_EXPIRY_SECONDS", 0),
		},
		API: APIConfig{
			Host: getenv("LIVEDESK_API_HOST", "0.0.0.0"),
			Port: getenvInt("LIVEDESK_API_PORT", 8080),
			Key:  os.Getenv("LIVEDESK_API_KEY"),
		},
		Events: EventsConfig{
			AMQPURL: os.Getenv("LIVEDESK_AMQP_URL"),
		},
	}
	if origins := os.Getenv("LIVEDESK_ALLOWED_ORIGINS"); origins != "" {
		cfg.Desk.AllowedOrigins = splitList(origins)
	}

	if token := os.Getenv("LIVEDESK_SLACK_TOKEN"); token != "" {
		cfg.Alerts.Slack = &SlackAlert{Token: token, Channel: os.Getenv("LIVEDESK_SLACK_CHANNEL")}
	}
	if token := os.Getenv("LIVEDESK_TELEGRAM_TOKEN"); token != "" {
		cfg.Alerts.Telegram = &TelegramAlert{Token: token}
		if ids := os.Getenv("LIVEDESK_TELEGRAM_CHAT_IDS"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: LIVEDESK_TELEGRAM_CHAT_IDS: %w", err)
			}
			cfg.Alerts.Telegram.ChatIDs = parsed
		}
	}
	if url := os.Getenv("LIVEDESK_WEBHOOK_URL"); url != "" {
		cfg.Alerts.Webhook = &WebhookAlert{
			URL:         url,
			Secret:      os.Getenv("LIVEDESK_WEBHOOK_SECRET"),
			BearerToken: os.Getenv("LIVEDESK_WEBHOOK_BEARER_TOKEN"),
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks for required fields and consistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Desk.DataDir == "" {
		errs = append(errs, "desk.data_dir is required")
	}
	if c.Desk.MaxUsersPerAgent <= 0 {
		errs = append(errs, "desk.max_users_per_agent must be positive")
	}
	if c.Desk.MaxOverage < 0 {
		errs = append(errs, "desk.max_overage must not be negative")
	}
	if c.Desk.JoinTimeoutSeconds < 0 {
		errs = append(errs, "desk.join_timeout_seconds must not be negative")
	}

	if c.Tokens.ChatEntryKey == "" {
		errs = append(errs, "tokens.chat_entry_key is required")
	}
	if c.Tokens.QueueSkipKey == "" {
		errs = append(errs, "tokens.queue_skip_key is required")
	}
	if c.Tokens.ChatEntryKey != "" && c.Tokens.ChatEntryKey == c.Tokens.QueueSkipKey {
		errs = append(errs, "tokens.chat_entry_key and tokens.queue_skip_key must differ")
	}
	if c.Tokens.AgentAuthKey == "" {
		errs = append(errs, "tokens.agent_auth_key is required")
	}
	if c.Tokens.ExpirySeconds <= 0 {
		errs = append(errs, "tokens.expiry_seconds must be positive")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.Limits.QueueHandshakes <= 0 || c.Limits.WindowSeconds <= 0 {
		errs = append(errs, "limits.queue_handshakes and limits.window_seconds must be positive")
	}

	if s := c.Alerts.Slack; s != nil {
		if s.Token == "" {
			errs = append(errs, "alerts.slack.token is required")
		}
		if s.Channel == "" {
			errs = append(errs, "alerts.slack.channel is required")
		}
	}
	if tg := c.Alerts.Telegram; tg != nil {
		if tg.Token == "" {
			errs = append(errs, "alerts.telegram.token is required")
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, "alerts.telegram.chat_ids is required")
		}
	}
	if wh := c.Alerts.Webhook; wh != nil && wh.URL == "" {
		errs = append(errs, "alerts.webhook.url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// --- derived values ---

func (d DeskConfig) JoinTimeout() time.Duration {
	return time.Duration(d.JoinTimeoutSeconds) * time.Second
}

func (d DeskConfig) IOTimeout() time.Duration {
	return time.Duration(d.IOTimeoutSeconds) * time.Second
}

func (t TokensConfig) Expiry() time.Duration {
	return time.Duration(t.ExpirySeconds) * time.Second
}

func (t TokensConfig) AgentTokenTTL() time.Duration {
	return time.Duration(t.AgentTokenTTLSeconds) * time.Second
}

func (l LimitsConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

func (a AlertsConfig) WaitThreshold() time.Duration {
	return time.Duration(a.WaitThresholdSeconds) * time.Second
}

func (a AlertsConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(s string) ([]int64, error) {
	parts := splitList(s)
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
