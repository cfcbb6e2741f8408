package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/livedesk/internal/alert"
	apiPkg "github.com/h1v3-io/livedesk/internal/api"
	"github.com/h1v3-io/livedesk/internal/auth"
	"github.com/h1v3-io/livedesk/internal/config"
	"github.com/h1v3-io/livedesk/internal/connector"
	slackconn "github.com/h1v3-io/livedesk/internal/connector/slack"
	"github.com/h1v3-io/livedesk/internal/connector/telegram"
	"github.com/h1v3-io/livedesk/internal/connector/webhook"
	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/dispatch"
	"github.com/h1v3-io/livedesk/internal/events"
	"github.com/h1v3-io/livedesk/internal/gateway"
	"github.com/h1v3-io/livedesk/internal/logbuf"
	"github.com/h1v3-io/livedesk/internal/metrics"
	"github.com/h1v3-io/livedesk/internal/scheduler"
	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/internal/token"
)

const limiterSweepSchedule = "@every 5m"

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	configURL := flag.String("config-url", os.Getenv("LIVEDESK_CONFIG_URL"), "Fetch config from this URL")
	deskID := flag.String("desk-id", os.Getenv("LIVEDESK_DESK_ID"), "Desk ID sent to the config URL")
	configKey := flag.String("config-key", os.Getenv("LIVEDESK_CONFIG_KEY"), "API key for the config URL")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (3 modes: file, remote, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *configURL != "" {
		logger.Info("loading config from url", "url", *configURL, "desk_id", *deskID)
		cfg, err = config.LoadRemote(config.RemoteOptions{
			URL:    *configURL,
			DeskID: *deskID,
			APIKey: *configKey,
		})
	} else {
		cfg, err = config.LoadFromEnv()
		if err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("livedeskd starting",
		"max_users_per_agent", cfg.Desk.MaxUsersPerAgent,
		"max_overage", cfg.Desk.MaxOverage,
	)

	if err := run(cfg, logger, logBuf); err != nil {
		logger.Error("livedeskd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("livedeskd stopped")
}

func run(cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	// 1. Storage: visitors, transcripts and the token ledger share one database
	if err := os.MkdirAll(cfg.Desk.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Desk.DataDir, "livedesk.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open visitor store %s: %w", dbPath, err)
	}
	defer st.Close()

	ledger, err := token.NewSQLiteLedger(st.DB())
	if err != nil {
		return fmt.Errorf("open token ledger: %w", err)
	}

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(reg)

	// 3. Tokens and agent auth
	tokens, err := token.NewService(token.Config{
		ChatEntryKey: []byte(cfg.Tokens.ChatEntryKey),
		QueueSkipKey: []byte(cfg.Tokens.QueueSkipKey),
		TTL:          cfg.Tokens.Expiry(),
		Recorder:     rec,
	}, ledger, logger.With("component", "token"))
	if err != nil {
		return err
	}
	authn, err := auth.NewJWTAuthenticator([]byte(cfg.Tokens.AgentAuthKey), cfg.Tokens.AgentTokenTTL())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			safeGo(logger, name, fn)
		}()
	}

	// 4. Domain events (optional)
	var emitter dispatch.Emitter = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger.With("component", "events"))
		if err != nil {
			return err
		}
		defer pub.Close()
		async := events.NewAsync(pub, 0, 0, logger.With("component", "events"))
		spawn("events", func() { async.Run(ctx) })
		emitter = async
		logger.Info("event publishing enabled", "exchange", cfg.Events.Exchange)
	}

	// 5. Dispatcher and session directory
	dir := directory.New(logger.With("component", "directory"))
	disp := dispatch.New(dispatch.Config{
		MaxPerAgent: cfg.Desk.MaxUsersPerAgent,
		MaxOverage:  cfg.Desk.MaxOverage,
		JoinTimeout: cfg.Desk.JoinTimeout(),
		IOTimeout:   cfg.Desk.IOTimeout(),
	}, st, tokens, dir, logger.With("component", "dispatch"))
	disp.SetRecorder(rec)
	disp.SetEmitter(emitter)

	// 6. WebSocket gateway
	gw := gateway.New(gateway.Config{
		MaxFileBytes:    cfg.Desk.MaxFileBytes,
		QueueHandshakes: cfg.Limits.QueueHandshakes,
		QueueWindow:     cfg.Limits.Window(),
		AllowedOrigins:  cfg.Desk.AllowedOrigins,
		IOTimeout:       cfg.Desk.IOTimeout(),
	}, disp, dir, tokens, st, authn, logger.With("component", "gateway"))
	gw.SetRecorder(rec)

	// 7. API server
	apiCfg := apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}
	if cfg.API.MetricsEnabled() {
		apiCfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	apiSrv := apiPkg.NewServer(disp, st, apiCfg, logger.With("component", "api"), logBuf)
	apiSrv.Mount(gw)

	// 8. Scheduled maintenance and alerts
	sched := scheduler.New(logger.With("component", "scheduler"))
	if err := sched.AddJob("token-purge", cfg.Tokens.PurgeSchedule, func(ctx context.Context) error {
		n, err := tokens.Purge(ctx)
		if n > 0 {
			logger.Debug("purged expired tokens", "component", "token", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	if err := sched.AddJob("limiter-sweep", limiterSweepSchedule, func(context.Context) error {
		gw.Limiter().Sweep()
		return nil
	}); err != nil {
		return err
	}
	if cfg.Alerts.Enabled() {
		notifiers, err := buildNotifiers(cfg.Alerts, logger)
		if err != nil {
			return err
		}
		watcher := alert.New(alert.Config{
			WaitThreshold: cfg.Alerts.WaitThreshold(),
			Cooldown:      cfg.Alerts.Cooldown(),
		}, disp, notifiers, logger)
		if err := sched.AddJob("queue-alerts", cfg.Alerts.Schedule, watcher.Check); err != nil {
			return err
		}
		apiSrv.SetAlerter(watcher)
		logger.Info("queue alerts enabled", "notifiers", len(notifiers), "schedule", cfg.Alerts.Schedule)
	}

	spawn("scheduler", func() { sched.Start(ctx) })
	spawn("api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	})
	logger.Info("api server started", "port", cfg.API.Port)

	// 9. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		disp.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out")
	}
	return nil
}

func buildNotifiers(cfg config.AlertsConfig, logger *slog.Logger) ([]connector.Notifier, error) {
	var notifiers []connector.Notifier
	if cfg.Slack != nil {
		n, err := slackconn.New(slackconn.Config{
			BotToken: cfg.Slack.Token,
			Channel:  cfg.Slack.Channel,
		}, logger.With("component", "alert", "notifier", "slack"))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Telegram != nil {
		n, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			ChatIDs: cfg.Telegram.ChatIDs,
		}, logger.With("component", "alert", "notifier", "telegram"))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Webhook != nil {
		n, err := webhook.New(webhook.Config{
			URL:         cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			BearerToken: cfg.Webhook.BearerToken,
		}, logger.With("component", "alert", "notifier", "webhook"))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
