// Package alert pages staff when visitors are stuck in the queue.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/livedesk/internal/connector"
)

// QueueSource is the read-only view of the dispatcher the watcher polls.
type QueueSource interface {
	QueueLen() int
	OnlineCount() int
	OldestWait() time.Duration
}

// Config controls when alerts fire.
type Config struct {
	// WaitThreshold fires an alert once the oldest entry has waited this long.
	// Zero disables the wait check.
	WaitThreshold time.Duration
	// Cooldown is the quiet period after an alert is sent.
	Cooldown time.Duration
}

// Watcher evaluates the queue on demand and notifies every configured sink.
type Watcher struct {
	cfg       Config
	src       QueueSource
	notifiers []connector.Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastFired time.Time
}

// New creates a watcher. With no notifiers Check only logs.
func New(cfg Config, src QueueSource, notifiers []connector.Notifier, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:       cfg,
		src:       src,
		notifiers: notifiers,
		logger:    logger.With("component", "alert"),
		now:       time.Now,
	}
}

// Evaluate inspects the queue and reports whether it warrants an alert,
// ignoring the cooldown.
func (w *Watcher) Evaluate() (connector.Alert, bool) {
	a := connector.Alert{
		QueueLength:  w.src.QueueLen(),
		OnlineAgents: w.src.OnlineCount(),
		OldestWait:   w.src.OldestWait(),
		FiredAt:      w.now(),
	}
	switch {
	case a.QueueLength == 0:
		return a, false
	case a.OnlineAgents == 0:
		a.Reason = connector.ReasonNoAgents
	case w.cfg.WaitThreshold > 0 && a.OldestWait >= w.cfg.WaitThreshold:
		a.Reason = connector.ReasonLongWait
	default:
		return a, false
	}
	return a, true
}

// Check fires at most one alert per cooldown window. Delivery failures are
// returned but still start the cooldown.
func (w *Watcher) Check(ctx context.Context) error {
	a, fire := w.Evaluate()
	if !fire {
		return nil
	}

	w.mu.Lock()
	if !w.lastFired.IsZero() && a.FiredAt.Sub(w.lastFired) < w.cfg.Cooldown {
		w.mu.Unlock()
		return nil
	}
	w.lastFired = a.FiredAt
	w.mu.Unlock()

	w.logger.Warn("queue alert",
		"reason", a.Reason,
		"queue_length", a.QueueLength,
		"online_agents", a.OnlineAgents,
		"oldest_wait", a.OldestWait.Round(time.Second),
	)
	return connector.NotifyAll(ctx, w.notifiers, a)
}

// Test sends a test alert to every notifier, bypassing the cooldown.
func (w *Watcher) Test(ctx context.Context) error {
	a, _ := w.Evaluate()
	a.Reason = connector.ReasonTestMessage
	return connector.NotifyAll(ctx, w.notifiers, a)
}

// LastFired reports when the last alert was sent.
func (w *Watcher) LastFired() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFired
}
