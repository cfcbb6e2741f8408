// Package connector defines the outbound notifiers the desk uses to page
// staff (Slack, Telegram, generic webhooks).
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Notifier delivers staffing alerts to an external platform.
type Notifier interface {
	// Name returns the notifier type (e.g., "telegram", "slack").
	Name() string
	// Notify sends a single alert. Implementations must honor ctx.
	Notify(ctx context.Context, a Alert) error
}

// Reason identifies why an alert fired.
type Reason string

const (
	ReasonNoAgents    Reason = "no_agents"
	ReasonLongWait    Reason = "long_wait"
	ReasonTestMessage Reason = "test"
)

// Alert is a snapshot of the queue at the moment an alert fired.
type Alert struct {
	Reason       Reason        `json:"reason"`
	QueueLength  int           `json:"queue_length"`
	OnlineAgents int           `json:"online_agents"`
	OldestWait   time.Duration `json:"oldest_wait_ns"`
	FiredAt      time.Time     `json:"fired_at"`
}

// Title is a one-line headline for the alert.
func (a Alert) Title() string {
	switch a.Reason {
	case ReasonNoAgents:
		return "Visitors waiting with no agents online"
	case ReasonLongWait:
		return "Visitors waiting longer than expected"
	case ReasonTestMessage:
		return "Test alert"
	default:
		return "Live desk alert"
	}
}

// Summary renders the queue snapshot as plain text lines.
func (a Alert) Summary() string {
	lines := []string{
		fmt.Sprintf("Queue length: %d", a.QueueLength),
		fmt.Sprintf("Agents online: %d", a.OnlineAgents),
	}
	if a.OldestWait > 0 {
		lines = append(lines, "Longest wait: "+a.OldestWait.Round(time.Second).String())
	}
	return strings.Join(lines, "\n")
}

// NotifyAll sends a to every notifier and joins the failures.
func NotifyAll(ctx context.Context, notifiers []Notifier, a Alert) error {
	var errs []error
	for _, n := range notifiers {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
