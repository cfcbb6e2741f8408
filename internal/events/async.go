package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultBuffer = 256

// Async queues events in memory and publishes them from a single goroutine,
// so callers never wait on the broker. Events are dropped when the buffer
// is full or after Close.
type Async struct {
	pub     Publisher
	ch      chan Envelope
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync wraps pub. Call Run to start publishing.
func NewAsync(pub Publisher, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{
		pub:     pub,
		ch:      make(chan Envelope, buffer),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Emit enqueues an event without blocking.
func (a *Async) Emit(eventType string, data any) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- NewEnvelope(eventType, data, a.now()):
	default:
		a.logger.Warn("event buffer full, dropping event", "type", eventType)
	}
}

// Run publishes queued events until ctx is cancelled or Close is called,
// then drains what is left.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case env, ok := <-a.ch:
			if !ok {
				return
			}
			a.publish(env)
		case <-ctx.Done():
			a.Close()
			for env := range a.ch {
				a.publish(env)
			}
			return
		}
	}
}

// Close stops accepting events. Run returns once the buffer is drained.
func (a *Async) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.ch)
}

// Done is closed when Run has returned.
func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) publish(env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.pub.Publish(ctx, env.Meta.Type, env); err != nil {
		a.logger.Error("event publish failed", "type", env.Meta.Type, "error", err)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, any) {}
