// Package dirtest provides an in-memory directory.Conn for tests.
package dirtest

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("dirtest: connection closed")

// Sent is one recorded event.
type Sent struct {
	Event   string
	Payload any
}

// Conn records every event sent to it.
type Conn struct {
	id string

	mu       sync.Mutex
	sent     []Sent
	failSend error
	onSend   func(event string)

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewConn(id string) *Conn {
	return &Conn{
		id:     id,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(event string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	if c.failSend != nil {
		err := c.failSend
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, Sent{Event: event, Payload: payload})
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(event)
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = err
}

// OnSend runs fn after each successful Send, outside the conn's lock.
func (c *Conn) OnSend(fn func(event string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Events returns a copy of everything sent so far.
func (c *Conn) Events() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Count returns how many times event was sent.
func (c *Conn) Count(event string) int {
	n := 0
	for _, s := range c.Events() {
		if s.Event == event {
			n++
		}
	}
	return n
}

// Last returns the payload of the most recent send of event.
func (c *Conn) Last(event string) (any, bool) {
	events := c.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Event == event {
			return events[i].Payload, true
		}
	}
	return nil, false
}

// WaitFor blocks until event has been sent or timeout elapses.
func (c *Conn) WaitFor(event string, timeout time.Duration) (any, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if p, ok := c.Last(event); ok {
			return p, true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return c.Last(event)
		}
	}
}

// WaitClosed blocks until Close is called or timeout elapses.
func (c *Conn) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
