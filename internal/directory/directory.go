// Package directory maps agent usernames and visitor IDs to their live
// connections. An entry is only removed by the connection that owns it.
package directory

import (
	"log/slog"
	"sync"
)

// Conn is a live real-time connection.
type Conn interface {
	ID() string
	// Send pushes a named event. It must not block on a slow peer.
	Send(event string, payload any) error
	Close() error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// Alive reports whether c is non-nil and not yet closed.
func Alive(c Conn) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

// Directory holds the agent and visitor connection maps plus the set of
// connections that receive broadcasts.
type Directory struct {
	mu        sync.RWMutex
	agents    map[string]Conn
	visitors  map[string]Conn
	observers map[string]Conn
	logger    *slog.Logger
}

func New(logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		agents:    make(map[string]Conn),
		visitors:  make(map[string]Conn),
		observers: make(map[string]Conn),
		logger:    logger,
	}
}

// SetAgent maps username to c and returns the connection it replaced, if any.
func (d *Directory) SetAgent(username string, c Conn) Conn {
	return d.set(d.agents, username, c)
}

func (d *Directory) Agent(username string) (Conn, bool) {
	return d.get(d.agents, username)
}

// DeleteAgent removes the mapping only if it still points at connID.
func (d *Directory) DeleteAgent(username, connID string) bool {
	return d.del(d.agents, username, connID)
}

// SetVisitor maps visitorID to c and returns the connection it replaced, if any.
func (d *Directory) SetVisitor(visitorID string, c Conn) Conn {
	return d.set(d.visitors, visitorID, c)
}

func (d *Directory) Visitor(visitorID string) (Conn, bool) {
	return d.get(d.visitors, visitorID)
}

// DeleteVisitor removes the mapping only if it still points at connID.
func (d *Directory) DeleteVisitor(visitorID, connID string) bool {
	return d.del(d.visitors, visitorID, connID)
}

// Counts returns the number of mapped agents and visitors.
func (d *Directory) Counts() (agents, visitors int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents), len(d.visitors)
}

// AddObserver subscribes c to broadcasts until RemoveObserver.
func (d *Directory) AddObserver(c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[c.ID()] = c
}

func (d *Directory) RemoveObserver(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, connID)
}

// Broadcast sends an event to every live observer.
func (d *Directory) Broadcast(event string, payload any) {
	d.mu.RLock()
	targets := make([]Conn, 0, len(d.observers))
	for _, c := range d.observers {
		targets = append(targets, c)
	}
	d.mu.RUnlock()

	for _, c := range targets {
		if !Alive(c) {
			continue
		}
		if err := c.Send(event, payload); err != nil {
			d.logger.Debug("broadcast send failed", "event", event, "conn", c.ID(), "error", err)
		}
	}
}

func (d *Directory) set(m map[string]Conn, key string, c Conn) Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := m[key]
	m[key] = c
	if prev != nil && prev.ID() == c.ID() {
		return nil
	}
	return prev
}

func (d *Directory) get(m map[string]Conn, key string) (Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := m[key]
	return c, ok
}

func (d *Directory) del(m map[string]Conn, key, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := m[key]
	if !ok || c.ID() != connID {
		return false
	}
	delete(m, key)
	return true
}
