package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/directory/dirtest"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

type fakeStore struct {
	mu     sync.Mutex
	n      int
	firsts []string
	err    error
	hook   func(first string)
}

func (s *fakeStore) CreateVisitor(_ context.Context, first, last string) (*protocol.Visitor, error) {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(first)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.n++
	s.firsts = append(s.firsts, first)
	return &protocol.Visitor{ID: fmt.Sprintf("v%d", s.n), FirstName: first, LastName: last}, nil
}

func (s *fakeStore) setHook(h func(first string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeStore) created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.firsts...)
}

type manualTimers struct {
	mu    sync.Mutex
	funcs []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (m *manualTimers) afterFunc(_ time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{f: f}
	m.funcs = append(m.funcs, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fireAll runs every timer not yet stopped.
func (m *manualTimers) fireAll() {
	m.mu.Lock()
	var due []func()
	for _, t := range m.funcs {
		if !t.stopped {
			t.stopped = true
			due = append(due, t.f)
		}
	}
	m.mu.Unlock()
	for _, f := range due {
		f()
	}
}

type harness struct {
	t      *testing.T
	d      *Dispatcher
	dir    *directory.Directory
	store  *fakeStore
	tokens *token.Service
	timers *manualTimers
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	tokens, err := token.NewService(token.Config{
		ChatEntryKey: []byte("chat-key"),
		QueueSkipKey: []byte("skip-key"),
	}, token.NewMemoryLedger(), nil)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		dir:    directory.New(nil),
		store:  &fakeStore{},
		tokens: tokens,
		timers: &manualTimers{},
	}
	h.d = New(cfg, h.store, tokens, h.dir, nil)
	h.d.afterFunc = h.timers.afterFunc
	return h
}

// agent connects username and brings it online.
func (h *harness) agent(username string) *dirtest.Conn {
	c := dirtest.NewConn("agent-" + username)
	h.dir.SetAgent(username, c)
	h.d.SetAgentOnline(username)
	return c
}

// visitor queues a new visitor and returns its queue connection.
func (h *harness) visitor(first string) *dirtest.Conn {
	c := dirtest.NewConn("queue-" + first)
	h.d.Enqueue(Entry{Conn: c, FirstName: first, LastName: "Test"})
	return c
}

// admitted redeems the chat-entry token delivered to c.
func (h *harness) admitted(c *dirtest.Conn) *token.Payload {
	h.t.Helper()
	p, ok := c.Last(protocol.EventChatAdmitted)
	require.True(h.t, ok, "conn %s was not admitted", c.ID())
	tok := p.(protocol.ChatAdmitted).ChatEntryToken
	payload, err := h.tokens.Redeem(context.Background(), token.KindChatEntry, tok)
	require.NoError(h.t, err)
	return payload
}

// join redeems the admission token and registers a live chat connection.
func (h *harness) join(c *dirtest.Conn) (*token.Payload, *dirtest.Conn) {
	h.t.Helper()
	p := h.admitted(c)
	chat := dirtest.NewConn("chat-" + p.VisitorID)
	h.dir.SetVisitor(p.VisitorID, chat)
	_, ok := h.d.Joined(p.VisitorID, p.TokenID)
	require.True(h.t, ok)
	return p, chat
}

func (h *harness) agentStatus(username string) protocol.AgentStatus {
	h.t.Helper()
	for _, a := range h.d.Status().Agents {
		if a.Username == username {
			return a
		}
	}
	h.t.Fatalf("agent %s not online", username)
	return protocol.AgentStatus{}
}

// checkInvariants asserts the slot accounting identity for every online agent.
func checkInvariants(t *testing.T, d *Dispatcher) {
	t.Helper()
	capacity := d.Config().MaxPerAgent
	for _, a := range d.Status().Agents {
		held := len(a.Visitors) + a.Pending
		if a.Overage == 0 {
			assert.Equal(t, capacity, a.RemainingSlots+held, "agent %s", a.Username)
		} else {
			assert.Equal(t, 0, a.RemainingSlots, "agent %s", a.Username)
			assert.Equal(t, capacity+a.Overage, held, "agent %s", a.Username)
		}
		assert.GreaterOrEqual(t, a.RemainingSlots, 0)
	}
}
