// Package dispatch matches waiting visitors with online agents.
//
// One mutex guards the queue, the agent registry and the round-robin index.
// A dispatch pass reserves a slot under the lock, releases it for I/O
// (visitor record, token), then re-acquires it to commit or roll back. Only
// one goroutine drains the queue at a time; triggers arriving mid-pass are
// picked up because the drainer re-reads the state before every step.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/events"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

var (
	ErrAgentOffline     = errors.New("dispatch: agent is not online")
	ErrAgentUnavailable = errors.New("dispatch: agent has no live connection")
	ErrNotAssigned      = errors.New("dispatch: visitor is not assigned to agent")
	ErrSameAgent        = errors.New("dispatch: source and target agent are the same")
	ErrOverageLimit     = errors.New("dispatch: target agent overage limit reached")
)

// Rollback reasons, reported to the Recorder and in logs.
const (
	ReasonPersistence      = "persistence"
	ReasonToken            = "token"
	ReasonAgentOffline     = "agent_offline"
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonVisitorGone      = "visitor_gone"
	ReasonSendFailed       = "send_failed"
)

const (
	DefaultMaxPerAgent = 5
	DefaultJoinTimeout = 30 * time.Second
	DefaultIOTimeout   = 10 * time.Second
)

// Config sets capacity and timing.
type Config struct {
	MaxPerAgent int
	// MaxOverage caps transfer-induced overcommit per agent. Zero means unbounded.
	MaxOverage int
	// JoinTimeout releases an admitted visitor's slot if they never join the chat.
	JoinTimeout time.Duration
	// IOTimeout bounds visitor creation and token issuance per assignment.
	IOTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerAgent <= 0 {
		c.MaxPerAgent = DefaultMaxPerAgent
	}
	if c.MaxOverage < 0 {
		c.MaxOverage = 0
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	return c
}

// VisitorCreator persists new visitor records.
type VisitorCreator interface {
	CreateVisitor(ctx context.Context, firstName, lastName string) (*protocol.Visitor, error)
}

// TokenIssuer mints and revokes capability tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, kind token.Kind, p token.Payload) (token.Issued, error)
	Revoke(ctx context.Context, kind token.Kind, id string) error
}

// Recorder observes dispatcher activity. Implemented by the metrics package.
type Recorder interface {
	QueueLength(n int)
	OnlineAgents(n int)
	Assigned(priority bool, wait time.Duration)
	RolledBack(reason string)
	Released(reason string)
	Transferred()
	Requeued(delivered bool)
}

// Emitter publishes domain events without blocking.
type Emitter interface {
	Emit(eventType string, data any)
}

type nopRecorder struct{}

func (nopRecorder) QueueLength(int)              {}
func (nopRecorder) OnlineAgents(int)             {}
func (nopRecorder) Assigned(bool, time.Duration) {}
func (nopRecorder) RolledBack(string)            {}
func (nopRecorder) Released(string)              {}
func (nopRecorder) Transferred()                 {}
func (nopRecorder) Requeued(bool)                {}

// Dispatcher owns the queue and the agent registry.
type Dispatcher struct {
	cfg    Config
	store  VisitorCreator
	tokens TokenIssuer
	dir    *directory.Directory
	logger *slog.Logger

	recorder Recorder
	emitter  Emitter

	now       func() time.Time
	afterFunc func(time.Duration, func()) func() bool

	mu       sync.Mutex
	reg      *registry
	q        *queue
	rr       int
	draining bool

	bg sync.WaitGroup
}

// New creates a Dispatcher. The directory is shared with the connection
// handlers that populate it.
func New(cfg Config, store VisitorCreator, tokens TokenIssuer, dir *directory.Directory, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		dir:      dir,
		logger:   logger,
		recorder: nopRecorder{},
		emitter:  events.Nop{},
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		reg: newRegistry(cfg.MaxPerAgent),
		q:   newQueue(),
	}
}

// SetRecorder installs a metrics recorder. Call before use.
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.recorder = r
	}
}

// SetEmitter installs a domain event emitter. Call before use.
func (d *Dispatcher) SetEmitter(e Emitter) {
	if e != nil {
		d.emitter = e
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

// Wait blocks until background requeue work has finished.
func (d *Dispatcher) Wait() { d.bg.Wait() }

// --- queue operations ---

// Enqueue appends e to the tail of the queue and runs a dispatch pass. It
// reports false if the connection is already waiting.
func (d *Dispatcher) Enqueue(e Entry) bool {
	return d.enqueue(e, false)
}

// EnqueueAtFront places e at the head of the queue, ahead of every normal
// entry, and runs a dispatch pass.
func (d *Dispatcher) EnqueueAtFront(e Entry) bool {
	return d.enqueue(e, true)
}

func (d *Dispatcher) enqueue(e Entry, front bool) bool {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = d.now()
	}
	d.mu.Lock()
	var ok bool
	if front {
		ok = d.q.pushFront(&e)
	} else {
		ok = d.q.pushBack(&e)
	}
	d.recorder.QueueLength(d.q.len())
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.logger.Debug("visitor queued", "conn", e.Conn.ID(), "priority", front, "visitor", e.VisitorID)
	d.kick()
	return true
}

// Remove drops a waiting entry whose connection closed.
func (d *Dispatcher) Remove(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok := d.q.remove(connID)
	if ok {
		d.recorder.QueueLength(d.q.len())
	}
	return ok
}

// --- agent lifecycle ---

// SetAgentOnline registers username with a full set of free slots. It is a
// no-op if the agent is already online.
func (d *Dispatcher) SetAgentOnline(username string) bool {
	now := d.now()
	d.mu.Lock()
	if !d.reg.add(username, now) {
		d.mu.Unlock()
		return false
	}
	n := d.reg.count()
	d.recorder.OnlineAgents(n)
	d.mu.Unlock()

	d.logger.Info("agent online", "agent", username, "online", n)
	d.emitter.Emit(events.TypeAgentOnline, events.AgentOnline{Username: username, OnlineAgents: n, At: now})
	d.dir.Broadcast(protocol.EventOnlineAgentCount, protocol.OnlineAgentCount{N: n})
	d.kick()
	return true
}

// SetAgentOffline removes username from the registry. Each visitor it held
// is sent a queue-skip token in the background; visitors without a live
// connection are dropped. It does not wait for those notifications.
func (d *Dispatcher) SetAgentOffline(username string) bool {
	d.mu.Lock()
	rec := d.reg.remove(username)
	if rec == nil {
		d.mu.Unlock()
		return false
	}
	held := len(rec.assigned)
	displaced := make([]*assignment, 0, held)
	for _, a := range rec.assigned {
		a.stop()
		if a.admitting {
			a.displaced = true
			continue
		}
		displaced = append(displaced, a)
	}
	n := d.reg.count()
	d.recorder.OnlineAgents(n)
	d.mu.Unlock()

	d.logger.Info("agent offline", "agent", username, "online", n, "displaced", held)
	d.emitter.Emit(events.TypeAgentOffline, events.AgentOffline{
		Username: username, OnlineAgents: n, DisplacedVisitors: held, At: d.now(),
	})
	d.dir.Broadcast(protocol.EventOnlineAgentCount, protocol.OnlineAgentCount{N: n})

	if len(displaced) > 0 {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			d.requeueDisplaced(username, displaced)
		}()
	}
	return true
}

func (d *Dispatcher) requeueDisplaced(agent string, displaced []*assignment) {
	for _, a := range displaced {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
		d.requeueOne(ctx, agent, a)
		cancel()
	}
}

func (d *Dispatcher) requeueOne(ctx context.Context, agent string, a *assignment) {
	conn, ok := d.dir.Visitor(a.visitorID)
	if !ok || !directory.Alive(conn) {
		// Admitted but never joined: the chat-entry token must not outlive the agent.
		d.revoke(ctx, a.admissionID, a.visitorID)
		d.dropDisplaced(agent, a)
		return
	}
	d.requeueTo(ctx, agent, a, conn)
}

// requeueTo sends the displaced visitor a queue-skip token on conn and closes it.
func (d *Dispatcher) requeueTo(ctx context.Context, agent string, a *assignment, conn directory.Conn) {
	issued, err := d.tokens.Issue(ctx, token.KindQueueSkip, token.Payload{
		VisitorID: a.visitorID,
		FirstName: a.firstName,
		LastName:  a.lastName,
	})
	if err != nil {
		d.logger.Warn("queue skip token failed", "visitor", a.visitorID, "error", err)
		conn.Send(protocol.EventRetryAdmission, struct{}{})
		conn.Close()
		d.recorder.Requeued(false)
		return
	}

	delivered := conn.Send(protocol.EventRequeueWithPriority, protocol.RequeueWithPriority{SkipToken: issued.Token}) == nil
	conn.Close()
	d.logger.Info("displaced visitor requeued", "visitor", a.visitorID, "agent", agent, "delivered", delivered)
	d.recorder.Requeued(delivered)
	d.emitter.Emit(events.TypeVisitorRequeued, events.VisitorRequeued{
		VisitorID: a.visitorID, AgentUsername: agent, Delivered: delivered, At: d.now(),
	})
}

func (d *Dispatcher) dropDisplaced(agent string, a *assignment) {
	d.logger.Info("displaced visitor unreachable, dropped", "visitor", a.visitorID, "agent", agent)
	d.recorder.Requeued(false)
	d.emitter.Emit(events.TypeVisitorRequeued, events.VisitorRequeued{
		VisitorID: a.visitorID, AgentUsername: agent, Delivered: false, At: d.now(),
	})
}

// --- releases ---

// ReleaseSlot frees the slot visitorID holds on agent, restoring either a
// free slot or reducing overage, then runs a dispatch pass.
func (d *Dispatcher) ReleaseSlot(agent, visitorID string) error {
	d.mu.Lock()
	rec, ok := d.reg.get(agent)
	if !ok {
		d.mu.Unlock()
		return ErrAgentOffline
	}
	if d.reg.unassign(rec, visitorID) == nil {
		d.mu.Unlock()
		return ErrNotAssigned
	}
	d.mu.Unlock()

	d.released(agent, visitorID, "ended")
	d.kick()
	return nil
}

// VisitorLeft releases the visitor's slot if its current assignment was made
// with admissionID. A stale chat connection closing after the visitor was
// re-admitted elsewhere does nothing. Returns the agent that held the slot.
func (d *Dispatcher) VisitorLeft(visitorID, admissionID string) (string, bool) {
	d.mu.Lock()
	rec, a, ok := d.reg.lookup(visitorID)
	if !ok || a.admissionID != admissionID {
		d.mu.Unlock()
		return "", false
	}
	d.reg.unassign(rec, visitorID)
	agent := rec.username
	d.mu.Unlock()

	d.released(agent, visitorID, "left")
	d.kick()
	return agent, true
}

// Joined marks the assignment made with admissionID as joined, cancelling its
// join deadline. It returns the agent currently holding the visitor, which
// differs from the token's agent after a transfer.
func (d *Dispatcher) Joined(visitorID, admissionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, a, ok := d.reg.lookup(visitorID)
	if !ok || a.admissionID != admissionID {
		return "", false
	}
	a.joined = true
	a.stop()
	return rec.username, true
}

func (d *Dispatcher) joinExpired(visitorID, admissionID string) {
	d.mu.Lock()
	rec, a, ok := d.reg.lookup(visitorID)
	if !ok || a.admissionID != admissionID || a.joined {
		d.mu.Unlock()
		return
	}
	d.reg.unassign(rec, visitorID)
	agent := rec.username
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
	defer cancel()
	if err := d.tokens.Revoke(ctx, token.KindChatEntry, admissionID); err != nil {
		d.logger.Warn("revoke chat entry token failed", "visitor", visitorID, "error", err)
	}
	if conn, ok := d.dir.Agent(agent); ok {
		conn.Send(protocol.EventVisitorRemoved, protocol.VisitorRemoved{VisitorID: visitorID})
	}
	d.logger.Info("visitor never joined, slot released", "visitor", visitorID, "agent", agent)
	d.released(agent, visitorID, "join_timeout")
	d.kick()
}

func (d *Dispatcher) released(agent, visitorID, reason string) {
	d.recorder.Released(reason)
	d.emitter.Emit(events.TypeVisitorReleased, events.VisitorReleased{
		VisitorID: visitorID, AgentUsername: agent, Reason: reason, At: d.now(),
	})
}

// --- queries ---

func (d *Dispatcher) IsOnline(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.reg.get(username)
	return ok
}

func (d *Dispatcher) OnlineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.count()
}

// AssignedAgent returns the agent currently holding visitorID.
func (d *Dispatcher) AssignedAgent(visitorID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, _, ok := d.reg.lookup(visitorID)
	if !ok {
		return "", false
	}
	return rec.username, true
}

// IsAssignedTo reports whether visitorID is assigned to agent.
func (d *Dispatcher) IsAssignedTo(visitorID, agent string) bool {
	got, ok := d.AssignedAgent(visitorID)
	return ok && got == agent
}

func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.q.len()
}

// OldestWait returns how long the longest-waiting entry has been queued.
func (d *Dispatcher) OldestWait() time.Duration {
	d.mu.Lock()
	oldest, ok := d.q.oldest()
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return d.now().Sub(oldest)
}

// Status returns a snapshot of the queue and every online agent.
func (d *Dispatcher) Status() protocol.QueueStatus {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	st := protocol.QueueStatus{
		Waiting:      d.q.len(),
		OnlineAgents: d.reg.count(),
		Agents:       make([]protocol.AgentStatus, 0, d.reg.count()),
	}
	if oldest, ok := d.q.oldest(); ok {
		st.OldestWaitMs = now.Sub(oldest).Milliseconds()
	}
	for _, name := range d.reg.order {
		rec := d.reg.agents[name]
		visitors := make([]string, 0, len(rec.assigned))
		for id := range rec.assigned {
			visitors = append(visitors, id)
		}
		slices.Sort(visitors)
		st.Agents = append(st.Agents, protocol.AgentStatus{
			Username:       name,
			RemainingSlots: rec.remaining(d.cfg.MaxPerAgent),
			Overage:        rec.overage(d.cfg.MaxPerAgent),
			Pending:        rec.pending,
			Visitors:       visitors,
			OnlineSince:    rec.onlineSince.UnixMilli(),
		})
	}
	return st
}
