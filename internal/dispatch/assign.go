package dispatch

import (
	"context"

	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/events"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// reservation is a slot held on rec for entry while I/O runs unlocked.
type reservation struct {
	entry *Entry
	rec   *agentRecord
}

// kick drains the queue against free capacity. If another goroutine is
// already draining, it returns at once; that drainer observes the new state
// on its next step.
func (d *Dispatcher) kick() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for {
		res, ok := d.reserveLocked()
		if !ok {
			d.draining = false
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.assign(res)
		d.mu.Lock()
	}
}

// reserveLocked pops the next live entry and reserves a slot on the next
// round-robin candidate. Dead entries are dropped.
func (d *Dispatcher) reserveLocked() (reservation, bool) {
	for d.q.len() > 0 {
		candidates := d.reg.available()
		if len(candidates) == 0 {
			return reservation{}, false
		}
		e, _ := d.q.popFront()
		d.recorder.QueueLength(d.q.len())
		if !directory.Alive(e.Conn) {
			d.logger.Debug("queued visitor gone, skipped", "conn", e.Conn.ID())
			continue
		}
		name := candidates[d.rr%len(candidates)]
		d.rr++
		rec := d.reg.agents[name]
		rec.pending++
		return reservation{entry: e, rec: rec}, true
	}
	return reservation{}, false
}

func (d *Dispatcher) assign(res reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IOTimeout)
	defer cancel()

	e := res.entry
	agent := res.rec.username
	visitorID := e.VisitorID
	priority := visitorID != ""
	if !priority {
		v, err := d.store.CreateVisitor(ctx, e.FirstName, e.LastName)
		if err != nil {
			d.rollback(res, ReasonPersistence, err)
			return
		}
		visitorID = v.ID
	}

	issued, err := d.tokens.Issue(ctx, token.KindChatEntry, token.Payload{
		VisitorID:     visitorID,
		FirstName:     e.FirstName,
		LastName:      e.LastName,
		AgentUsername: agent,
	})
	if err != nil {
		d.rollback(res, ReasonToken, err)
		return
	}

	d.mu.Lock()
	if reason, ok := d.commitCheckLocked(res); !ok {
		d.mu.Unlock()
		d.revoke(ctx, issued.ID, visitorID)
		d.rollback(res, reason, nil)
		return
	}
	agentConn, _ := d.dir.Agent(agent)
	now := d.now()
	res.rec.pending--
	a := &assignment{
		visitorID:   visitorID,
		firstName:   e.FirstName,
		lastName:    e.LastName,
		admissionID: issued.ID,
		assignedAt:  now,
		admitting:   true,
	}
	d.reg.assign(res.rec, a)
	a.stopTimer = d.afterFunc(d.cfg.JoinTimeout, func() { d.joinExpired(visitorID, issued.ID) })
	d.mu.Unlock()

	err = agentConn.Send(protocol.EventVisitorAssigned, protocol.VisitorAssigned{
		VisitorID: visitorID,
		FirstName: e.FirstName,
		LastName:  e.LastName,
	})
	if err != nil {
		d.undoCommitted(ctx, e, visitorID, issued.ID, agent, false, err)
		return
	}
	if d.admissionDisplaced(a, false) {
		d.requeueAdmitting(ctx, agent, a, e.Conn)
		return
	}
	if err := e.Conn.Send(protocol.EventChatAdmitted, protocol.ChatAdmitted{ChatEntryToken: issued.Token}); err != nil {
		d.undoCommitted(ctx, e, visitorID, issued.ID, agent, true, err)
		return
	}
	if d.admissionDisplaced(a, true) {
		d.requeueAdmitting(ctx, agent, a, e.Conn)
		return
	}
	e.Conn.Close()

	wait := now.Sub(e.EnqueuedAt)
	d.logger.Info("visitor assigned", "visitor", visitorID, "agent", agent, "priority", priority, "wait", wait)
	d.recorder.Assigned(priority, wait)
	d.emitter.Emit(events.TypeVisitorAssigned, events.VisitorAssigned{
		VisitorID:     visitorID,
		AgentUsername: agent,
		Priority:      priority,
		WaitedMs:      wait.Milliseconds(),
		AssignedAt:    now,
	})
}

// admissionDisplaced reports whether a's agent went offline since commit.
// done closes the admission window; later departures go through requeueOne.
func (d *Dispatcher) admissionDisplaced(a *assignment, done bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if done {
		a.admitting = false
	}
	return a.displaced
}

// requeueAdmitting hands a displaced visitor that is still on its queue
// connection a skip token in place of the chat-entry token.
func (d *Dispatcher) requeueAdmitting(ctx context.Context, agent string, a *assignment, conn directory.Conn) {
	d.revoke(ctx, a.admissionID, a.visitorID)
	if !directory.Alive(conn) {
		d.dropDisplaced(agent, a)
		conn.Close()
		return
	}
	d.requeueTo(ctx, agent, a, conn)
}

// commitCheckLocked verifies the reservation can still be honoured: the
// agent record is the one reserved on, the agent is reachable and the
// visitor is still connected.
func (d *Dispatcher) commitCheckLocked(res reservation) (string, bool) {
	cur, ok := d.reg.get(res.rec.username)
	if !ok || cur != res.rec {
		return ReasonAgentOffline, false
	}
	conn, ok := d.dir.Agent(res.rec.username)
	if !ok || !directory.Alive(conn) {
		return ReasonAgentUnavailable, false
	}
	if !directory.Alive(res.entry.Conn) {
		return ReasonVisitorGone, false
	}
	return "", true
}

// rollback returns the reserved slot and tells the visitor to retry.
func (d *Dispatcher) rollback(res reservation, reason string, cause error) {
	d.mu.Lock()
	if cur, ok := d.reg.get(res.rec.username); ok && cur == res.rec {
		res.rec.pending--
	}
	d.mu.Unlock()

	attrs := []any{"agent", res.rec.username, "conn", res.entry.Conn.ID(), "reason", reason}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	d.logger.Warn("assignment rolled back", attrs...)
	d.recorder.RolledBack(reason)

	if reason != ReasonVisitorGone {
		res.entry.Conn.Send(protocol.EventRetryAdmission, struct{}{})
	}
	res.entry.Conn.Close()
}

// undoCommitted reverses an assignment whose notification could not be
// delivered. notifyAgent is set when the agent already saw visitor_assigned.
func (d *Dispatcher) undoCommitted(ctx context.Context, e *Entry, visitorID, admissionID, agent string, notifyAgent bool, cause error) {
	d.mu.Lock()
	if rec, a, ok := d.reg.lookup(visitorID); ok && a.admissionID == admissionID {
		d.reg.unassign(rec, visitorID)
	}
	d.mu.Unlock()

	d.revoke(ctx, admissionID, visitorID)
	if notifyAgent {
		if conn, ok := d.dir.Agent(agent); ok {
			conn.Send(protocol.EventVisitorRemoved, protocol.VisitorRemoved{VisitorID: visitorID})
		}
	}
	d.logger.Warn("assignment rolled back", "agent", agent, "visitor", visitorID,
		"reason", ReasonSendFailed, "error", cause)
	d.recorder.RolledBack(ReasonSendFailed)

	e.Conn.Send(protocol.EventRetryAdmission, struct{}{})
	e.Conn.Close()
}

func (d *Dispatcher) revoke(ctx context.Context, admissionID, visitorID string) {
	if err := d.tokens.Revoke(ctx, token.KindChatEntry, admissionID); err != nil {
		d.logger.Warn("revoke chat entry token failed", "visitor", visitorID, "error", err)
	}
}
