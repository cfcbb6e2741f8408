package dispatch

import (
	"slices"
	"time"
)

// assignment is one visitor held by an agent. admissionID is the ID of the
// chat-entry token issued for it. While admitting is set the visitor is still
// on its queue connection; an agent going offline then only marks it
// displaced and the admitting goroutine requeues it.
type assignment struct {
	visitorID   string
	firstName   string
	lastName    string
	admissionID string
	assignedAt  time.Time
	joined      bool
	admitting   bool
	displaced   bool
	stopTimer   func() bool
}

func (a *assignment) stop() {
	if a.stopTimer != nil {
		a.stopTimer()
		a.stopTimer = nil
	}
}

// agentRecord is the capacity state of one online agent. Slots and overage
// are derived from the assigned set plus in-flight reservations, so they can
// never drift from it.
type agentRecord struct {
	username    string
	onlineSince time.Time
	assigned    map[string]*assignment
	pending     int
}

func (r *agentRecord) used() int { return len(r.assigned) + r.pending }

func (r *agentRecord) remaining(capacity int) int {
	return max(0, capacity-r.used())
}

func (r *agentRecord) overage(capacity int) int {
	return max(0, r.used()-capacity)
}

// registry tracks online agents in the order they came online, plus the
// reverse visitor -> agent mapping. Guarded by the Dispatcher's mutex.
type registry struct {
	maxPerAgent int
	agents      map[string]*agentRecord
	order       []string
	owner       map[string]string
}

func newRegistry(maxPerAgent int) *registry {
	return &registry{
		maxPerAgent: maxPerAgent,
		agents:      make(map[string]*agentRecord),
		owner:       make(map[string]string),
	}
}

// add creates a record for username. It reports false if already online.
func (r *registry) add(username string, now time.Time) bool {
	if _, ok := r.agents[username]; ok {
		return false
	}
	r.agents[username] = &agentRecord{
		username:    username,
		onlineSince: now,
		assigned:    make(map[string]*assignment),
	}
	r.order = append(r.order, username)
	return true
}

// remove deletes username's record and its reverse mappings and returns it.
func (r *registry) remove(username string) *agentRecord {
	rec, ok := r.agents[username]
	if !ok {
		return nil
	}
	delete(r.agents, username)
	if i := slices.Index(r.order, username); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	for id := range rec.assigned {
		if r.owner[id] == username {
			delete(r.owner, id)
		}
	}
	return rec
}

func (r *registry) get(username string) (*agentRecord, bool) {
	rec, ok := r.agents[username]
	return rec, ok
}

func (r *registry) count() int { return len(r.agents) }

// available returns agents with at least one free slot, in online order.
func (r *registry) available() []string {
	var out []string
	for _, name := range r.order {
		if r.agents[name].remaining(r.maxPerAgent) > 0 {
			out = append(out, name)
		}
	}
	return out
}

func (r *registry) assign(rec *agentRecord, a *assignment) {
	rec.assigned[a.visitorID] = a
	r.owner[a.visitorID] = rec.username
}

// lookup returns the agent holding visitorID and its assignment.
func (r *registry) lookup(visitorID string) (*agentRecord, *assignment, bool) {
	name, ok := r.owner[visitorID]
	if !ok {
		return nil, nil, false
	}
	rec, ok := r.agents[name]
	if !ok {
		return nil, nil, false
	}
	a, ok := rec.assigned[visitorID]
	if !ok {
		return nil, nil, false
	}
	return rec, a, true
}

// unassign drops visitorID from rec and returns the removed assignment.
func (r *registry) unassign(rec *agentRecord, visitorID string) *assignment {
	a, ok := rec.assigned[visitorID]
	if !ok {
		return nil
	}
	delete(rec.assigned, visitorID)
	if r.owner[visitorID] == rec.username {
		delete(r.owner, visitorID)
	}
	a.stop()
	return a
}

// move reassigns visitorID from src to dst, adding before removing.
func (r *registry) move(src, dst *agentRecord, visitorID string) {
	a := src.assigned[visitorID]
	dst.assigned[visitorID] = a
	r.owner[visitorID] = dst.username
	delete(src.assigned, visitorID)
}
