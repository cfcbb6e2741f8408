package dispatch

import (
	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/events"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// Transfer moves visitorID from agent from to agent to. The target must be
// online with a live connection; its capacity is not checked, so the
// transfer may push it into overage (bounded by Config.MaxOverage when set).
// The visitor is added to the target before the source slot is released.
func (d *Dispatcher) Transfer(visitorID, from, to string) error {
	if from == to {
		return ErrSameAgent
	}

	d.mu.Lock()
	src, ok := d.reg.get(from)
	if !ok {
		d.mu.Unlock()
		return ErrAgentOffline
	}
	a, ok := src.assigned[visitorID]
	if !ok {
		d.mu.Unlock()
		return ErrNotAssigned
	}
	dst, ok := d.reg.get(to)
	if !ok {
		d.mu.Unlock()
		return ErrAgentOffline
	}
	dstConn, ok := d.dir.Agent(to)
	if !ok || !directory.Alive(dstConn) {
		d.mu.Unlock()
		return ErrAgentUnavailable
	}
	if limit := d.cfg.MaxOverage; limit > 0 && dst.used()+1-d.cfg.MaxPerAgent > limit {
		d.mu.Unlock()
		return ErrOverageLimit
	}
	d.reg.move(src, dst, visitorID)
	first, last := a.firstName, a.lastName
	overage := dst.overage(d.cfg.MaxPerAgent)
	d.mu.Unlock()

	if conn, ok := d.dir.Agent(from); ok {
		conn.Send(protocol.EventVisitorRemoved, protocol.VisitorRemoved{VisitorID: visitorID})
	}
	dstConn.Send(protocol.EventVisitorAssigned, protocol.VisitorAssigned{
		VisitorID: visitorID,
		FirstName: first,
		LastName:  last,
	})
	if conn, ok := d.dir.Visitor(visitorID); ok {
		conn.Send(protocol.EventChatTransferred, protocol.ChatTransferred{AgentUsername: to})
	}

	d.logger.Info("visitor transferred", "visitor", visitorID, "from", from, "to", to, "target_overage", overage)
	d.recorder.Transferred()
	d.emitter.Emit(events.TypeVisitorTransferred, events.VisitorTransferred{
		VisitorID: visitorID, From: from, To: to, At: d.now(),
	})

	// The source agent gained a slot.
	d.kick()
	return nil
}
