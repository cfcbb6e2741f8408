// Package events publishes domain events about the desk to a message broker.
package events

import "time"

// Event types, used as routing keys.
const (
	TypeAgentOnline        = "livedesk.agent.online.v1"
	TypeAgentOffline       = "livedesk.agent.offline.v1"
	TypeVisitorAssigned    = "livedesk.visitor.assigned.v1"
	TypeVisitorTransferred = "livedesk.visitor.transferred.v1"
	TypeVisitorRequeued    = "livedesk.visitor.requeued.v1"
	TypeVisitorReleased    = "livedesk.visitor.released.v1"
)

const Producer = "livedesk"

// Envelope wraps every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. livedesk.visitor.assigned.v1
	Type string `json:"type"`
}

type AgentOnline struct {
	Username     string    `json:"username"`
	OnlineAgents int       `json:"online_agents"`
	At           time.Time `json:"at"`
}

type AgentOffline struct {
	Username          string    `json:"username"`
	OnlineAgents      int       `json:"online_agents"`
	DisplacedVisitors int       `json:"displaced_visitors"`
	At                time.Time `json:"at"`
}

type VisitorAssigned struct {
	VisitorID     string    `json:"visitor_id"`
	AgentUsername string    `json:"agent_username"`
	Priority      bool      `json:"priority"`
	WaitedMs      int64     `json:"waited_ms"`
	AssignedAt    time.Time `json:"assigned_at"`
}

type VisitorTransferred struct {
	VisitorID string    `json:"visitor_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

type VisitorRequeued struct {
	VisitorID     string    `json:"visitor_id"`
	AgentUsername string    `json:"agent_username"`
	Delivered     bool      `json:"delivered"`
	At            time.Time `json:"at"`
}

// VisitorReleased is emitted when an assignment ends. Reason is one of
// "left", "ended", "join_timeout".
type VisitorReleased struct {
	VisitorID     string    `json:"visitor_id"`
	AgentUsername string    `json:"agent_username"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}
