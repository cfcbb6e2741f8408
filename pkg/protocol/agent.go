package protocol

import "strings"

// AgentIdentity is the verified identity the auth layer attaches to an
// agent connection. Visitor connections carry no identity.
type AgentIdentity struct {
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	IsAdmin   bool   `json:"isAdmin"`
}

// DisplayName returns "First Last", falling back to the username when
// neither name is set.
func (a AgentIdentity) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name == "" {
		return a.Username
	}
	return name
}

// AgentStatus is a point-in-time view of one online agent's capacity.
type AgentStatus struct {
	Username       string   `json:"username"`
	RemainingSlots int      `json:"remainingSlots"`
	Overage        int      `json:"overage"`
	Pending        int      `json:"pending"`
	Visitors       []string `json:"visitors"`
	OnlineSince    int64    `json:"onlineSince"`
}

// QueueStatus summarizes the dispatcher state for operators.
type QueueStatus struct {
	Waiting      int           `json:"waiting"`
	OldestWaitMs int64         `json:"oldestWaitMs"`
	OnlineAgents int           `json:"onlineAgents"`
	Agents       []AgentStatus `json:"agents"`
}
