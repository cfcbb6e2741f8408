package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names exchanged over the queue and chat sockets.
const (
	// visitor -> queue
	EventRequestChat = "request_chat"

	// queue -> visitor
	EventChatAdmitted        = "chat_admitted"
	EventRetryAdmission      = "retry_admission"
	EventRequeueWithPriority = "requeue_with_priority"
	EventRateLimited         = "rate_limited"

	// dispatcher -> agent
	EventVisitorAssigned = "visitor_assigned"
	EventVisitorRemoved  = "visitor_removed"

	// broadcast
	EventOnlineAgentCount = "online_agent_count"

	// chat socket
	EventAgentOnline      = "agent_online"
	EventVisitorLogin     = "visitor_login"
	EventVisitorJoined    = "visitor_joined"
	EventVisitorLeft      = "visitor_left"
	EventMessage          = "message"
	EventFile             = "file"
	EventEndChat          = "end_chat"
	EventChatEnded        = "chat_ended"
	EventTransferChat     = "transfer_chat"
	EventChatTransferred  = "chat_transferred"
	EventTranscript       = "transcript"
	EventAuthFailed       = "auth_failed"
	EventAgentReady       = "agent_ready"
)

// Frame is the JSON envelope carried by every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses a raw socket message.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, errors.New("protocol: decode frame: missing event")
	}
	return f, nil
}

// EncodeFrame builds the wire form of an event.
func EncodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Bind decodes the frame's data into v. An absent data field leaves v untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("protocol: bind %s: %w", f.Event, err)
	}
	return nil
}

// RequestChat asks for admission. Either both names or a skip token.
type RequestChat struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	SkipToken string `json:"skipToken,omitempty"`
}

func (r RequestChat) HasSkipToken() bool { return r.SkipToken != "" }

// Valid reports whether the request carries enough to be queued.
func (r RequestChat) Valid() bool {
	if r.HasSkipToken() {
		return true
	}
	return strings.TrimSpace(r.FirstName) != "" && strings.TrimSpace(r.LastName) != ""
}

type ChatAdmitted struct {
	ChatEntryToken string `json:"chatEntryToken"`
}

type RequeueWithPriority struct {
	SkipToken string `json:"skipToken"`
}

type VisitorAssigned struct {
	VisitorID string `json:"visitorId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type VisitorRemoved struct {
	VisitorID string `json:"visitorId"`
}

type OnlineAgentCount struct {
	N int `json:"n"`
}

type VisitorLogin struct {
	Token string `json:"token"`
}

type VisitorPresence struct {
	VisitorID string `json:"visitorId"`
}

type TransferChat struct {
	VisitorID       string `json:"visitorId"`
	ToAgentUsername string `json:"toAgentUsername"`
}

type ChatTransferred struct {
	AgentUsername string `json:"agentUsername"`
}

type EndChat struct {
	VisitorID string `json:"visitorId"`
}

// OutgoingMessage is sent by either side. VisitorID is required from agents.
type OutgoingMessage struct {
	VisitorID string `json:"visitorId,omitempty"`
	Message   string `json:"message"`
}

// OutgoingFile is a base64 encoded attachment.
type OutgoingFile struct {
	VisitorID string `json:"visitorId,omitempty"`
	FileName  string `json:"fileName"`
	File      string `json:"file"`
}

// AgentTranscript is the transcript pushed to an agent for one visitor.
type AgentTranscript struct {
	VisitorID  string            `json:"visitorId"`
	Transcript []TranscriptEntry `json:"transcript"`
}
