package protocol

import "time"

// Visitor is the persisted record of an anonymous chat session.
type Visitor struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	ChatConnID string    `json:"chatConnId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// EntryKind distinguishes transcript items.
type EntryKind string

const (
	EntryMessage EntryKind = "message"
	EntryFile    EntryKind = "file"
)

// TranscriptEntry is one message or file exchanged with a visitor.
// FromVisitor is false when the agent named by Counterpart sent it.
type TranscriptEntry struct {
	Kind        EntryKind `json:"kind"`
	Message     string    `json:"message,omitempty"`
	FileName    string    `json:"fileName,omitempty"`
	FileType    string    `json:"fileType,omitempty"`
	File        string    `json:"file,omitempty"`
	Counterpart string    `json:"correspondentUsername"`
	FromVisitor bool      `json:"isFromUser"`
	Timestamp   int64     `json:"timestamp"`
}
