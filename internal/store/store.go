package store

import (
	"context"
	"errors"
	"time"

	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// ErrNotFound is returned when a visitor does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for visitor records and transcripts.
type Store interface {
	// CreateVisitor persists a new visitor and returns it with its generated ID.
	CreateVisitor(ctx context.Context, firstName, lastName string) (*protocol.Visitor, error)
	// GetVisitor retrieves a visitor by ID.
	GetVisitor(ctx context.Context, id string) (*protocol.Visitor, error)
	// ListVisitors returns visitors matching the filter, newest first.
	ListVisitors(ctx context.Context, filter Filter) ([]*protocol.Visitor, error)
	// SetChatConn records the visitor's current chat connection.
	SetChatConn(ctx context.Context, visitorID, connID string) error
	// AppendMessage adds a text message to a visitor's transcript.
	AppendMessage(ctx context.Context, visitorID, message, counterpart string, fromVisitor bool) error
	// AppendFile adds a file to a visitor's transcript.
	AppendFile(ctx context.Context, visitorID string, file File, counterpart string, fromVisitor bool) error
	// Transcript returns the visitor's messages and files in the order they were appended.
	Transcript(ctx context.Context, visitorID string) ([]protocol.TranscriptEntry, error)
}

// File is an attachment exchanged in a chat. Data is base64 encoded.
type File struct {
	Name string
	Type string
	Data string
}

// Filter constrains visitor list queries.
type Filter struct {
	Since time.Time // created at or after; zero = no bound
	Limit int       // 0 = no limit
}
