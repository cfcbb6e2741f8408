package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

var (
	errEmptyFile    = errors.New("empty file")
	errFileTooLarge = errors.New("file too large")
)

// handleChat serves /api/start_chat. Requests carrying agent credentials get
// an agent session; everyone else must log in with a chat-entry token.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	username, isAgent := g.identify(r)
	prefix := "visitor"
	if isAgent {
		prefix = "agent"
	}
	conn, ok := g.upgrade(w, r, prefix)
	if !ok {
		return
	}
	g.recorder.ConnOpened(EndpointChat)
	defer func() {
		conn.Close()
		g.recorder.ConnClosed(EndpointChat)
	}()

	if isAgent {
		s := &agentSession{g: g, conn: conn, username: username,
			logger: g.logger.With("conn", conn.ID(), "agent", username)}
		s.serve(r.Context())
		return
	}
	s := &visitorSession{g: g, conn: conn, logger: g.logger.With("conn", conn.ID())}
	s.serve(r.Context())
}

// --- agent side ---

type agentSession struct {
	g        *Gateway
	conn     *wsConn
	username string
	online   bool
	logger   *slog.Logger
}

func (s *agentSession) serve(ctx context.Context) {
	defer s.disconnect()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		switch f.Event {
		case protocol.EventAgentOnline:
			s.goOnline()
		case protocol.EventMessage:
			var m protocol.OutgoingMessage
			if f.Bind(&m) == nil {
				s.message(ctx, m)
			}
		case protocol.EventFile:
			var m protocol.OutgoingFile
			if f.Bind(&m) == nil {
				s.file(ctx, m)
			}
		case protocol.EventEndChat:
			var m protocol.EndChat
			if f.Bind(&m) == nil {
				s.endChat(m.VisitorID)
			}
		case protocol.EventTransferChat:
			var m protocol.TransferChat
			if f.Bind(&m) == nil {
				s.transfer(ctx, m)
			}
		default:
			s.logger.Debug("ignoring agent frame", "event", f.Event)
		}
	}
}

func (s *agentSession) goOnline() {
	if s.online {
		return
	}
	if prev := s.g.dir.SetAgent(s.username, s.conn); prev != nil {
		s.logger.Info("agent reconnected, closing previous connection", "previous", prev.ID())
		prev.Close()
	}
	s.online = true
	s.g.disp.SetAgentOnline(s.username)
	s.conn.Send(protocol.EventAgentReady, struct{}{})
}

func (s *agentSession) disconnect() {
	if !s.online {
		return
	}
	// A newer connection for the same agent owns the mapping now.
	if !s.g.dir.DeleteAgent(s.username, s.conn.ID()) {
		return
	}
	s.g.disp.SetAgentOffline(s.username)
}

func (s *agentSession) assigned(visitorID string) bool {
	return visitorID != "" && s.g.disp.IsAssignedTo(visitorID, s.username)
}

func (s *agentSession) message(ctx context.Context, m protocol.OutgoingMessage) {
	if m.Message == "" || !s.assigned(m.VisitorID) {
		return
	}
	entry := protocol.TranscriptEntry{
		Kind:        protocol.EntryMessage,
		Message:     m.Message,
		Counterpart: s.username,
		Timestamp:   s.g.now().UnixMilli(),
	}
	if vc, ok := s.g.dir.Visitor(m.VisitorID); ok {
		vc.Send(protocol.EventMessage, entry)
	}
	s.g.recorder.Relayed(string(protocol.EntryMessage), false)

	ctx, cancel := s.g.ioContext(ctx)
	defer cancel()
	if err := s.g.store.AppendMessage(ctx, m.VisitorID, m.Message, s.username, false); err != nil {
		s.logger.Warn("store agent message failed", "visitor", m.VisitorID, "error", err)
	}
}

func (s *agentSession) file(ctx context.Context, m protocol.OutgoingFile) {
	if !s.assigned(m.VisitorID) {
		return
	}
	file, err := s.g.decodeFile(m)
	if err != nil {
		s.logger.Info("rejecting file", "visitor", m.VisitorID, "error", err)
		return
	}
	entry := fileEntry(file, s.username, false, s.g.now().UnixMilli())
	if vc, ok := s.g.dir.Visitor(m.VisitorID); ok {
		vc.Send(protocol.EventFile, entry)
	}
	s.g.recorder.Relayed(string(protocol.EntryFile), false)

	ctx, cancel := s.g.ioContext(ctx)
	defer cancel()
	if err := s.g.store.AppendFile(ctx, m.VisitorID, file, s.username, false); err != nil {
		s.logger.Warn("store agent file failed", "visitor", m.VisitorID, "error", err)
	}
}

func (s *agentSession) endChat(visitorID string) {
	if !s.assigned(visitorID) {
		return
	}
	if err := s.g.disp.ReleaseSlot(s.username, visitorID); err != nil {
		s.logger.Info("end chat failed", "visitor", visitorID, "error", err)
		return
	}
	if vc, ok := s.g.dir.Visitor(visitorID); ok {
		vc.Send(protocol.EventChatEnded, struct{}{})
		vc.Close()
	}
	s.logger.Info("chat ended by agent", "visitor", visitorID)
}

func (s *agentSession) transfer(ctx context.Context, m protocol.TransferChat) {
	if err := s.g.disp.Transfer(m.VisitorID, s.username, m.ToAgentUsername); err != nil {
		s.logger.Info("transfer rejected", "visitor", m.VisitorID, "to", m.ToAgentUsername, "error", err)
		return
	}
	ctx, cancel := s.g.ioContext(ctx)
	defer cancel()
	transcript, err := s.g.store.Transcript(ctx, m.VisitorID)
	if err != nil {
		s.logger.Warn("load transcript for transfer failed", "visitor", m.VisitorID, "error", err)
		return
	}
	if ac, ok := s.g.dir.Agent(m.ToAgentUsername); ok {
		ac.Send(protocol.EventTranscript, protocol.AgentTranscript{VisitorID: m.VisitorID, Transcript: transcript})
	}
}

// --- visitor side ---

type visitorSession struct {
	g           *Gateway
	conn        *wsConn
	visitorID   string
	admissionID string
	logger      *slog.Logger
}

func (s *visitorSession) serve(ctx context.Context) {
	defer s.disconnect()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		if s.visitorID == "" {
			if f.Event != protocol.EventVisitorLogin || !s.login(ctx, f) {
				s.conn.Send(protocol.EventAuthFailed, struct{}{})
				return
			}
			continue
		}
		switch f.Event {
		case protocol.EventMessage:
			var m protocol.OutgoingMessage
			if f.Bind(&m) == nil {
				s.message(ctx, m)
			}
		case protocol.EventFile:
			var m protocol.OutgoingFile
			if f.Bind(&m) == nil {
				s.file(ctx, m)
			}
		default:
			s.logger.Debug("ignoring visitor frame", "event", f.Event)
		}
	}
}

func (s *visitorSession) login(ctx context.Context, f protocol.Frame) bool {
	var m protocol.VisitorLogin
	if err := f.Bind(&m); err != nil || m.Token == "" {
		return false
	}
	ioCtx, cancel := s.g.ioContext(ctx)
	defer cancel()
	p, err := s.g.tokens.Redeem(ioCtx, token.KindChatEntry, m.Token)
	if err != nil {
		return false
	}
	agent, ok := s.g.disp.Joined(p.VisitorID, p.TokenID)
	if !ok {
		s.logger.Info("chat entry token outlived its assignment", "visitor", p.VisitorID)
		return false
	}
	s.visitorID = p.VisitorID
	s.admissionID = p.TokenID
	s.logger = s.logger.With("visitor", p.VisitorID)

	if prev := s.g.dir.SetVisitor(p.VisitorID, s.conn); prev != nil {
		prev.Close()
	}
	if err := s.g.store.SetChatConn(ioCtx, p.VisitorID, s.conn.ID()); err != nil {
		s.logger.Warn("record chat connection failed", "error", err)
		s.conn.Close()
		return true
	}

	ac, hasAgent := s.g.dir.Agent(agent)
	if hasAgent {
		ac.Send(protocol.EventVisitorJoined, protocol.VisitorPresence{VisitorID: p.VisitorID})
	}
	transcript, err := s.g.store.Transcript(ioCtx, p.VisitorID)
	if err != nil {
		s.logger.Warn("load transcript failed", "error", err)
		s.conn.Close()
		return true
	}
	s.conn.Send(protocol.EventTranscript, transcript)
	if hasAgent {
		ac.Send(protocol.EventTranscript, protocol.AgentTranscript{VisitorID: p.VisitorID, Transcript: transcript})
	}
	s.logger.Info("visitor joined chat", "agent", agent)
	return true
}

func (s *visitorSession) disconnect() {
	if s.visitorID == "" {
		return
	}
	s.g.dir.DeleteVisitor(s.visitorID, s.conn.ID())
	agent, ok := s.g.disp.VisitorLeft(s.visitorID, s.admissionID)
	if !ok {
		return
	}
	if ac, ok := s.g.dir.Agent(agent); ok {
		ac.Send(protocol.EventVisitorLeft, protocol.VisitorPresence{VisitorID: s.visitorID})
	}
	s.logger.Info("visitor left chat", "agent", agent)
}

// agent returns the agent currently serving the visitor, which changes on
// transfer.
func (s *visitorSession) agent() (string, bool) {
	return s.g.disp.AssignedAgent(s.visitorID)
}

func (s *visitorSession) message(ctx context.Context, m protocol.OutgoingMessage) {
	agent, ok := s.agent()
	if m.Message == "" || !ok {
		return
	}
	entry := protocol.TranscriptEntry{
		Kind:        protocol.EntryMessage,
		Message:     m.Message,
		Counterpart: s.visitorID,
		FromVisitor: true,
		Timestamp:   s.g.now().UnixMilli(),
	}
	if ac, ok := s.g.dir.Agent(agent); ok {
		ac.Send(protocol.EventMessage, entry)
	}
	s.g.recorder.Relayed(string(protocol.EntryMessage), true)

	ctx, cancel := s.g.ioContext(ctx)
	defer cancel()
	if err := s.g.store.AppendMessage(ctx, s.visitorID, m.Message, agent, true); err != nil {
		s.logger.Warn("store visitor message failed", "error", err)
	}
}

func (s *visitorSession) file(ctx context.Context, m protocol.OutgoingFile) {
	agent, ok := s.agent()
	if !ok {
		return
	}
	file, err := s.g.decodeFile(m)
	if err != nil {
		s.logger.Info("rejecting file", "error", err)
		return
	}
	entry := fileEntry(file, s.visitorID, true, s.g.now().UnixMilli())
	if ac, ok := s.g.dir.Agent(agent); ok {
		ac.Send(protocol.EventFile, entry)
	}
	s.g.recorder.Relayed(string(protocol.EntryFile), true)

	ctx, cancel := s.g.ioContext(ctx)
	defer cancel()
	if err := s.g.store.AppendFile(ctx, s.visitorID, file, agent, true); err != nil {
		s.logger.Warn("store visitor file failed", "error", err)
	}
}

// --- files ---

// decodeFile validates a base64 attachment and sniffs its content type.
func (g *Gateway) decodeFile(m protocol.OutgoingFile) (store.File, error) {
	data := m.File
	// Accept data URLs as sent by browsers' FileReader.
	if strings.HasPrefix(data, "data:") {
		if _, rest, ok := strings.Cut(data, ","); ok {
			data = rest
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return store.File{}, err
	}
	if len(raw) == 0 {
		return store.File{}, errEmptyFile
	}
	if len(raw) > g.cfg.MaxFileBytes {
		return store.File{}, errFileTooLarge
	}
	name := m.FileName
	if name == "" {
		name = "file"
	}
	return store.File{
		Name: name,
		Type: http.DetectContentType(raw),
		Data: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func fileEntry(f store.File, counterpart string, fromVisitor bool, ts int64) protocol.TranscriptEntry {
	return protocol.TranscriptEntry{
		Kind:        protocol.EntryFile,
		FileName:    f.Name,
		FileType:    f.Type,
		File:        f.Data,
		Counterpart: counterpart,
		FromVisitor: fromVisitor,
		Timestamp:   ts,
	}
}
