package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/livedesk/internal/auth"
	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/dispatch"
	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

const waitFor = 5 * time.Second

type env struct {
	t      *testing.T
	srv    *httptest.Server
	disp   *dispatch.Dispatcher
	store  *store.SQLiteStore
	tokens *token.Service
	auth   *auth.JWTAuthenticator
	gw     *Gateway
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "desk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tokens, err := token.NewService(token.Config{
		ChatEntryKey: []byte("chat-key"),
		QueueSkipKey: []byte("skip-key"),
	}, token.NewMemoryLedger(), nil)
	require.NoError(t, err)

	authn, err := auth.NewJWTAuthenticator([]byte("agent-key"), time.Hour)
	require.NoError(t, err)

	dir := directory.New(nil)
	disp := dispatch.New(dispatch.Config{MaxPerAgent: 5}, st, tokens, dir, nil)
	gw := New(cfg, disp, dir, tokens, st, authn, nil)

	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		disp.Wait()
	})
	return &env{t: t, srv: srv, disp: disp, store: st, tokens: tokens, auth: authn, gw: gw}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *env) dial(path string, header http.Header) (*wsClient, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	c := &wsClient{t: e.t, ws: ws}
	e.t.Cleanup(func() { ws.Close() })
	return c, resp, nil
}

func (e *env) visitorQueue() *wsClient {
	e.t.Helper()
	c, _, err := e.dial("/api/start_queue", nil)
	require.NoError(e.t, err)
	return c
}

func (e *env) agentChat(username string) *wsClient {
	e.t.Helper()
	tok, err := e.auth.Mint(protocol.AgentIdentity{Username: username, FirstName: username})
	require.NoError(e.t, err)
	h := http.Header{}
	h.Set("Cookie", auth.CookieName+"="+tok)
	c, _, err := e.dial("/api/start_chat", h)
	require.NoError(e.t, err)
	c.send(protocol.EventAgentOnline, struct{}{})
	c.expect(protocol.EventAgentReady)
	return c
}

// admit runs a visitor through the queue and returns the chat-entry token.
func (e *env) admit(first string) string {
	e.t.Helper()
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: first, LastName: "Test"})
	var adm protocol.ChatAdmitted
	q.expect(protocol.EventChatAdmitted).Bind(&adm)
	require.NotEmpty(e.t, adm.ChatEntryToken)
	return adm.ChatEntryToken
}

func (e *env) visitorChat(tok string) *wsClient {
	e.t.Helper()
	c, _, err := e.dial("/api/start_chat", nil)
	require.NoError(e.t, err)
	c.send(protocol.EventVisitorLogin, protocol.VisitorLogin{Token: tok})
	c.expect(protocol.EventTranscript)
	return c
}

func (c *wsClient) send(event string, payload any) {
	c.t.Helper()
	b, err := protocol.EncodeFrame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, b))
}

// expect reads frames until one named event arrives.
func (c *wsClient) expect(event string) protocol.Frame {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, raw, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		f, err := protocol.DecodeFrame(raw)
		require.NoError(c.t, err)
		if f.Event == event {
			return f
		}
	}
}

// expectClosed reads until the server closes the socket.
func (c *wsClient) expectClosed() {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("connection was not closed: %v", err)
		}
		return
	}
}

func TestQueueToChat(t *testing.T) {
	e := newEnv(t, Config{})
	agent := e.agentChat("alice")

	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: "Ada", LastName: "Lovelace"})
	var count protocol.OnlineAgentCount
	require.NoError(t, q.expect(protocol.EventOnlineAgentCount).Bind(&count))
	assert.Equal(t, 1, count.N)

	var adm protocol.ChatAdmitted
	require.NoError(t, q.expect(protocol.EventChatAdmitted).Bind(&adm))
	q.expectClosed()

	var assigned protocol.VisitorAssigned
	require.NoError(t, agent.expect(protocol.EventVisitorAssigned).Bind(&assigned))
	assert.Equal(t, "Ada", assigned.FirstName)

	visitor := e.visitorChat(adm.ChatEntryToken)
	var joined protocol.VisitorPresence
	require.NoError(t, agent.expect(protocol.EventVisitorJoined).Bind(&joined))
	assert.Equal(t, assigned.VisitorID, joined.VisitorID)
	var at protocol.AgentTranscript
	require.NoError(t, agent.expect(protocol.EventTranscript).Bind(&at))
	assert.Equal(t, assigned.VisitorID, at.VisitorID)
	assert.Empty(t, at.Transcript)

	visitor.send(protocol.EventMessage, protocol.OutgoingMessage{Message: "hello"})
	var in protocol.TranscriptEntry
	require.NoError(t, agent.expect(protocol.EventMessage).Bind(&in))
	assert.Equal(t, "hello", in.Message)
	assert.True(t, in.FromVisitor)
	assert.Equal(t, assigned.VisitorID, in.Counterpart)

	agent.send(protocol.EventMessage, protocol.OutgoingMessage{VisitorID: assigned.VisitorID, Message: "hi there"})
	var out protocol.TranscriptEntry
	require.NoError(t, visitor.expect(protocol.EventMessage).Bind(&out))
	assert.Equal(t, "hi there", out.Message)
	assert.False(t, out.FromVisitor)
	assert.Equal(t, "alice", out.Counterpart)

	require.Eventually(t, func() bool {
		tr, err := e.store.Transcript(context.Background(), assigned.VisitorID)
		return err == nil && len(tr) == 2
	}, waitFor, 10*time.Millisecond)

	v, err := e.store.GetVisitor(context.Background(), assigned.VisitorID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(v.ChatConnID, "visitor-"))
}

func TestQueue_RejectsAgents(t *testing.T) {
	e := newEnv(t, Config{})
	tok, err := e.auth.Mint(protocol.AgentIdentity{Username: "alice"})
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)

	_, resp, err := e.dial("/api/start_queue", h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestQueue_RateLimited(t *testing.T) {
	e := newEnv(t, Config{QueueHandshakes: 1, QueueWindow: time.Hour})
	e.visitorQueue()

	second := e.visitorQueue()
	second.expect(protocol.EventRateLimited)
	second.expectClosed()
}

func TestQueue_InvalidRequest(t *testing.T) {
	e := newEnv(t, Config{})
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: "only"})
	q.expect(protocol.EventRetryAdmission)
	q.expectClosed()
	assert.Equal(t, 0, e.disp.QueueLen())
}

func TestQueue_BadSkipToken(t *testing.T) {
	e := newEnv(t, Config{})
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{SkipToken: "not-a-token"})
	q.expect(protocol.EventAuthFailed)
	q.expectClosed()
}

func TestQueue_DisconnectWhileWaiting(t *testing.T) {
	e := newEnv(t, Config{})
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: "A", LastName: "B"})
	q.expect(protocol.EventOnlineAgentCount)
	require.Eventually(t, func() bool { return e.disp.QueueLen() == 1 }, waitFor, 10*time.Millisecond)

	q.ws.Close()
	require.Eventually(t, func() bool { return e.disp.QueueLen() == 0 }, waitFor, 10*time.Millisecond)
}

func TestQueue_DisconnectedVisitorNeverAssigned(t *testing.T) {
	e := newEnv(t, Config{})
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: "Gone", LastName: "Away"})
	q.expect(protocol.EventOnlineAgentCount)
	require.Eventually(t, func() bool { return e.disp.QueueLen() == 1 }, waitFor, 10*time.Millisecond)

	q.ws.Close()
	require.Eventually(t, func() bool { return e.disp.QueueLen() == 0 }, waitFor, 10*time.Millisecond)

	e.agentChat("alice")
	visitors, err := e.store.ListVisitors(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, visitors)
	st := e.disp.Status()
	require.Len(t, st.Agents, 1)
	assert.Equal(t, 5, st.Agents[0].RemainingSlots)
	assert.Zero(t, st.Agents[0].Pending)
}

func TestQueue_OnlineCountBroadcast(t *testing.T) {
	e := newEnv(t, Config{})
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{FirstName: "A", LastName: "B"})
	var c protocol.OnlineAgentCount
	require.NoError(t, q.expect(protocol.EventOnlineAgentCount).Bind(&c))
	assert.Equal(t, 0, c.N)

	// An agent coming online is broadcast, then the waiting visitor is admitted.
	e.agentChat("alice")
	require.NoError(t, q.expect(protocol.EventOnlineAgentCount).Bind(&c))
	assert.Equal(t, 1, c.N)
	q.expect(protocol.EventChatAdmitted)
}

func TestChat_LoginRejectsBadToken(t *testing.T) {
	e := newEnv(t, Config{})
	c, _, err := e.dial("/api/start_chat", nil)
	require.NoError(t, err)
	c.send(protocol.EventVisitorLogin, protocol.VisitorLogin{Token: "forged"})
	c.expect(protocol.EventAuthFailed)
	c.expectClosed()
}

func TestChat_TokenSingleUse(t *testing.T) {
	e := newEnv(t, Config{})
	e.agentChat("alice")
	tok := e.admit("Ada")
	e.visitorChat(tok)

	c, _, err := e.dial("/api/start_chat", nil)
	require.NoError(t, err)
	c.send(protocol.EventVisitorLogin, protocol.VisitorLogin{Token: tok})
	c.expect(protocol.EventAuthFailed)
}

func TestChat_VisitorLeaves(t *testing.T) {
	e := newEnv(t, Config{})
	agent := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	var assigned protocol.VisitorAssigned
	require.NoError(t, agent.expect(protocol.EventVisitorAssigned).Bind(&assigned))

	visitor.ws.Close()
	var left protocol.VisitorPresence
	require.NoError(t, agent.expect(protocol.EventVisitorLeft).Bind(&left))
	assert.Equal(t, assigned.VisitorID, left.VisitorID)
	_, ok := e.disp.AssignedAgent(assigned.VisitorID)
	assert.False(t, ok)
}

func TestChat_EndChat(t *testing.T) {
	e := newEnv(t, Config{})
	agent := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	var assigned protocol.VisitorAssigned
	require.NoError(t, agent.expect(protocol.EventVisitorAssigned).Bind(&assigned))

	agent.send(protocol.EventEndChat, protocol.EndChat{VisitorID: assigned.VisitorID})
	visitor.expect(protocol.EventChatEnded)
	visitor.expectClosed()
	_, ok := e.disp.AssignedAgent(assigned.VisitorID)
	assert.False(t, ok)
}

func TestChat_AgentCannotMessageOthersVisitor(t *testing.T) {
	e := newEnv(t, Config{})
	alice := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	var assigned protocol.VisitorAssigned
	require.NoError(t, alice.expect(protocol.EventVisitorAssigned).Bind(&assigned))

	mallory := e.agentChat("mallory")
	mallory.send(protocol.EventMessage, protocol.OutgoingMessage{VisitorID: assigned.VisitorID, Message: "psst"})
	alice.send(protocol.EventMessage, protocol.OutgoingMessage{VisitorID: assigned.VisitorID, Message: "from alice"})

	var m protocol.TranscriptEntry
	require.NoError(t, visitor.expect(protocol.EventMessage).Bind(&m))
	assert.Equal(t, "from alice", m.Message)
}

func TestChat_AgentOfflineRequeuesWithPriority(t *testing.T) {
	e := newEnv(t, Config{})
	alice := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	var assigned protocol.VisitorAssigned
	require.NoError(t, alice.expect(protocol.EventVisitorAssigned).Bind(&assigned))

	alice.ws.Close()
	var rq protocol.RequeueWithPriority
	require.NoError(t, visitor.expect(protocol.EventRequeueWithPriority).Bind(&rq))
	require.NotEmpty(t, rq.SkipToken)

	bob := e.agentChat("bob")
	q := e.visitorQueue()
	q.send(protocol.EventRequestChat, protocol.RequestChat{SkipToken: rq.SkipToken})
	q.expect(protocol.EventChatAdmitted)

	var again protocol.VisitorAssigned
	require.NoError(t, bob.expect(protocol.EventVisitorAssigned).Bind(&again))
	assert.Equal(t, assigned.VisitorID, again.VisitorID)
	assert.Equal(t, "Ada", again.FirstName)
}

func TestChat_Transfer(t *testing.T) {
	e := newEnv(t, Config{})
	alice := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	var assigned protocol.VisitorAssigned
	require.NoError(t, alice.expect(protocol.EventVisitorAssigned).Bind(&assigned))

	visitor.send(protocol.EventMessage, protocol.OutgoingMessage{Message: "need help"})
	alice.expect(protocol.EventMessage)
	require.Eventually(t, func() bool {
		tr, _ := e.store.Transcript(context.Background(), assigned.VisitorID)
		return len(tr) == 1
	}, waitFor, 10*time.Millisecond)

	bob := e.agentChat("bob")
	alice.send(protocol.EventTransferChat, protocol.TransferChat{VisitorID: assigned.VisitorID, ToAgentUsername: "bob"})

	var moved protocol.ChatTransferred
	require.NoError(t, visitor.expect(protocol.EventChatTransferred).Bind(&moved))
	assert.Equal(t, "bob", moved.AgentUsername)
	bob.expect(protocol.EventVisitorAssigned)
	var at protocol.AgentTranscript
	require.NoError(t, bob.expect(protocol.EventTranscript).Bind(&at))
	require.Len(t, at.Transcript, 1)
	assert.Equal(t, "need help", at.Transcript[0].Message)

	var removed protocol.VisitorRemoved
	require.NoError(t, alice.expect(protocol.EventVisitorRemoved).Bind(&removed))
	assert.Equal(t, assigned.VisitorID, removed.VisitorID)

	// Visitor messages now reach bob.
	visitor.send(protocol.EventMessage, protocol.OutgoingMessage{Message: "thanks"})
	var m protocol.TranscriptEntry
	require.NoError(t, bob.expect(protocol.EventMessage).Bind(&m))
	assert.Equal(t, "thanks", m.Message)
}

func TestChat_FileRelay(t *testing.T) {
	e := newEnv(t, Config{})
	agent := e.agentChat("alice")
	visitor := e.visitorChat(e.admit("Ada"))
	agent.expect(protocol.EventVisitorAssigned)

	png := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
	visitor.send(protocol.EventFile, protocol.OutgoingFile{FileName: "dot.png", File: png})

	var f protocol.TranscriptEntry
	require.NoError(t, agent.expect(protocol.EventFile).Bind(&f))
	assert.Equal(t, protocol.EntryFile, f.Kind)
	assert.Equal(t, "dot.png", f.FileName)
	assert.Equal(t, "image/png", f.FileType)
	assert.Equal(t, png, f.File)
}

func TestDecodeFile(t *testing.T) {
	g := &Gateway{cfg: Config{MaxFileBytes: 8}}

	f, err := g.decodeFile(protocol.OutgoingFile{FileName: "a.txt", File: "data:text/plain;base64,aGVsbG8="})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", f.Name)
	assert.True(t, strings.HasPrefix(f.Type, "text/plain"))
	assert.Equal(t, "aGVsbG8=", f.Data)

	_, err = g.decodeFile(protocol.OutgoingFile{File: "aGVsbG8gd29ybGQ="})
	assert.ErrorIs(t, err, errFileTooLarge)

	_, err = g.decodeFile(protocol.OutgoingFile{File: ""})
	assert.ErrorIs(t, err, errEmptyFile)

	_, err = g.decodeFile(protocol.OutgoingFile{File: "%%%"})
	assert.Error(t, err)
}

func TestFrameShape(t *testing.T) {
	b, err := protocol.EncodeFrame(protocol.EventOnlineAgentCount, protocol.OnlineAgentCount{N: 3})
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.JSONEq(t, `{"n":3}`, string(raw["data"]))
}
