package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h1v3-io/livedesk/internal/logbuf"
	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// mockDesk implements DeskService and VisitorReader for testing.
type mockDesk struct {
	status      protocol.QueueStatus
	visitors    []*protocol.Visitor
	transcripts map[string][]protocol.TranscriptEntry
	lastFilter  store.Filter
	listErr     error
}

func (m *mockDesk) Status() protocol.QueueStatus { return m.status }

func (m *mockDesk) GetVisitor(_ context.Context, id string) (*protocol.Visitor, error) {
	for _, v := range m.visitors {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, fmt.Errorf("visitor %q: %w", id, store.ErrNotFound)
}

func (m *mockDesk) ListVisitors(_ context.Context, f store.Filter) ([]*protocol.Visitor, error) {
	m.lastFilter = f
	return m.visitors, m.listErr
}

func (m *mockDesk) Transcript(_ context.Context, id string) ([]protocol.TranscriptEntry, error) {
	if entries, ok := m.transcripts[id]; ok {
		return entries, nil
	}
	return []protocol.TranscriptEntry{}, nil
}

type mockLogs struct {
	last logbuf.Filter
}

func (m *mockLogs) Query(f logbuf.Filter) []logbuf.Entry {
	m.last = f
	return []logbuf.Entry{{Level: "INFO", Message: "hello"}}
}

type mockAlerter struct {
	calls int
	err   error
}

func (m *mockAlerter) Test(context.Context) error {
	m.calls++
	return m.err
}

type routeRegistrar struct{}

func (routeRegistrar) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/start_queue", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func newDesk() *mockDesk {
	return &mockDesk{
		status: protocol.QueueStatus{
			Waiting:      2,
			OldestWaitMs: 4500,
			OnlineAgents: 1,
			Agents: []protocol.AgentStatus{
				{Username: "alice", RemainingSlots: 3, Visitors: []string{"v1", "v2"}},
			},
		},
		visitors: []*protocol.Visitor{
			{ID: "v1", FirstName: "Ada", LastName: "Lovelace"},
			{ID: "v2", FirstName: "Alan", LastName: "Turing"},
		},
		transcripts: map[string][]protocol.TranscriptEntry{
			"v1": {
				{Kind: protocol.EntryMessage, Message: "hi", Counterpart: "alice", FromVisitor: true},
				{Kind: protocol.EntryMessage, Message: "hello", Counterpart: "alice"},
			},
		},
	}
}

func newTestServer(desk *mockDesk, key string) *Server {
	return NewServer(desk, desk, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/health")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/status")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st protocol.QueueStatus
	json.NewDecoder(w.Body).Decode(&st)
	if st.Waiting != 2 || st.OnlineAgents != 1 || st.OldestWaitMs != 4500 {
		t.Errorf("status = %+v", st)
	}
}

func TestListAgents(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/agents")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var agents []protocol.AgentStatus
	json.NewDecoder(w.Body).Decode(&agents)
	if len(agents) != 1 || len(agents[0].Visitors) != 2 {
		t.Errorf("agents = %+v", agents)
	}
}

func TestGetAgent(t *testing.T) {
	srv := newTestServer(newDesk(), "")

	if w := do(t, srv.Handler(), "GET", "/api/agents/alice"); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w := do(t, srv.Handler(), "GET", "/api/agents/ghost"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListVisitors(t *testing.T) {
	desk := newDesk()
	srv := newTestServer(desk, "")
	w := do(t, srv.Handler(), "GET", "/api/visitors?limit=10&since=1700000000000")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var visitors []protocol.Visitor
	json.NewDecoder(w.Body).Decode(&visitors)
	if len(visitors) != 2 {
		t.Errorf("got %d visitors", len(visitors))
	}
	if desk.lastFilter.Limit != 10 || !desk.lastFilter.Since.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("filter = %+v", desk.lastFilter)
	}
}

func TestListVisitors_DefaultLimit(t *testing.T) {
	desk := newDesk()
	srv := newTestServer(desk, "")
	do(t, srv.Handler(), "GET", "/api/visitors?limit=bogus")

	if desk.lastFilter.Limit != 100 || !desk.lastFilter.Since.IsZero() {
		t.Errorf("filter = %+v", desk.lastFilter)
	}
}

func TestListVisitors_StoreError(t *testing.T) {
	desk := newDesk()
	desk.listErr = errors.New("disk on fire")
	srv := newTestServer(desk, "")
	w := do(t, srv.Handler(), "GET", "/api/visitors")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["error"] != "internal error" {
		t.Errorf("store detail leaked: %v", body)
	}
}

func TestGetVisitor(t *testing.T) {
	srv := newTestServer(newDesk(), "")

	if w := do(t, srv.Handler(), "GET", "/api/visitors/v2"); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if w := do(t, srv.Handler(), "GET", "/api/visitors/nope"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTranscript(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/visitors/v1/transcript")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var entries []protocol.TranscriptEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 || entries[0].Message != "hi" || !entries[0].FromVisitor {
		t.Errorf("entries = %+v", entries)
	}
}

func TestTranscript_Empty(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/visitors/v2/transcript")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty array", body)
	}
}

func TestTranscript_UnknownVisitor(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/visitors/ghost/transcript")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLogs(t *testing.T) {
	logs := &mockLogs{}
	desk := newDesk()
	srv := NewServer(desk, desk, Config{}, nil, logs)

	w := do(t, srv.Handler(), "GET", "/api/logs?level=warn&component=dispatch&limit=5&since=1000")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if logs.last.MinLevel != slog.LevelWarn || logs.last.Component != "dispatch" || logs.last.Limit != 5 {
		t.Errorf("filter = %+v", logs.last)
	}
	if !logs.last.Since.Equal(time.UnixMilli(1000)) {
		t.Errorf("since = %v", logs.last.Since)
	}

	do(t, srv.Handler(), "GET", "/api/logs")
	if logs.last.MinLevel != slog.LevelDebug || logs.last.Limit != 200 {
		t.Errorf("default filter = %+v", logs.last)
	}
}

func TestLogs_NoBuffer(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "GET", "/api/logs")
	if w.Body.String() != "[]\n" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestTestAlert(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	if w := do(t, srv.Handler(), "POST", "/api/alerts/test"); w.Code != http.StatusNotFound {
		t.Errorf("without alerter: status = %d, want 404", w.Code)
	}

	a := &mockAlerter{}
	srv.SetAlerter(a)
	if w := do(t, srv.Handler(), "POST", "/api/alerts/test"); w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if a.calls != 1 {
		t.Errorf("calls = %d", a.calls)
	}

	a.err = errors.New("slack: invalid_auth")
	if w := do(t, srv.Handler(), "POST", "/api/alerts/test"); w.Code != http.StatusBadGateway {
		t.Errorf("failing alerter: status = %d, want 502", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	desk := newDesk()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("livedesk_queue_length 2\n"))
	})
	srv := NewServer(desk, desk, Config{Key: "secret", Metrics: metrics}, nil, nil)

	w := do(t, srv.Handler(), "GET", "/metrics")
	if w.Code != http.StatusOK || w.Body.String() != "livedesk_queue_length 2\n" {
		t.Errorf("metrics = %d %q", w.Code, w.Body.String())
	}

	srv = newTestServer(desk, "")
	if w := do(t, srv.Handler(), "GET", "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("metrics disabled: status = %d, want 404", w.Code)
	}
}

func TestMount(t *testing.T) {
	srv := newTestServer(newDesk(), "secret-key")
	srv.Mount(routeRegistrar{})

	// Mounted routes bypass the API key.
	if w := do(t, srv.Handler(), "GET", "/api/start_queue"); w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", w.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	srv := newTestServer(newDesk(), "secret-key")

	// No auth header
	w := do(t, srv.Handler(), "GET", "/api/status")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}

	// Wrong key
	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}

	// Correct key
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
}

func TestHealth_NoAuth(t *testing.T) {
	srv := newTestServer(newDesk(), "secret-key")
	w := do(t, srv.Handler(), "GET", "/api/health")

	// Health should NOT require auth
	if w.Code != http.StatusOK {
		t.Errorf("health should not require auth, status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(newDesk(), "")
	w := do(t, srv.Handler(), "OPTIONS", "/api/agents")

	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}
