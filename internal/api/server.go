package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/livedesk/internal/logbuf"
	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// DeskService is the live dispatcher view the API reports on.
type DeskService interface {
	Status() protocol.QueueStatus
}

// VisitorReader is the read side of the visitor store.
type VisitorReader interface {
	GetVisitor(ctx context.Context, id string) (*protocol.Visitor, error)
	ListVisitors(ctx context.Context, filter store.Filter) ([]*protocol.Visitor, error)
	Transcript(ctx context.Context, visitorID string) ([]protocol.TranscriptEntry, error)
}

// Alerter sends a test alert through every configured notifier.
type Alerter interface {
	Test(ctx context.Context) error
}

// Registrar mounts additional routes (the chat gateway) on the API mux.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// Config holds API server configuration.
type Config struct {
	Host    string
	Port    int
	Key     string       // API key for Bearer auth
	Metrics http.Handler // served at /metrics when set
}

// Server is the live desk operations API and the HTTP listener for the gateway.
type Server struct {
	desk     DeskService
	visitors VisitorReader
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	alerter  Alerter
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(desk DeskService, visitors VisitorReader, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		desk:     desk,
		visitors: visitors,
		cfg:      cfg,
		logger:   logger,
		logs:     logs,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))
	s.mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	s.mux.HandleFunc("GET /api/agents/{username}", s.requireAuth(s.handleGetAgent))
	s.mux.HandleFunc("GET /api/visitors", s.requireAuth(s.handleListVisitors))
	s.mux.HandleFunc("GET /api/visitors/{id}", s.requireAuth(s.handleGetVisitor))
	s.mux.HandleFunc("GET /api/visitors/{id}/transcript", s.requireAuth(s.handleTranscript))
	s.mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	s.mux.HandleFunc("POST /api/alerts/test", s.requireAuth(s.handleTestAlert))
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetAlerter enables POST /api/alerts/test.
func (s *Server) SetAlerter(a Alerter) { s.alerter = a }

// Mount lets r add its routes. Mounted routes do their own authentication.
func (s *Server) Mount(r Registrar) { r.Register(s.mux) }

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.Status())
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.desk.Status().Agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	for _, a := range s.desk.Status().Agents {
		if a.Username == username {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not online"})
}

func (s *Server) handleListVisitors(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{Limit: 100}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = time.UnixMilli(ms)
		}
	}

	visitors, err := s.visitors.ListVisitors(r.Context(), filter)
	if err != nil {
		s.logger.Error("list visitors failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, visitors)
}

func (s *Server) handleGetVisitor(w http.ResponseWriter, r *http.Request) {
	v, err := s.visitors.GetVisitor(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.visitors.GetVisitor(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	entries, err := s.visitors.Transcript(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		Component: q.Get("component"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if s.alerter == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "alerts not configured"})
		return
	}
	if err := s.alerter.Test(r.Context()); err != nil {
		s.logger.Warn("test alert failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// --- Helpers ---

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "visitor not found"})
		return
	}
	s.logger.Error("visitor store error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
