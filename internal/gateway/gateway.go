// Package gateway serves the real-time endpoints: the queue socket visitors
// use to request a chat, and the chat socket agents and admitted visitors
// use to talk. Frames are JSON protocol.Frame values over WebSocket.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h1v3-io/livedesk/internal/auth"
	"github.com/h1v3-io/livedesk/internal/directory"
	"github.com/h1v3-io/livedesk/internal/dispatch"
	"github.com/h1v3-io/livedesk/internal/store"
	"github.com/h1v3-io/livedesk/internal/token"
)

const (
	DefaultMaxFileBytes    = 3 << 20
	DefaultQueueHandshakes = 10
	DefaultQueueWindow     = 10 * time.Minute
	DefaultSendBuffer      = 64
)

// Endpoint labels for metrics and logs.
const (
	EndpointQueue = "queue"
	EndpointChat  = "chat"
)

// Config tunes the socket endpoints.
type Config struct {
	// MaxFileBytes caps decoded file attachments.
	MaxFileBytes int
	// QueueHandshakes per QueueWindow are allowed per client IP.
	QueueHandshakes int
	QueueWindow     time.Duration
	// AllowedOrigins restricts browser origins. Empty means same-origin only.
	AllowedOrigins []string
	SendBuffer     int
	IOTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.QueueHandshakes <= 0 {
		c.QueueHandshakes = DefaultQueueHandshakes
	}
	if c.QueueWindow <= 0 {
		c.QueueWindow = DefaultQueueWindow
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = dispatch.DefaultIOTimeout
	}
	return c
}

// Redeemer consumes single-use tokens.
type Redeemer interface {
	Redeem(ctx context.Context, kind token.Kind, raw string) (*token.Payload, error)
}

// Recorder observes connection and relay activity.
type Recorder interface {
	ConnOpened(endpoint string)
	ConnClosed(endpoint string)
	RateLimited(endpoint string)
	Relayed(kind string, fromVisitor bool)
}

type nopRecorder struct{}

func (nopRecorder) ConnOpened(string)    {}
func (nopRecorder) ConnClosed(string)    {}
func (nopRecorder) RateLimited(string)   {}
func (nopRecorder) Relayed(string, bool) {}

// Gateway owns the WebSocket endpoints.
type Gateway struct {
	cfg      Config
	disp     *dispatch.Dispatcher
	dir      *directory.Directory
	tokens   Redeemer
	store    store.Store
	auth     auth.Authenticator
	limiter  *IPLimiter
	upgrader websocket.Upgrader
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, disp *dispatch.Dispatcher, dir *directory.Directory, tokens Redeemer,
	st store.Store, authn auth.Authenticator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		disp:     disp,
		dir:      dir,
		tokens:   tokens,
		store:    st,
		auth:     authn,
		limiter:  NewIPLimiter(cfg.QueueHandshakes, cfg.QueueWindow),
		recorder: nopRecorder{},
		logger:   logger,
		now:      time.Now,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		g.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, origin)
		}
	}
	return g
}

// SetRecorder installs a metrics recorder.
func (g *Gateway) SetRecorder(r Recorder) {
	if r != nil {
		g.recorder = r
	}
}

// Limiter exposes the queue handshake limiter for periodic sweeping.
func (g *Gateway) Limiter() *IPLimiter { return g.limiter }

// Register mounts the socket endpoints on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/start_queue", g.handleQueue)
	mux.HandleFunc("GET /api/start_chat", g.handleChat)
}

func (g *Gateway) identify(r *http.Request) (string, bool) {
	if g.auth == nil {
		return "", false
	}
	id, err := g.auth.Authenticate(r)
	if err != nil {
		return "", false
	}
	return id.Username, true
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request, prefix string) (*wsConn, bool) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "endpoint", prefix, "error", err)
		return nil, false
	}
	// Base64 inflates attachments by a third; leave room for the frame.
	limit := int64(g.cfg.MaxFileBytes)*4/3 + 64<<10
	return newConn(ws, prefix, g.cfg.SendBuffer, limit, g.logger), true
}

func (g *Gateway) ioContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, g.cfg.IOTimeout)
}
