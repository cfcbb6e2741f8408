package gateway

import (
	"net/http"

	"github.com/h1v3-io/livedesk/internal/dispatch"
	"github.com/h1v3-io/livedesk/internal/token"
	"github.com/h1v3-io/livedesk/pkg/protocol"
)

// handleQueue serves /api/start_queue. The visitor sends one request_chat and
// then waits on the socket until the dispatcher admits it or asks it to retry.
func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	if _, isAgent := g.identify(r); isAgent {
		http.Error(w, "agents cannot join the queue", http.StatusForbidden)
		return
	}

	ip := clientIP(r)
	allowed := g.limiter.Allow(ip)

	conn, ok := g.upgrade(w, r, "queue")
	if !ok {
		return
	}
	g.recorder.ConnOpened(EndpointQueue)
	logger := g.logger.With("conn", conn.ID())

	defer func() {
		// Close before Remove so a concurrent dispatch pass sees the entry dead.
		conn.Close()
		if g.disp.Remove(conn.ID()) {
			logger.Debug("queued visitor disconnected")
		}
		g.dir.RemoveObserver(conn.ID())
		g.recorder.ConnClosed(EndpointQueue)
	}()

	if !allowed {
		logger.Info("queue handshake rate limited", "ip", ip)
		g.recorder.RateLimited(EndpointQueue)
		conn.Send(protocol.EventRateLimited, struct{}{})
		return
	}

	requested := false
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		if f.Event != protocol.EventRequestChat || requested {
			continue
		}
		requested = true

		var req protocol.RequestChat
		if err := f.Bind(&req); err != nil || !req.Valid() {
			conn.Send(protocol.EventRetryAdmission, struct{}{})
			return
		}

		entry := dispatch.Entry{Conn: conn, FirstName: req.FirstName, LastName: req.LastName}
		if req.HasSkipToken() {
			ctx, cancel := g.ioContext(r.Context())
			p, err := g.tokens.Redeem(ctx, token.KindQueueSkip, req.SkipToken)
			cancel()
			if err != nil {
				conn.Send(protocol.EventAuthFailed, struct{}{})
				return
			}
			entry.VisitorID = p.VisitorID
			entry.FirstName = p.FirstName
			entry.LastName = p.LastName
		}

		g.dir.AddObserver(conn)
		conn.Send(protocol.EventOnlineAgentCount, protocol.OnlineAgentCount{N: g.disp.OnlineCount()})

		if req.HasSkipToken() {
			g.disp.EnqueueAtFront(entry)
		} else {
			g.disp.Enqueue(entry)
		}
		logger.Debug("visitor requested chat", "priority", req.HasSkipToken(), "visitor", entry.VisitorID)
	}
}
