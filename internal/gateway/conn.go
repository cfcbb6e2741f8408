package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/h1v3-io/livedesk/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrConnClosed   = errors.New("gateway: connection closed")
	ErrSlowConsumer = errors.New("gateway: send buffer full")
)

// wsConn adapts a WebSocket to directory.Conn. Sends are queued and written
// by a single writer goroutine; frames queued before Close are still flushed.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConn(ws *websocket.Conn, prefix string, buffer int, readLimit int64, logger *slog.Logger) *wsConn {
	id := prefix + "-" + uuid.NewString()
	c := &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Send(event string, payload any) error {
	b, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		c.logger.Warn("send buffer full, closing connection", "event", event)
		c.Close()
		return ErrSlowConsumer
	}
}

// Close marks the connection dead. The writer flushes what is queued, sends
// a close frame and tears down the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// ReadFrame blocks for the next client frame.
func (c *wsConn) ReadFrame() (protocol.Frame, error) {
	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		return f, nil
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case b := <-c.send:
					if err := c.write(websocket.TextMessage, b); err != nil {
						return
					}
				default:
					c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *wsConn) write(typ int, b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(typ, b)
}
