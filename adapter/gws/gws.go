// Package gws is the production adapter.Adapter over gorilla/websocket.
//
// A request that carries a WebSocket upgrade header is upgraded and
// pumped through a read loop; anything else is treated as a long-poll
// connection whose ServerChannel completes the HTTP response on first
// Send. Origin policy is enforced by the chansock server's preflight
// before the adapter ever sees a request, so the upgrader accepts all
// origins here.
package gws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chansock/chansock/adapter"
)

const (
	// defaultWriteTimeout bounds a single WebSocket frame write.
	defaultWriteTimeout = 10 * time.Second

	// maxMessageSize caps client frames. Control traffic is tiny;
	// 1 MiB leaves ample headroom for application events.
	maxMessageSize = 1 << 20
)

// Adapter implements adapter.Adapter using gorilla/websocket for the
// WebSocket branch and plain net/http for the long-poll branch.
type Adapter struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// New creates an Adapter. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is checked upstream by the server preflight.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
	}
}

// Handle implements adapter.Adapter.
func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request, cb adapter.Callbacks) {
	if websocket.IsWebSocketUpgrade(r) {
		a.handleWS(w, r, cb)
		return
	}
	a.handleAjax(w, r, cb)
}

// ─── WebSocket branch ────────────────────────────────────────────────────────

// wsChannel is a ServerChannel over one gorilla connection. Writes are
// serialised with a mutex: the fan-out engine, keep-alive loop, and
// reply path all write concurrently.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Send implements adapter.ServerChannel.
func (c *wsChannel) Send(packed string, _ bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(packed)); err != nil {
		c.closed = true
		return false
	}
	return true
}

// Close implements adapter.ServerChannel.
func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request, cb adapter.Callbacks) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		a.logger.Warn("gws: websocket upgrade failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sch := &wsChannel{conn: conn, writeTimeout: a.writeTimeout}
	if cb.OnOpen != nil {
		cb.OnOpen(sch, true)
	}

	// Read loop. Runs on the HTTP handler goroutine; Handle blocks for
	// the lifetime of the connection.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			status := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				status = ce.Code
			} else if cb.OnError != nil {
				cb.OnError(sch, true, err)
			}
			sch.mu.Lock()
			sch.closed = true
			sch.mu.Unlock()
			_ = conn.Close()
			if cb.OnClose != nil {
				cb.OnClose(sch, true, status)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if cb.OnMessage != nil {
			cb.OnMessage(sch, true, string(data))
		}
	}
}

// ─── Long-poll branch ────────────────────────────────────────────────────────

// ajaxChannel is a ServerChannel over one pending HTTP response. The
// first Send writes the body and completes the request; Close completes
// it empty (the client sees a bodyless 200 and repolls).
type ajaxChannel struct {
	w http.ResponseWriter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Send implements adapter.ServerChannel.
func (c *ajaxChannel) Send(packed string, _ bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := c.w.Write([]byte(packed))
	close(c.done)
	return err == nil
}

// Close implements adapter.ServerChannel.
func (c *ajaxChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (a *Adapter) handleAjax(w http.ResponseWriter, r *http.Request, cb adapter.Callbacks) {
	sch := &ajaxChannel{w: w, done: make(chan struct{})}
	if cb.OnOpen != nil {
		cb.OnOpen(sch, false)
	}

	select {
	case <-sch.done:
		// Response written (or closed empty) by the server core.
		if cb.OnClose != nil {
			cb.OnClose(sch, false, http.StatusOK)
		}
	case <-r.Context().Done():
		// Client went away before anything was sent.
		_ = sch.Close()
		if cb.OnClose != nil {
			cb.OnClose(sch, false, 0)
		}
	}
}
