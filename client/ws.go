// WebSocket transport: connect / reconnect with backoff, send with
// callback correlation, keep-alive ping with pong timeout. Stale
// callbacks from a superseded socket are filtered by a per-socket id;
// user-initiated disconnects are detected through the conn-id token.

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// WSConn is the minimal WebSocket surface the client needs; satisfied
// by the gorilla-backed default and stubbable in tests.
type WSConn interface {
	// ReadMessage blocks for the next text message.
	ReadMessage() (string, error)
	// WriteMessage writes one text message. Safe for concurrent use.
	WriteMessage(packed string) error
	Close() error
}

// WSDialer constructs a WSConn for the given ws(s) URL.
type WSDialer func(wsURL string, header http.Header) (WSConn, error)

// gorillaConn adapts *websocket.Conn to WSConn, serialising writes.
type gorillaConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *gorillaConn) ReadMessage() (string, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *gorillaConn) WriteMessage(packed string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(packed))
}

func (c *gorillaConn) Close() error { return c.conn.Close() }

// gorillaDialer is the default WSDialer.
func gorillaDialer(wsURL string, header http.Header) (WSConn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: websocket dial: %w", err)
	}
	return &gorillaConn{conn: conn}, nil
}

// wsImpl is the WebSocket connection state machine.
type wsImpl struct {
	s *Socket

	mu          sync.Mutex
	conn        WSConn
	socketID    string
	closeReason CloseReason // recorded before a deliberate close

	activity atomic.Int64 // udt of last send or receive
}

func newWSImpl(s *Socket) *wsImpl { return &wsImpl{s: s} }

func (w *wsImpl) kind() Type { return TypeWS }

func (w *wsImpl) connect(connID string) { go w.run(connID) }

// run is the connection loop for one conn-id token. It exits when the
// token is superseded (disconnect, reconnect, downgrade) or the process
// is unloading; otherwise it reconnects per the backoff schedule.
func (w *wsImpl) run(connID string) {
	bo := w.s.newBackoff()
	for {
		if clientUnloading.Load() || !w.s.active(connID, w) {
			return
		}

		conn, err := w.dial()
		if err != nil {
			w.s.logger.Warn("client: websocket connect failed", slog.Any("error", err))
			w.s.updateState(func(st *State) { st.LastWSError = err })
			if !w.s.active(connID, w) {
				return
			}
			w.s.sleepBackoff(bo)
			continue
		}

		socketID := uuid.NewString()
		w.mu.Lock()
		w.conn = conn
		w.socketID = socketID
		w.closeReason = ""
		w.mu.Unlock()
		w.touch()

		go w.kaliveLoop(connID, socketID)
		closeInfo := w.readLoop(conn, socketID)

		// The retry schedule starts over only once a handshake arrived
		// on this socket; an upgrade that dies earlier keeps escalating.
		// Open is still set here: the close transition is published
		// below, after this loop reclaims the socket.
		if w.s.open() {
			bo.reset()
		}

		w.mu.Lock()
		if w.socketID != socketID {
			// A newer socket took over while we were reading; this
			// loop's work is done.
			w.mu.Unlock()
			return
		}
		reason := w.closeReason
		w.conn = nil
		w.socketID = ""
		w.mu.Unlock()

		if reason == "" {
			if closeInfo.Clean {
				reason = CloseClean
			} else {
				reason = CloseUnexpected
			}
		}
		w.s.updateState(func(st *State) {
			st.Open = false
			st.LastWSClose = closeInfo
			st.LastClose = &CloseInfo{UDT: time.Now().UnixMilli(), Reason: reason}
		})

		switch reason {
		case CloseRequestedDisconnect, CloseRequestedReconnect, CloseDowngrading:
			return
		}
		if clientUnloading.Load() || !w.s.active(connID, w) {
			return
		}
		w.s.sleepBackoff(bo)
	}
}

// dial builds the ws(s) URL from the configured http(s) endpoint and
// connects.
func (w *wsImpl) dial() (WSConn, error) {
	u := *w.s.httpURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = w.s.reqQuery().Encode()

	header := make(http.Header)
	w.s.applyHeaders(header)
	return w.s.cfg.Dialer(u.String(), header)
}

// readLoop pumps inbound messages until the socket fails, returning the
// close details.
func (w *wsImpl) readLoop(conn WSConn, socketID string) *WSCloseInfo {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return wsCloseInfo(err)
		}
		w.touch()

		payload, cbUUID, uerr := packer.UnpackPayload(w.s.packer, msg)
		if uerr != nil {
			w.s.logger.Warn("client: bad package from server", slog.Any("error", uerr))
			w.s.deliver(event.New(event.BadPackage, msg))
			continue
		}
		w.s.dispatchPayload(payload, cbUUID)
	}
}

// wsCloseInfo maps a read error to close details.
func wsCloseInfo(err error) *WSCloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &WSCloseInfo{
			Code:   ce.Code,
			Reason: ce.Text,
			Clean:  ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway,
		}
	}
	return &WSCloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

// send implements impl.
func (w *wsImpl) send(ev event.Event, timeout time.Duration, cb func(any)) error {
	if !w.s.open() {
		if cb != nil {
			cb(event.ReplyClosed)
		}
		return ErrNotOpen
	}
	return w.sendRaw(ev, timeout, cb)
}

// sendRaw writes without the open check; the keep-alive ping uses it
// directly.
func (w *wsImpl) sendRaw(ev event.Event, timeout time.Duration, cb func(any)) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		if cb != nil {
			cb(event.ReplyClosed)
		}
		return ErrNotOpen
	}

	cbUUID := ""
	if cb != nil {
		cbUUID = w.s.registerCB(timeout, cb)
	}
	packed, err := packer.PackPayload(w.s.packer, ev.Wire(), cbUUID)
	if err != nil {
		if cbUUID != "" {
			if fn := w.s.takeCB(cbUUID); fn != nil {
				fn(event.ReplyError)
			}
		}
		return err
	}

	if err := conn.WriteMessage(packed); err != nil {
		if cbUUID != "" {
			if fn := w.s.takeCB(cbUUID); fn != nil {
				fn(event.ReplyError)
			}
		}
		w.cycle(CloseWSError)
		return fmt.Errorf("client: websocket write: %w", err)
	}
	w.touch()
	return nil
}

// kaliveLoop pings after WSKalive of inactivity and cycles the socket
// when the pong does not arrive in time.
func (w *wsImpl) kaliveLoop(connID, socketID string) {
	for {
		before := w.activity.Load()
		time.Sleep(w.s.cfg.WSKalive)
		if !w.sameSocket(socketID) || !w.s.active(connID, w) {
			return
		}
		if w.activity.Load() != before {
			continue
		}
		_ = w.sendRaw(event.New(event.WSPing), w.s.cfg.WSKalivePingTimeout, func(reply any) {
			if r, ok := reply.(string); ok && r == "pong" {
				return
			}
			if w.sameSocket(socketID) {
				w.s.logger.Warn("client: keep-alive pong missed, cycling websocket")
				w.cycle(CloseWSPingTimeout)
			}
		})
	}
}

func (w *wsImpl) sameSocket(socketID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.socketID == socketID
}

func (w *wsImpl) touch() { w.activity.Store(time.Now().UnixMilli()) }

// cycle closes the underlying socket with a recorded reason; the run
// loop observes the close and decides whether to reconnect.
func (w *wsImpl) cycle(reason CloseReason) {
	w.mu.Lock()
	if w.closeReason == "" {
		w.closeReason = reason
	}
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// close implements impl.
func (w *wsImpl) close(reason CloseReason) { w.cycle(reason) }

// breakConn implements impl: sever the socket with no recorded reason,
// so the loop treats it as a transport failure.
func (w *wsImpl) breakConn(bool) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
