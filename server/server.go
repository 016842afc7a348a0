// Package server implements the chansock server core: a per-user,
// per-transport registry of live connections, a buffered send engine
// that batches near-simultaneous pushes and survives brief transport
// disconnections, and the two HTTP entry points (Ajax POST, Ajax GET /
// WebSocket handshake) that bind connections into the registry.
//
// The server is transport-agnostic: it talks to the underlying web
// server only through an adapter.Adapter, and to the wire only through
// a packer.Packer. Received events are delivered on a single channel of
// [EventMsg]; pushes go out through [Server.Send].
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chansock/chansock/adapter"
	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// Transport distinguishes the two connection kinds a client may hold.
type Transport string

// The two supported transports.
const (
	WS   Transport = "ws"
	Ajax Transport = "ajax"
)

// transports is the fixed iteration order for per-transport state.
var transports = [2]Transport{WS, Ajax}

// ErrNilUID is returned by Send when called with an empty uid.
var ErrNilUID = errors.New("server: send requires a uid (use event.NilUID for unidentified users)")

// Default configuration values. Durations follow the protocol: the
// long-poll timeout must stay below the client's HTTP timeout (60 s).
const (
	defaultRecvBufSize = 1000
	defaultWSKalive    = 25 * time.Second
	defaultLPTimeout   = 20 * time.Second
	defaultSendBufWS   = 30 * time.Millisecond
	defaultSendBufAjax = 100 * time.Millisecond
	defaultGraceWS     = 2500 * time.Millisecond
	defaultGraceAjax   = 5000 * time.Millisecond
)

// Config holds the parameters for a Server. The zero value is usable:
// every field has a default and every injected function may be nil.
type Config struct {
	// RecvBufSize is the capacity of the receive channel. When full the
	// oldest pending message is dropped (sliding buffer). Defaults to
	// 1000.
	RecvBufSize int

	// WSKalive is the WebSocket keep-alive interval: after this much
	// inactivity on a connection the server sends a chsk/ws-ping.
	// Defaults to 25s.
	WSKalive time.Duration

	// LPTimeout bounds both an open long-poll (after which the sentinel
	// chsk/timeout is sent and the client repolls) and the reply window
	// of an Ajax POST that expects one. Must be shorter than the client
	// HTTP timeout. Defaults to 20s.
	LPTimeout time.Duration

	// SendBufWS and SendBufAjax are the batching windows: a push waits
	// this long for near-simultaneous pushes to the same uid before
	// flushing. Defaults 30ms / 100ms.
	SendBufWS   time.Duration
	SendBufAjax time.Duration

	// GraceWS and GraceAjax are the reconnect windows after a transport
	// close during which the connection entry (and the uid's connected
	// status) is preserved. Defaults 2.5s / 5s.
	GraceWS   time.Duration
	GraceAjax time.Duration

	// AllowedOrigins is the set of acceptable Origin header values. nil
	// allows all origins. When Origin is absent the Referer is checked
	// against each allowed origin followed by "/".
	AllowedOrigins []string

	// UserIDFn derives the application user id from the request. nil or
	// an empty result yields event.NilUID.
	UserIDFn func(r *http.Request) string

	// CSRFTokenFn computes the reference CSRF token for the request.
	// When nil the CSRF check is disabled (a warning is logged once).
	// The client token is taken from the csrf-token param or the
	// X-CSRF-Token / X-XSRF-Token headers and compared in constant
	// time; a missing token on either side is a failure.
	CSRFTokenFn func(r *http.Request) string

	// AuthorizedFn gates requests after the origin and CSRF checks. nil
	// authorizes everything. A false result invokes UnauthorizedFn, or
	// a plain 401 when that is nil.
	AuthorizedFn   func(r *http.Request) bool
	UnauthorizedFn http.HandlerFunc

	// HandshakeDataFn supplies the application data carried in the
	// handshake frame. nil sends nil.
	HandshakeDataFn func(r *http.Request) any

	// Packer is the wire codec. Defaults to packer.JSON.
	Packer packer.Packer

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value optional fields.
func (c *Config) applyDefaults() {
	if c.RecvBufSize <= 0 {
		c.RecvBufSize = defaultRecvBufSize
	}
	if c.WSKalive <= 0 {
		c.WSKalive = defaultWSKalive
	}
	if c.LPTimeout <= 0 {
		c.LPTimeout = defaultLPTimeout
	}
	if c.SendBufWS <= 0 {
		c.SendBufWS = defaultSendBufWS
	}
	if c.SendBufAjax <= 0 {
		c.SendBufAjax = defaultSendBufAjax
	}
	if c.GraceWS <= 0 {
		c.GraceWS = defaultGraceWS
	}
	if c.GraceAjax <= 0 {
		c.GraceAjax = defaultGraceAjax
	}
	if c.Packer == nil {
		c.Packer = packer.Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// EventMsg is one received client event, delivered on [Server.Recv].
type EventMsg struct {
	// Request is the HTTP request the event arrived on (the upgrade
	// request for WebSocket events). Nil for synthesized events such as
	// chsk/uidport-close fired after the request has gone.
	Request *http.Request

	// ClientID is the sender's client id ("" for synthesized events).
	ClientID string

	// UID is the sender's user id (event.NilUID when unidentified).
	UID string

	// Event is the received event, repaired to chsk/bad-event or
	// chsk/bad-package when malformed.
	Event event.Event

	reply func(v any) bool
}

// HasReply reports whether the sender expects a reply.
func (m *EventMsg) HasReply() bool { return m.reply != nil }

// Reply sends v back to the sender, correlated with the callback id of
// the originating event. It is single-shot: the first call wins and
// returns whether the write appeared to succeed; later calls (and calls
// on messages without a callback) return false.
func (m *EventMsg) Reply(v any) bool {
	if m.reply == nil {
		return false
	}
	return m.reply(v)
}

// Connected is a point-in-time view of connected user ids per
// transport. A uid appears in Any iff it has at least one connection
// entry of either transport (including entries inside the reconnect
// grace window).
type Connected struct {
	WS   map[string]bool
	Ajax map[string]bool
	Any  map[string]bool
}

// conn is one registry entry: the live server-channel (nil while the
// client is between long-polls or inside the grace window) and the udt
// identity/activity token.
type conn struct {
	sch adapter.ServerChannel
	udt int64
}

// sendBuf accumulates pushes for one (transport, uid) between flushes.
type sendBuf struct {
	events []event.Event
	uuids  map[string]bool
}

// Server is the chansock server core. Create one with [New]; it is safe
// for concurrent use.
type Server struct {
	cfg     Config
	adapter adapter.Adapter
	packer  packer.Packer
	logger  *slog.Logger

	recv chan *EventMsg

	// mu guards conns and bufs. All mutations take the whole lock so
	// that attach / close-grace / touch are linearizable per key; the
	// (sch, udt) pair is the cross-goroutine staleness token.
	mu    sync.Mutex
	conns map[Transport]map[string]map[string]*conn
	bufs  map[Transport]map[string]*sendBuf

	csrfWarn sync.Once
}

// New creates a Server over the given adapter.
func New(a adapter.Adapter, cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		adapter: a,
		packer:  cfg.Packer,
		logger:  cfg.Logger,
		recv:    make(chan *EventMsg, cfg.RecvBufSize),
		conns:   make(map[Transport]map[string]map[string]*conn),
		bufs:    make(map[Transport]map[string]*sendBuf),
	}
	for _, t := range transports {
		s.conns[t] = make(map[string]map[string]*conn)
		s.bufs[t] = make(map[string]*sendBuf)
	}
	return s
}

// Recv returns the channel of received events. It behaves as a sliding
// buffer: when consumers fall behind, the oldest pending message is
// dropped in favor of the newest.
func (s *Server) Recv() <-chan *EventMsg { return s.recv }

// pushRecv enqueues m, evicting the oldest pending message when full.
func (s *Server) pushRecv(m *EventMsg) {
	for {
		select {
		case s.recv <- m:
			return
		default:
		}
		select {
		case old := <-s.recv:
			s.logger.Warn("server: receive channel full, dropping oldest",
				slog.String("dropped_event", string(old.Event.ID)))
		default:
		}
	}
}

// pushUidport synthesizes a chsk/uidport-open or chsk/uidport-close
// event for the application.
func (s *Server) pushUidport(r *http.Request, id event.ID, uid string) {
	s.pushRecv(&EventMsg{
		Request: r,
		UID:     uid,
		Event:   event.New(id, uid),
	})
}

// makeReply builds the single-shot reply capability for a received
// event carrying cbUUID.
func (s *Server) makeReply(sch adapter.ServerChannel, isWS bool, cbUUID string) func(any) bool {
	var mu sync.Mutex
	done := false
	return func(v any) bool {
		mu.Lock()
		if done {
			mu.Unlock()
			return false
		}
		done = true
		mu.Unlock()

		packed, err := packer.PackPayload(s.packer, v, cbUUID)
		if err != nil {
			s.logger.Error("server: pack reply failed", slog.Any("error", err))
			return false
		}
		return sch.Send(packed, isWS)
	}
}

// sendHandshake writes the handshake frame [chsk/handshake,
// [uid, nil, handshake-data]] on sch.
func (s *Server) sendHandshake(sch adapter.ServerChannel, isWS bool, uid string, data any) bool {
	hs := event.New(event.Handshake, []any{uid, nil, data})
	packed, err := packer.PackPayload(s.packer, hs.Wire(), "")
	if err != nil {
		s.logger.Error("server: pack handshake failed", slog.Any("error", err))
		return false
	}
	return sch.Send(packed, isWS)
}

// packEvent packs a single control event with no callback id.
func (s *Server) packEvent(ev event.Event) (string, bool) {
	packed, err := packer.PackPayload(s.packer, ev.Wire(), "")
	if err != nil {
		s.logger.Error("server: pack event failed",
			slog.String("event", string(ev.ID)), slog.Any("error", err))
		return "", false
	}
	return packed, true
}

// grace returns the reconnect window for a transport.
func (s *Server) grace(t Transport) time.Duration {
	if t == WS {
		return s.cfg.GraceWS
	}
	return s.cfg.GraceAjax
}

// bufWindow returns the batching window for a transport.
func (s *Server) bufWindow(t Transport) time.Duration {
	if t == WS {
		return s.cfg.SendBufWS
	}
	return s.cfg.SendBufAjax
}

// transportOf maps the adapter's isWebSocket flag to a Transport.
func transportOf(isWS bool) Transport {
	if isWS {
		return WS
	}
	return Ajax
}

// nowMS is the udt clock: wall milliseconds.
func nowMS() int64 { return time.Now().UnixMilli() }
