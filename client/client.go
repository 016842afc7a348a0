// Package client implements the chansock Go client: a channel socket
// over WebSocket with automatic reconnect and exponential backoff, an
// HTTP long-polling fallback, and an auto mode that starts on WebSocket
// and permanently downgrades to long-polling when the WebSocket never
// manages to open.
//
// A [Socket] exposes three channels: Recv for server pushes, StateCh
// for connection state transitions, and Pings for server keep-alive
// probes. Sends optionally carry a callback that is resolved exactly
// once: with the reply value, or with one of the event.Reply* sentinels
// (closed / timeout / error).
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// Type selects the transport strategy.
type Type string

// Transport strategies.
const (
	TypeAuto Type = "auto"
	TypeWS   Type = "ws"
	TypeAjax Type = "ajax"
)

// CloseReason labels why a connection closed; recorded in
// State.LastClose.
type CloseReason string

// Close reasons.
const (
	CloseClean               CloseReason = "clean"
	CloseUnexpected          CloseReason = "unexpected"
	CloseRequestedDisconnect CloseReason = "requested-disconnect"
	CloseRequestedReconnect  CloseReason = "requested-reconnect"
	CloseDowngrading         CloseReason = "downgrading-ws-to-ajax"
	CloseWSPingTimeout       CloseReason = "ws-ping-timeout"
	CloseWSError             CloseReason = "ws-error"
)

// ErrNotOpen is returned by Send when the connection is closed; any
// callback is resolved with event.ReplyClosed first.
var ErrNotOpen = errors.New("client: connection not open")

// Default configuration values.
const (
	defaultRecvBufSize         = 2048
	defaultWSKalive            = 20 * time.Second
	defaultWSKalivePingTimeout = 5 * time.Second
	defaultAjaxTimeout         = 60 * time.Second
)

// clientUnloading suppresses reconnect attempts process-wide during
// teardown.
var clientUnloading atomic.Bool

// SetClientUnloading marks the process as unloading; connection loops
// stop reconnecting. Intended for graceful shutdown paths.
func SetClientUnloading(on bool) { clientUnloading.Store(on) }

// WSCloseInfo describes the last WebSocket close frame or failure.
type WSCloseInfo struct {
	Code   int
	Reason string
	Clean  bool
}

// CloseInfo records the last connection close.
type CloseInfo struct {
	UDT    int64
	Reason CloseReason
}

// State is the published, observable connection state record.
type State struct {
	Type             Type
	Open             bool
	EverOpened       bool
	UID              string
	HandshakeData    any
	CSRFToken        string
	LastWSError      error
	LastWSClose      *WSCloseInfo
	LastClose        *CloseInfo
	UDTNextReconnect int64
}

// StateChange is one state transition as emitted on StateCh.
type StateChange struct {
	Old, New    State
	OpenChanged bool
	FirstOpen   bool
}

// BackoffFn maps a retry count (1-based) to the wait before the next
// connection attempt.
type BackoffFn func(retries int) time.Duration

// Config holds the parameters for a Socket.
type Config struct {
	// Type selects ws, ajax, or auto (default).
	Type Type

	// URL is the http(s) URL of the chansock endpoint, e.g.
	// "http://localhost:8080/chsk". The WebSocket URL is derived from
	// it. Required.
	URL string

	// Params are extra query params appended to every request.
	Params map[string]string

	// Headers are extra HTTP headers sent on every request.
	Headers http.Header

	// ClientID identifies this endpoint across reconnects. Defaults to
	// a fresh UUID.
	ClientID string

	// CSRFToken is presented as the csrf-token param and X-CSRF-Token
	// header.
	CSRFToken string

	// RecvBufSize is the receive channel capacity (sliding buffer).
	// Defaults to 2048.
	RecvBufSize int

	// Packer is the wire codec. Defaults to packer.JSON.
	Packer packer.Packer

	// BackoffFn overrides the reconnect backoff schedule. The default
	// is an exponential schedule with jitter capped at 60s.
	BackoffFn BackoffFn

	// WSKalive is the client keep-alive interval; after this much
	// inactivity a chsk/ws-ping is sent. Defaults to 20s.
	WSKalive time.Duration

	// WSKalivePingTimeout bounds the wait for the keep-alive pong
	// before the socket is cycled. Defaults to 5s.
	WSKalivePingTimeout time.Duration

	// Dialer overrides the WebSocket constructor. Defaults to a
	// gorilla/websocket dialer.
	Dialer WSDialer

	// HTTPClient performs Ajax requests. Defaults to a client with no
	// global timeout (per-request contexts bound the polls).
	HTTPClient *http.Client

	// AjaxTimeout bounds one long-poll request. Must exceed the server
	// LPTimeout. Defaults to 60s.
	AjaxTimeout time.Duration

	// WrapRecvEvs wraps server pushes as [chsk/recv, ev] on the receive
	// channel.
	WrapRecvEvs bool

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = TypeAuto
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.RecvBufSize <= 0 {
		c.RecvBufSize = defaultRecvBufSize
	}
	if c.Packer == nil {
		c.Packer = packer.Default()
	}
	if c.WSKalive <= 0 {
		c.WSKalive = defaultWSKalive
	}
	if c.WSKalivePingTimeout <= 0 {
		c.WSKalivePingTimeout = defaultWSKalivePingTimeout
	}
	if c.AjaxTimeout <= 0 {
		c.AjaxTimeout = defaultAjaxTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Dialer == nil {
		c.Dialer = gorillaDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// impl is the capability set realized by the WebSocket and Ajax
// transports.
type impl interface {
	// connect starts the connection loop bound to the conn-id token.
	connect(connID string)
	// close tears down the current underlying connection, recording
	// reason. Whether the loop then reconnects is decided by the
	// conn-id token, not by close itself.
	close(reason CloseReason)
	// breakConn severs the underlying connection without recording a
	// requested close, simulating a transport failure. Test hook.
	breakConn(clean bool)
	// send transmits ev, resolving cb (when non-nil) exactly once.
	send(ev event.Event, timeout time.Duration, cb func(any)) error
	kind() Type
}

// pendingCB is one registered reply callback.
type pendingCB struct {
	fn    func(any)
	timer *time.Timer
}

// Socket is a chansock client endpoint. Create one with [New], then
// call [Socket.Connect]. Safe for concurrent use.
type Socket struct {
	cfg     Config
	logger  *slog.Logger
	packer  packer.Packer
	httpURL *url.URL

	recvCh  chan event.Event
	stateCh chan StateChange
	pingCh  chan struct{}

	mu         sync.Mutex
	state      State
	connID     string // "" while disconnected; fresh per Connect/Reconnect
	cbs        map[string]*pendingCB
	impl       impl
	downgraded bool
}

// New creates a Socket from cfg. It does not connect; call
// [Socket.Connect].
func New(cfg Config) (*Socket, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("client: Config.URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse URL %q: %w", cfg.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: URL scheme must be http or https, got %q", u.Scheme)
	}

	s := &Socket{
		cfg:     cfg,
		logger:  cfg.Logger,
		packer:  cfg.Packer,
		httpURL: u,
		recvCh:  make(chan event.Event, cfg.RecvBufSize),
		stateCh: make(chan StateChange, 32),
		pingCh:  make(chan struct{}, 1),
		cbs:     make(map[string]*pendingCB),
	}
	s.state.CSRFToken = cfg.CSRFToken

	switch cfg.Type {
	case TypeAjax:
		s.impl = newAjaxImpl(s)
		s.state.Type = TypeAjax
	case TypeWS, TypeAuto:
		s.impl = newWSImpl(s)
		s.state.Type = TypeWS
	default:
		return nil, fmt.Errorf("client: unknown Type %q", cfg.Type)
	}
	return s, nil
}

// Recv returns the channel of server pushes. Behaves as a sliding
// buffer when the consumer falls behind.
func (s *Socket) Recv() <-chan event.Event { return s.recvCh }

// StateCh returns the channel of state transitions.
func (s *Socket) StateCh() <-chan StateChange { return s.stateCh }

// Pings returns a channel that receives a tick for every server
// keep-alive probe.
func (s *Socket) Pings() <-chan struct{} { return s.pingCh }

// State returns a snapshot of the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection loop. No-op when already connected or
// connecting.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.connID != "" {
		s.mu.Unlock()
		return
	}
	s.connID = uuid.NewString()
	connID, i := s.connID, s.impl
	s.mu.Unlock()
	i.connect(connID)
}

// Disconnect tears the connection down and suppresses reconnects until
// Connect or Reconnect is called.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.connID = ""
	i := s.impl
	s.mu.Unlock()
	if i != nil {
		i.close(CloseRequestedDisconnect)
	}
}

// Reconnect cycles the connection under a fresh conn-id token.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	s.connID = uuid.NewString()
	connID, i := s.connID, s.impl
	s.mu.Unlock()
	i.close(CloseRequestedReconnect)
	i.connect(connID)
}

// Break severs the underlying connection without recording a requested
// close, simulating a transport failure. The connection loop observes
// the failure and reconnects per backoff. Test hook.
func (s *Socket) Break(clean bool) {
	s.mu.Lock()
	i := s.impl
	s.mu.Unlock()
	i.breakConn(clean)
}

// Send transmits a fire-and-forget event.
func (s *Socket) Send(ev event.Event) error {
	return s.SendWithReply(ev, 0, nil)
}

// SendWithReply transmits ev and registers cb to receive the reply. cb
// is invoked exactly once: with the reply value, or with
// event.ReplyTimeout after timeout, event.ReplyClosed when the
// connection is closed, or event.ReplyError on a socket failure.
func (s *Socket) SendWithReply(ev event.Event, timeout time.Duration, cb func(reply any)) error {
	if err := event.ValidateSend(ev); err != nil {
		return err
	}
	s.mu.Lock()
	i := s.impl
	s.mu.Unlock()
	return i.send(ev, timeout, cb)
}

// ─── Shared internals ────────────────────────────────────────────────────────

// active reports whether (connID, i) is still the live connection loop:
// the token matches and the impl has not been swapped out by a
// downgrade.
func (s *Socket) active(connID string, i impl) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID == connID && s.impl == i
}

// open reports the published open flag.
func (s *Socket) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Open
}

// updateState applies mutate under the lock and publishes the
// transition.
func (s *Socket) updateState(mutate func(st *State)) {
	s.mu.Lock()
	old := s.state
	mutate(&s.state)
	now := s.state
	s.mu.Unlock()

	change := StateChange{
		Old:         old,
		New:         now,
		OpenChanged: old.Open != now.Open,
		FirstOpen:   !old.EverOpened && now.Open,
	}
	select {
	case s.stateCh <- change:
	default:
		// Nobody is draining state transitions; drop the oldest.
		select {
		case <-s.stateCh:
		default:
		}
		select {
		case s.stateCh <- change:
		default:
		}
	}
	s.maybeDowngrade(change)
}

// markClosed publishes a close transition with reason.
func (s *Socket) markClosed(reason CloseReason) {
	s.updateState(func(st *State) {
		st.Open = false
		st.LastClose = &CloseInfo{UDT: time.Now().UnixMilli(), Reason: reason}
	})
}

// registerCB stores cb under a fresh short cb-uuid, arming the timeout
// resolver when timeout > 0.
func (s *Socket) registerCB(timeout time.Duration, cb func(any)) string {
	cbUUID := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	p := &pendingCB{fn: cb}
	s.mu.Lock()
	s.cbs[cbUUID] = p
	s.mu.Unlock()
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if fn := s.takeCB(cbUUID); fn != nil {
				fn(event.ReplyTimeout)
			}
		})
	}
	return cbUUID
}

// takeCB removes and returns the callback for cbUUID, stopping its
// timeout timer. Returns nil when already consumed; this is the
// at-most-once guard shared by the reply, timeout, and error paths.
func (s *Socket) takeCB(cbUUID string) func(any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cbs[cbUUID]
	if !ok {
		return nil
	}
	delete(s.cbs, cbUUID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.fn
}

// deliver pushes ev onto the receive channel, wrapping it as
// [chsk/recv, ev] when configured, and dropping the oldest pending
// event when the consumer falls behind.
func (s *Socket) deliver(ev event.Event) {
	if s.cfg.WrapRecvEvs {
		ev = event.New(event.Recv, ev.Wire())
	}
	for {
		select {
		case s.recvCh <- ev:
			return
		default:
		}
		select {
		case old := <-s.recvCh:
			s.logger.Warn("client: receive channel full, dropping oldest",
				slog.String("dropped_event", string(old.ID)))
		default:
		}
	}
}

// receiveHandshake processes a [chsk/handshake, [uid, nil, data]]
// payload: marks the connection open and republishes the handshake on
// the receive channel.
func (s *Socket) receiveHandshake(ev event.Event) {
	var uid string
	var hsData any
	if tuple, ok := ev.Data.([]any); ok {
		if len(tuple) > 0 {
			uid, _ = tuple[0].(string)
		}
		if len(tuple) > 2 {
			hsData = tuple[2]
		}
	}
	s.updateState(func(st *State) {
		st.Open = true
		st.EverOpened = true
		st.UID = uid
		st.HandshakeData = hsData
		st.UDTNextReconnect = 0
	})
	s.deliverRaw(ev)
}

// deliverRaw pushes ev without chsk/recv wrapping (handshake and other
// control events keep their own shape).
func (s *Socket) deliverRaw(ev event.Event) {
	for {
		select {
		case s.recvCh <- ev:
			return
		default:
		}
		select {
		case <-s.recvCh:
		default:
		}
	}
}

// dispatchPayload routes one unpacked server payload by shape: a
// handshake, a server keep-alive ping, a callback reply, or an ordered
// list of buffered events.
func (s *Socket) dispatchPayload(payload any, cbUUID string) {
	if ev, ok := event.FromWire(payload); ok {
		switch ev.ID {
		case event.Handshake:
			s.receiveHandshake(ev)
			return
		case event.WSPing:
			select {
			case s.pingCh <- struct{}{}:
			default:
			}
			return
		}
	}

	if cbUUID != "" {
		if fn := s.takeCB(cbUUID); fn != nil {
			fn(payload)
		} else {
			s.logger.Warn("client: reply for unknown cb-uuid",
				slog.String("cb_uuid", cbUUID))
		}
		return
	}

	list, ok := payload.([]any)
	if !ok {
		s.deliver(event.New(event.BadEvent, payload))
		return
	}
	for _, v := range list {
		ev := event.Repair(v)
		if ev.ID.Reserved() && ev.ID != event.BadEvent {
			s.logger.Warn("client: ignoring reserved event from server push",
				slog.String("event", string(ev.ID)))
			continue
		}
		s.deliver(ev)
	}
}

// newBackoff builds the per-connection-loop backoff source: the
// configured BackoffFn, or an exponential-with-jitter schedule capped
// at 60s.
func (s *Socket) newBackoff() *backoffState {
	if s.cfg.BackoffFn != nil {
		return &backoffState{fn: s.cfg.BackoffFn}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 60 * time.Second
	eb.MaxElapsedTime = 0 // retry forever; the conn-id token cancels
	return &backoffState{eb: eb}
}

// backoffState adapts either a BackoffFn or a backoff.ExponentialBackOff
// to the connection loops.
type backoffState struct {
	fn      BackoffFn
	eb      *backoff.ExponentialBackOff
	retries int
}

func (b *backoffState) next() time.Duration {
	b.retries++
	if b.fn != nil {
		return b.fn(b.retries)
	}
	return b.eb.NextBackOff()
}

func (b *backoffState) reset() {
	b.retries = 0
	if b.eb != nil {
		b.eb.Reset()
	}
}

// sleepBackoff publishes the next-reconnect time and sleeps.
func (s *Socket) sleepBackoff(b *backoffState) {
	d := b.next()
	s.updateState(func(st *State) {
		st.UDTNextReconnect = time.Now().Add(d).UnixMilli()
	})
	time.Sleep(d)
}

// reqQuery assembles the shared query params (client-id, csrf-token,
// user params).
func (s *Socket) reqQuery() url.Values {
	q := url.Values{}
	q.Set("client-id", s.cfg.ClientID)
	if tok := s.csrfToken(); tok != "" {
		q.Set("csrf-token", tok)
	}
	for k, v := range s.cfg.Params {
		q.Set(k, v)
	}
	return q
}

func (s *Socket) csrfToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CSRFToken
}

// applyHeaders copies configured headers plus the CSRF header onto h.
func (s *Socket) applyHeaders(h http.Header) {
	for k, vs := range s.cfg.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if tok := s.csrfToken(); tok != "" {
		h.Set("X-CSRF-Token", tok)
	}
}
