package server_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chansock/chansock/adapter"
	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
	"github.com/chansock/chansock/server"
)

// fakeChannel records everything the server core writes to it.
type fakeChannel struct {
	mu     sync.Mutex
	sends  []string
	closed bool
}

func (c *fakeChannel) Send(packed string, _ bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sends = append(c.sends, packed)
	return true
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sends))
	copy(out, c.sends)
	return out
}

// waitSends blocks until at least n payloads have been written.
func (c *fakeChannel) waitSends(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d sends, got %v", n, c.snapshot())
	return nil
}

// session is one connection accepted by the fake adapter.
type session struct {
	ch *fakeChannel
	cb adapter.Callbacks
}

// fakeAdapter opens a fakeChannel per request and hands the callbacks
// back to the test for direct driving.
type fakeAdapter struct {
	isWS bool

	mu       sync.Mutex
	sessions []*session
}

func (a *fakeAdapter) Handle(_ http.ResponseWriter, _ *http.Request, cb adapter.Callbacks) {
	s := &session{ch: &fakeChannel{}, cb: cb}
	a.mu.Lock()
	a.sessions = append(a.sessions, s)
	a.mu.Unlock()
	if cb.OnOpen != nil {
		cb.OnOpen(s.ch, a.isWS)
	}
}

func (a *fakeAdapter) session(t *testing.T, i int) *session {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.sessions) {
		t.Fatalf("session %d not opened (have %d)", i, len(a.sessions))
	}
	return a.sessions[i]
}

func (a *fakeAdapter) lastSession(t *testing.T) *session {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		t.Fatal("no sessions opened")
	}
	return a.sessions[len(a.sessions)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer builds a server with short protocol windows over a fake
// adapter of the given transport.
func newTestServer(isWS bool, mutate func(*server.Config)) (*server.Server, *fakeAdapter) {
	fa := &fakeAdapter{isWS: isWS}
	cfg := server.Config{
		SendBufWS:   5 * time.Millisecond,
		SendBufAjax: 5 * time.Millisecond,
		GraceWS:     40 * time.Millisecond,
		GraceAjax:   40 * time.Millisecond,
		LPTimeout:   50 * time.Millisecond,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return server.New(fa, cfg), fa
}

// openWS performs one GET for cid and returns its session.
func openWS(t *testing.T, srv *server.Server, fa *fakeAdapter, cid string) *session {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id="+cid, nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	return fa.lastSession(t)
}

func waitRecv(t *testing.T, srv *server.Server) *server.EventMsg {
	t.Helper()
	select {
	case m := <-srv.Recv():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for received event")
		return nil
	}
}

// unpackBatch decodes a fan-out payload into its event tuples.
func unpackBatch(t *testing.T, packed string) []any {
	t.Helper()
	payload, _, err := packer.UnpackPayload(packer.Default(), packed)
	if err != nil {
		t.Fatalf("unpack %q: %v", packed, err)
	}
	batch, ok := payload.([]any)
	if !ok {
		t.Fatalf("payload is %T, want batch list", payload)
	}
	return batch
}

func TestWSOpenSendsHandshake(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")

	sends := sess.ch.waitSends(t, 1)
	if !strings.Contains(sends[0], string(event.Handshake)) {
		t.Errorf("first frame %q is not a handshake", sends[0])
	}
	if !strings.Contains(sends[0], event.NilUID) {
		t.Errorf("handshake %q does not carry the nil uid", sends[0])
	}

	m := waitRecv(t, srv)
	if m.Event.ID != event.UidportOpen {
		t.Errorf("first received event = %v, want uidport-open", m.Event)
	}
	if m.UID != event.NilUID {
		t.Errorf("uidport-open uid = %q", m.UID)
	}

	c := srv.ConnectedUIDs()
	if !c.WS[event.NilUID] || !c.Any[event.NilUID] {
		t.Errorf("connected sets = %+v, want nil uid present", c)
	}
}

func TestUserIDFn(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		cfg.UserIDFn = func(r *http.Request) string {
			return r.URL.Query().Get("as")
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1&as=alice", nil)
	srv.HandleGet(httptest.NewRecorder(), r)

	sends := fa.session(t, 0).ch.waitSends(t, 1)
	if !strings.Contains(sends[0], "alice") {
		t.Errorf("handshake %q does not carry uid alice", sends[0])
	}
	if !srv.ConnectedUIDs().Any["alice"] {
		t.Error("alice not in connected set")
	}
}

func TestHandleGetRequiresClientID(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(true, nil)

	rr := httptest.NewRecorder()
	srv.HandleGet(rr, httptest.NewRequest(http.MethodGet, "/chsk", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("GET without client-id: status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.HandlePost(rr, httptest.NewRequest(http.MethodPost, "/chsk", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST without client-id: status = %d, want 400", rr.Code)
	}
}

func TestCSRFCheck(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		cfg.CSRFTokenFn = func(*http.Request) string { return "good-token" }
	})

	// Wrong token.
	rr := httptest.NewRecorder()
	srv.HandleGet(rr, httptest.NewRequest(http.MethodGet,
		"/chsk?client-id=c1&csrf-token=bad-token", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("wrong token: status = %d, want 403", rr.Code)
	}

	// Missing token.
	rr = httptest.NewRecorder()
	srv.HandleGet(rr, httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("missing token: status = %d, want 403", rr.Code)
	}

	// Matching token via header.
	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
	r.Header.Set("X-CSRF-Token", "good-token")
	srv.HandleGet(httptest.NewRecorder(), r)
	fa.session(t, 0).ch.waitSends(t, 1)
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(true, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"https://ok.example.com"}
	})

	get := func(origin, referer string) int {
		r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if referer != "" {
			r.Header.Set("Referer", referer)
		}
		rr := httptest.NewRecorder()
		srv.HandleGet(rr, r)
		return rr.Code
	}

	if code := get("https://evil.example.com", ""); code != http.StatusForbidden {
		t.Errorf("bad origin: status = %d, want 403", code)
	}
	if code := get("", ""); code != http.StatusForbidden {
		t.Errorf("no origin or referer: status = %d, want 403", code)
	}
	if code := get("", "https://ok.example.com.evil.com/page"); code != http.StatusForbidden {
		t.Errorf("prefix-forged referer: status = %d, want 403", code)
	}
	if code := get("https://ok.example.com", ""); code == http.StatusForbidden {
		t.Error("allowed origin rejected")
	}
	if code := get("", "https://ok.example.com/chat"); code == http.StatusForbidden {
		t.Error("allowed referer rejected")
	}
}

func TestAuthorizedFn(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(true, func(cfg *server.Config) {
		cfg.AuthorizedFn = func(r *http.Request) bool {
			return r.URL.Query().Get("pass") == "1"
		}
	})

	rr := httptest.NewRecorder()
	srv.HandleGet(rr, httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthorized: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.HandleGet(rr, httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1&pass=1", nil))
	if rr.Code == http.StatusUnauthorized {
		t.Error("authorized request rejected")
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(true, nil)

	if err := srv.Send("", event.New("chat/post", "hi")); err == nil {
		t.Error("empty uid accepted")
	}
	if err := srv.Send("alice", event.New("malformed")); err == nil {
		t.Error("malformed event accepted")
	}
	if err := srv.Send("alice", event.New(event.WSPing)); err == nil {
		t.Error("reserved event accepted")
	}
	// Sending to a uid with no connections buffers and later drops; it is
	// not an error.
	if err := srv.Send("nobody", event.New("chat/post", "hi")); err != nil {
		t.Errorf("send to unconnected uid: %v", err)
	}
}

// TestSendBatching verifies that near-simultaneous pushes travel as one
// payload.
func TestSendBatching(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		// Wide enough that both sends land in the same window.
		cfg.SendBufWS = 50 * time.Millisecond
		cfg.SendBufAjax = 50 * time.Millisecond
	})

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1) // handshake

	if err := srv.Send(event.NilUID, event.New("chat/a", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := srv.Send(event.NilUID, event.New("chat/b", 2)); err != nil {
		t.Fatalf("send: %v", err)
	}

	sends := sess.ch.waitSends(t, 2)
	batch := unpackBatch(t, sends[1])
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2 coalesced events: %v", len(batch), batch)
	}
	first, _ := event.FromWire(batch[0])
	second, _ := event.FromWire(batch[1])
	if first.ID != "chat/a" || second.ID != "chat/b" {
		t.Errorf("batch order = %v, %v", first, second)
	}

	// No further payloads from the second send's own flush timer.
	time.Sleep(120 * time.Millisecond)
	if got := sess.ch.snapshot(); len(got) != 2 {
		t.Errorf("payload count = %d, want 2 (handshake + one batch)", len(got))
	}
}

func TestSendFlush(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		// A long window that a flush must bypass.
		cfg.SendBufWS = 10 * time.Second
		cfg.SendBufAjax = 10 * time.Second
	})

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)

	if err := srv.SendFlush(event.NilUID, event.New("chat/now", "x")); err != nil {
		t.Fatalf("send flush: %v", err)
	}
	sends := sess.ch.waitSends(t, 2)
	batch := unpackBatch(t, sends[1])
	ev, _ := event.FromWire(batch[0])
	if ev.ID != "chat/now" {
		t.Errorf("flushed event = %v", ev)
	}
}

// TestSendAliasNilUID verifies the all-users-without-uid alias reaches
// unidentified connections.
func TestSendAliasNilUID(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)

	if err := srv.SendFlush(event.AllUsersWithoutUID, event.New("chat/hello", "all")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sends := sess.ch.waitSends(t, 2)
	if !strings.Contains(sends[1], "chat/hello") {
		t.Errorf("alias send did not reach nil-uid connection: %v", sends)
	}
}

// TestSendFanout verifies that a push reaches every connection of the
// uid, across client ids.
func TestSendFanout(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	s1 := openWS(t, srv, fa, "c1")
	s2 := openWS(t, srv, fa, "c2")
	s1.ch.waitSends(t, 1)
	s2.ch.waitSends(t, 1)

	if err := srv.SendFlush(event.NilUID, event.New("chat/fan", "out")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for i, sess := range []*session{s1, s2} {
		sends := sess.ch.waitSends(t, 2)
		if !strings.Contains(sends[1], "chat/fan") {
			t.Errorf("connection %d missed the push: %v", i, sends)
		}
	}
}

// TestGraceClose verifies that a transport close keeps the uid connected
// for the grace window and fires uidport-close only after it elapses.
func TestGraceClose(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)
	if m := waitRecv(t, srv); m.Event.ID != event.UidportOpen {
		t.Fatalf("expected uidport-open, got %v", m.Event)
	}

	sess.cb.OnClose(sess.ch, true, 1006)

	// Inside the grace window: still connected, no uidport-close.
	if !srv.ConnectedUIDs().Any[event.NilUID] {
		t.Error("uid dropped from connected set inside the grace window")
	}
	select {
	case m := <-srv.Recv():
		t.Fatalf("premature event during grace window: %v", m.Event)
	case <-time.After(20 * time.Millisecond):
	}

	// After the window: gone.
	m := waitRecv(t, srv)
	if m.Event.ID != event.UidportClose {
		t.Errorf("expected uidport-close, got %v", m.Event)
	}
	if srv.ConnectedUIDs().Any[event.NilUID] {
		t.Error("uid still connected after grace expiry")
	}
}

// TestGraceReconnect verifies that a reconnect inside the grace window
// cancels the pending close and fires no duplicate uidport-open.
func TestGraceReconnect(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)
	if m := waitRecv(t, srv); m.Event.ID != event.UidportOpen {
		t.Fatalf("expected uidport-open, got %v", m.Event)
	}

	sess.cb.OnClose(sess.ch, true, 1006)

	// Same client id reconnects before the window elapses.
	sess2 := openWS(t, srv, fa, "c1")
	sess2.ch.waitSends(t, 1)

	// Past the original grace deadline: still connected, and neither a
	// uidport-close nor a second uidport-open was delivered.
	time.Sleep(80 * time.Millisecond)
	if !srv.ConnectedUIDs().Any[event.NilUID] {
		t.Error("uid not connected after reconnect within grace window")
	}
	select {
	case m := <-srv.Recv():
		t.Errorf("unexpected event after reconnect: %v", m.Event)
	default:
	}
}

// TestAjaxHandshakeAndPoll verifies the long-poll sequence: a handshake
// poll answered immediately, then an open poll that a push satisfies.
func TestAjaxHandshakeAndPoll(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(false, nil)

	// Handshake poll.
	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1&handshake=1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	hs := fa.session(t, 0)
	sends := hs.ch.waitSends(t, 1)
	if !strings.Contains(sends[0], string(event.Handshake)) {
		t.Fatalf("handshake poll answered with %q", sends[0])
	}
	if m := waitRecv(t, srv); m.Event.ID != event.UidportOpen {
		t.Fatalf("expected uidport-open, got %v", m.Event)
	}

	// Open long-poll; a push completes it.
	r = httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	poll := fa.session(t, 1)

	if err := srv.SendFlush(event.NilUID, event.New("chat/poll", "data")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sends = poll.ch.waitSends(t, 1)
	if !strings.Contains(sends[0], "chat/poll") {
		t.Errorf("poll answered with %q", sends[0])
	}
}

// TestAjaxLongPollTimeout verifies the idle poll is answered with the
// timeout sentinel at LPTimeout.
func TestAjaxLongPollTimeout(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(false, nil)

	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1&handshake=1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	fa.session(t, 0).ch.waitSends(t, 1)

	r = httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	poll := fa.session(t, 1)

	sends := poll.ch.waitSends(t, 1)
	if !strings.Contains(sends[0], string(event.Timeout)) {
		t.Errorf("idle poll answered with %q, want chsk/timeout", sends[0])
	}
}

// postForm performs one Ajax POST with the given packed payload.
func postForm(t *testing.T, srv *server.Server, ppstr string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("client-id", "c1")
	form.Set("ppstr", ppstr)
	r := httptest.NewRequest(http.MethodPost, "/chsk", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.HandlePost(rr, r)
	return rr
}

func TestPostWithoutCallback(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(false, nil)

	packed, err := packer.PackPayload(packer.Default(), event.New("chat/post", "hi").Wire(), "")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	rr := postForm(t, srv, packed)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), event.ReplyDummyCB200) {
		t.Errorf("body = %q, want dummy sentinel", rr.Body.String())
	}

	m := waitRecv(t, srv)
	if m.Event.ID != "chat/post" || m.ClientID != "c1" {
		t.Errorf("received %+v", m)
	}
	if m.HasReply() {
		t.Error("callback-less post should have no reply capability")
	}
	if m.Reply("ignored") {
		t.Error("Reply on a callback-less message reported success")
	}
}

func TestPostWithReply(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(false, nil)

	// The application replies from the receive loop.
	go func() {
		m := <-srv.Recv()
		if !m.HasReply() {
			t.Error("post with callback lacks reply capability")
			return
		}
		if !m.Reply("first") {
			t.Error("first Reply failed")
			return
		}
		if m.Reply("second") {
			t.Error("second Reply reported success")
		}
	}()

	packed, err := packer.PackPayload(packer.Default(),
		event.New("chat/ask", "q").Wire(), packer.AjaxCBSentinel)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	rr := postForm(t, srv, packed)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "first") {
		t.Errorf("body = %q, want the reply value", rr.Body.String())
	}
}

func TestPostReplyTimeout(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(false, func(cfg *server.Config) {
		cfg.LPTimeout = 30 * time.Millisecond
	})

	// Drain but never reply.
	go func() { <-srv.Recv() }()

	packed, err := packer.PackPayload(packer.Default(),
		event.New("chat/ask", "q").Wire(), packer.AjaxCBSentinel)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	rr := postForm(t, srv, packed)

	if !strings.Contains(rr.Body.String(), event.ReplyTimeout) {
		t.Errorf("body = %q, want the timeout sentinel", rr.Body.String())
	}
}

func TestPostBadPackage(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(false, nil)

	rr := postForm(t, srv, "not a packed payload")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	m := waitRecv(t, srv)
	if m.Event.ID != event.BadPackage {
		t.Errorf("received %v, want chsk/bad-package", m.Event)
	}
	if m.Event.Data != "not a packed payload" {
		t.Errorf("bad-package data = %v, want the raw string", m.Event.Data)
	}
}

// TestWSMessageReply verifies callback correlation on the WebSocket
// path.
func TestWSMessageReply(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)
	waitRecv(t, srv) // uidport-open

	packed, err := packer.PackPayload(packer.Default(),
		event.New("chat/ask", "q").Wire(), "cb-123")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	sess.cb.OnMessage(sess.ch, true, packed)

	m := waitRecv(t, srv)
	if m.Event.ID != "chat/ask" {
		t.Fatalf("received %v", m.Event)
	}
	if !m.HasReply() {
		t.Fatal("message with callback lacks reply capability")
	}
	if !m.Reply("answer") {
		t.Fatal("Reply failed")
	}

	sends := sess.ch.waitSends(t, 2)
	if !strings.Contains(sends[1], "answer") || !strings.Contains(sends[1], "cb-123") {
		t.Errorf("reply frame = %q, want value correlated with cb-123", sends[1])
	}
}

// TestWSPingPong verifies a client keep-alive ping is ponged without
// reaching the application.
func TestWSPingPong(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)
	waitRecv(t, srv) // uidport-open

	packed, err := packer.PackPayload(packer.Default(),
		event.New(event.WSPing).Wire(), "ping-cb")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	sess.cb.OnMessage(sess.ch, true, packed)

	sends := sess.ch.waitSends(t, 2)
	if !strings.Contains(sends[1], "pong") || !strings.Contains(sends[1], "ping-cb") {
		t.Errorf("pong frame = %q", sends[1])
	}

	select {
	case m := <-srv.Recv():
		t.Errorf("ping leaked to the application: %v", m.Event)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestWSKalivePing verifies an idle WebSocket gets its first ws-ping
// after a single keep-alive interval of inactivity.
func TestWSKalivePing(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		cfg.WSKalive = 100 * time.Millisecond
	})

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1) // handshake

	// The ping must land within one interval plus slack, not two.
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if sends := sess.ch.snapshot(); len(sends) >= 2 {
			if !strings.Contains(sends[1], string(event.WSPing)) {
				t.Fatalf("first idle frame = %q, want chsk/ws-ping", sends[1])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no ws-ping within 1.5x WSKalive of inactivity; sends = %v", sess.ch.snapshot())
}

// TestWSKaliveSkipsActiveConn verifies client traffic inside the
// interval suppresses the ping.
func TestWSKaliveSkipsActiveConn(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, func(cfg *server.Config) {
		cfg.WSKalive = 60 * time.Millisecond
	})

	sess := openWS(t, srv, fa, "c1")
	sess.ch.waitSends(t, 1)
	go func() {
		for range srv.Recv() {
		}
	}()

	// Keep the connection active across two intervals.
	packed, err := packer.PackPayload(packer.Default(), event.New("chat/typing").Wire(), "")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		sess.cb.OnMessage(sess.ch, true, packed)
	}

	if sends := sess.ch.snapshot(); len(sends) > 1 {
		t.Errorf("active connection was pinged anyway: %v", sends[1:])
	}
}

// TestFanoutRetriesAcrossRepoll verifies a push issued while the ajax
// client is between polls is delivered once the next poll attaches.
func TestFanoutRetriesAcrossRepoll(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(false, func(cfg *server.Config) {
		// Keep the poll open past the retry schedule so the timeout
		// sentinel cannot win the race against the held push.
		cfg.LPTimeout = 5 * time.Second
	})

	// Handshake poll leaves the registry entry with no live channel.
	r := httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1&handshake=1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	fa.session(t, 0).ch.waitSends(t, 1)
	waitRecv(t, srv) // uidport-open

	// Push during the gap: nothing is attached yet, so the fan-out has
	// to hold the payload for the retry schedule.
	if err := srv.SendFlush(event.NilUID, event.New("chat/gap", "held")); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The repoll attaches shortly after; a retry must deliver to it.
	time.Sleep(30 * time.Millisecond)
	r = httptest.NewRequest(http.MethodGet, "/chsk?client-id=c1", nil)
	srv.HandleGet(httptest.NewRecorder(), r)
	poll := fa.session(t, 1)

	sends := poll.ch.waitSends(t, 1)
	if !strings.Contains(sends[0], "chat/gap") {
		t.Errorf("repoll answered with %q, want the held push", sends[0])
	}
}

// TestCloseConns verifies the administrative close event tears down
// every connection of a uid.
func TestCloseConns(t *testing.T) {
	t.Parallel()
	srv, fa := newTestServer(true, nil)

	s1 := openWS(t, srv, fa, "c1")
	s2 := openWS(t, srv, fa, "c2")
	s1.ch.waitSends(t, 1)
	s2.ch.waitSends(t, 1)

	if err := srv.Send(event.NilUID, event.New(event.Close)); err != nil {
		t.Fatalf("send close: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s1.ch.isClosed() && s2.ch.isClosed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("connections not closed by chsk/close")
}
