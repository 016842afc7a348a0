// HTTP entry points. Both share the CSRF / origin / authorization
// preflight; a failed check returns 4xx and never touches the registry.
//
//	HandlePost: Ajax send. The body carries one packed event; the
//	  response carries the reply value (or a sentinel).
//	HandleGet: Ajax long-poll or WebSocket handshake. Binds the
//	  connection into the registry via the adapter.

package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chansock/chansock/adapter"
	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// clientToken extracts the CSRF token presented by the client: the
// csrf-token param, or the X-CSRF-Token / X-XSRF-Token headers.
func clientToken(r *http.Request) string {
	if tok := r.FormValue("csrf-token"); tok != "" {
		return tok
	}
	if tok := r.Header.Get("X-CSRF-Token"); tok != "" {
		return tok
	}
	return r.Header.Get("X-XSRF-Token")
}

// originAllowed implements the origin policy: allow-all when no set is
// configured; otherwise the Origin header must be in the set, or (when
// Origin is absent) the Referer must begin with an allowed origin
// followed by "/".
func (s *Server) originAllowed(r *http.Request) bool {
	if s.cfg.AllowedOrigins == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin != "" {
		for _, o := range s.cfg.AllowedOrigins {
			if origin == o {
				return true
			}
		}
		return false
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return false
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(referer, o+"/") {
			return true
		}
	}
	return false
}

// preflight runs the origin, CSRF and authorization checks, writing the
// rejection response itself. It reports whether the request may
// proceed.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request) bool {
	if !s.originAllowed(r) {
		http.Error(w, "Unauthorized origin", http.StatusForbidden)
		return false
	}

	if s.cfg.CSRFTokenFn == nil {
		s.csrfWarn.Do(func() {
			s.logger.Warn("server: no CSRFTokenFn configured, CSRF check disabled")
		})
	} else {
		ref := s.cfg.CSRFTokenFn(r)
		tok := clientToken(r)
		if ref == "" || tok == "" ||
			subtle.ConstantTimeCompare([]byte(ref), []byte(tok)) != 1 {
			http.Error(w, "CSRF token mismatch", http.StatusForbidden)
			return false
		}
	}

	if s.cfg.AuthorizedFn != nil && !s.cfg.AuthorizedFn(r) {
		if s.cfg.UnauthorizedFn != nil {
			s.cfg.UnauthorizedFn(w, r)
		} else {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
		return false
	}
	return true
}

// uid derives the user id for a request.
func (s *Server) uid(r *http.Request) string {
	if s.cfg.UserIDFn == nil {
		return event.NilUID
	}
	if v := s.cfg.UserIDFn(r); v != "" {
		return v
	}
	return event.NilUID
}

// writeReply packs a reply value as the HTTP response body of an Ajax
// POST.
func (s *Server) writeReply(w http.ResponseWriter, v any) {
	packed, err := packer.PackPayload(s.packer, v, "")
	if err != nil {
		s.logger.Error("server: pack ajax reply failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(packed))
}

// HandlePost is the Ajax send entry point: the ppstr form value carries
// one packed event. When the event includes a callback id the request
// blocks for up to LPTimeout waiting for the application's reply;
// otherwise it completes immediately with the dummy sentinel.
func (s *Server) HandlePost(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	cid := r.FormValue("client-id")
	if cid == "" {
		http.Error(w, "client-id param missing (check client configuration)", http.StatusBadRequest)
		return
	}
	uid := s.uid(r)

	ppstr := r.FormValue("ppstr")
	payload, cbUUID, err := packer.UnpackPayload(s.packer, ppstr)

	var ev event.Event
	if err != nil {
		s.logger.Warn("server: bad package on ajax post",
			slog.String("client_id", cid), slog.Any("error", err))
		ev = event.New(event.BadPackage, ppstr)
		cbUUID = ""
	} else {
		ev = event.Repair(payload)
	}

	msg := &EventMsg{Request: r, ClientID: cid, UID: uid, Event: ev}

	if cbUUID == "" {
		s.pushRecv(msg)
		s.writeReply(w, event.ReplyDummyCB200)
		return
	}

	// The reply is written on this goroutine so the HTTP response stays
	// single-writer; the application's Reply only forwards the value.
	replyCh := make(chan any, 1)
	var replied atomic.Bool
	msg.reply = func(v any) bool {
		if !replied.CompareAndSwap(false, true) {
			return false
		}
		replyCh <- v
		return true
	}
	s.pushRecv(msg)

	select {
	case v := <-replyCh:
		s.writeReply(w, v)
	case <-time.After(s.cfg.LPTimeout):
		if replied.CompareAndSwap(false, true) {
			s.writeReply(w, event.ReplyTimeout)
		} else {
			// The reply won the race with the timer and is already
			// buffered.
			s.writeReply(w, <-replyCh)
		}
	case <-r.Context().Done():
		replied.Store(true)
	}
}

// HandleGet is the Ajax long-poll / WebSocket handshake entry point.
// It requires a client-id query param and hands the request to the
// adapter, binding the resulting server-channel into the registry.
func (s *Server) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r) {
		return
	}
	cid := r.URL.Query().Get("client-id")
	if cid == "" {
		http.Error(w, "client-id param missing (check client configuration)", http.StatusBadRequest)
		return
	}
	uid := s.uid(r)
	var hsData any
	if s.cfg.HandshakeDataFn != nil {
		hsData = s.cfg.HandshakeDataFn(r)
	}

	s.adapter.Handle(w, r, adapter.Callbacks{
		OnOpen: func(sch adapter.ServerChannel, isWS bool) {
			if isWS {
				s.wsOpen(r, uid, cid, sch, hsData)
			} else {
				s.ajaxOpen(r, uid, cid, sch, hsData)
			}
		},
		OnMessage: func(sch adapter.ServerChannel, isWS bool, packed string) {
			if isWS {
				s.wsMessage(r, uid, cid, sch, packed)
			}
		},
		OnClose: func(sch adapter.ServerChannel, isWS bool, status int) {
			t := transportOf(isWS)
			if udt, ok := s.closeSch(t, uid, cid, sch); ok {
				s.scheduleDetach(r, t, uid, cid, udt)
			}
		},
		OnError: func(sch adapter.ServerChannel, isWS bool, err error) {
			s.logger.Warn("server: transport error",
				slog.String("transport", string(transportOf(isWS))),
				slog.String("uid", uid), slog.String("client_id", cid),
				slog.Any("error", err))
		},
	})
}

// wsOpen binds a fresh WebSocket connection: attach, uidport-open on a
// first connection, handshake frame, keep-alive loop.
func (s *Server) wsOpen(r *http.Request, uid, cid string, sch adapter.ServerChannel, hsData any) {
	udt, _, opened := s.attach(WS, uid, cid, sch)
	if opened {
		s.pushUidport(r, event.UidportOpen, uid)
	}
	s.sendHandshake(sch, true, uid, hsData)
	go s.kaliveLoop(uid, cid, sch, udt)
}

// ajaxOpen handles one long-poll GET. A poll that asks for a handshake
// (or arrives with no prior entry for this client) is answered
// immediately; the client repolls and the next poll attaches as an open
// long-poll with a timed chsk/timeout expiry.
func (s *Server) ajaxOpen(r *http.Request, uid, cid string, sch adapter.ServerChannel, hsData any) {
	q := r.URL.Query().Get("handshake")
	wantsHandshake := q == "1" || q == "true"

	if wantsHandshake || !s.hasConn(Ajax, uid, cid) {
		// Ensure the entry exists before replying so an immediate
		// repoll finds it (and so uidport-open fires exactly once).
		_, _, opened := s.attach(Ajax, uid, cid, nil)
		if opened {
			s.pushUidport(r, event.UidportOpen, uid)
		}
		s.sendHandshake(sch, false, uid, hsData)
		return
	}

	udt, _, opened := s.attach(Ajax, uid, cid, sch)
	if opened {
		s.pushUidport(r, event.UidportOpen, uid)
	}

	// Timed expiry: if this exact (sch, udt) is still the live entry at
	// the deadline, answer with the timeout sentinel so the client
	// repolls. A push in the meantime satisfies and clears the channel
	// first, making this a no-op.
	time.AfterFunc(s.cfg.LPTimeout, func() {
		cur, curUDT, ok := s.getConn(Ajax, uid, cid)
		if !ok || cur != sch || curUDT != udt {
			return
		}
		if packed, ok := s.packEvent(event.New(event.Timeout)); ok {
			if sch.Send(packed, false) {
				s.clearSch(Ajax, uid, cid, sch)
			}
		}
	})
}

// wsMessage processes one WebSocket frame from the client.
func (s *Server) wsMessage(r *http.Request, uid, cid string, sch adapter.ServerChannel, packed string) {
	s.touch(WS, uid, cid)

	payload, cbUUID, err := packer.UnpackPayload(s.packer, packed)
	if err != nil {
		s.logger.Warn("server: bad package on websocket",
			slog.String("client_id", cid), slog.Any("error", err))
		s.pushRecv(&EventMsg{Request: r, ClientID: cid, UID: uid,
			Event: event.New(event.BadPackage, packed)})
		return
	}

	ev := event.Repair(payload)

	// A client keep-alive ping carrying a callback wants only a pong.
	if ev.ID == event.WSPing && cbUUID != "" {
		s.makeReply(sch, true, cbUUID)("pong")
		return
	}

	msg := &EventMsg{Request: r, ClientID: cid, UID: uid, Event: ev}
	if cbUUID != "" {
		msg.reply = s.makeReply(sch, true, cbUUID)
	}
	s.pushRecv(msg)
}
