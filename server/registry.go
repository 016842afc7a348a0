// Connection registry: conns[transport][uid][cid] = (sch, udt).
//
// udt is a wall-millisecond token serving double duty: an activity
// marker for keep-alive / long-poll expiry, and an identity token so
// that background timers (grace-close, long-poll expiry) never act on a
// connection that has since been replaced. Every mutation happens under
// s.mu; timers re-check the (sch, udt) snapshot inside the lock before
// acting.

package server

import (
	"net/http"
	"time"

	"github.com/chansock/chansock/adapter"
	"github.com/chansock/chansock/event"
)

// connSnap is a copy of one registry entry taken under the lock.
type connSnap struct {
	cid string
	sch adapter.ServerChannel
	udt int64
}

// uidHasConnsLocked reports whether uid has at least one entry under
// any transport. Callers hold s.mu.
func (s *Server) uidHasConnsLocked(uid string) bool {
	for _, t := range transports {
		if len(s.conns[t][uid]) > 0 {
			return true
		}
	}
	return false
}

// touch refreshes the activity marker for a connection. No-op when the
// entry does not exist.
func (s *Server) touch(t Transport, uid, cid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.conns[t][uid][cid]; ok {
		e.udt = nowMS()
	}
}

// attach binds newSch as the live channel for (t, uid, cid),
// unconditionally replacing whatever was there, and returns the new
// udt, whether this cid is a first-ever entry, and whether uid just
// transitioned into the connected set.
func (s *Server) attach(t Transport, uid, cid string, newSch adapter.ServerChannel) (udt int64, init, opened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hadAny := s.uidHasConnsLocked(uid)

	um := s.conns[t][uid]
	if um == nil {
		um = make(map[string]*conn)
		s.conns[t][uid] = um
	}
	_, exists := um[cid]
	udt = nowMS()
	um[cid] = &conn{sch: newSch, udt: udt}

	return udt, !exists, !hadAny
}

// closeSch records that sch is no longer usable for (t, uid, cid): the
// entry's channel is nilled and its udt refreshed so a grace timer can
// later identify this exact close. Returns the udt to compare at grace
// expiry and whether the close was accepted (false when a newer live
// channel has already replaced sch).
func (s *Server) closeSch(t Transport, uid, cid string, sch adapter.ServerChannel) (udt int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.conns[t][uid][cid]
	if !exists {
		return 0, false
	}
	// sch == nil happens for long-poll entries whose response was
	// already written by the send engine; the close still starts the
	// grace window.
	if e.sch != sch && e.sch != nil {
		return 0, false
	}
	e.sch = nil
	e.udt = nowMS()
	return e.udt, true
}

// detach removes (t, uid, cid) iff its (sch, udt) snapshot still
// matches (the grace window elapsed with no reconnect). It reports
// whether the entry was removed and whether uid thereby transitioned
// out of the connected set.
func (s *Server) detach(t Transport, uid, cid string, sch adapter.ServerChannel, udt int64) (removed, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	um := s.conns[t][uid]
	e, exists := um[cid]
	if !exists || e.sch != sch || e.udt != udt {
		return false, false
	}
	delete(um, cid)
	if len(um) == 0 {
		delete(s.conns[t], uid)
	}
	return true, !s.uidHasConnsLocked(uid)
}

// getConn returns the current (sch, udt) for an entry.
func (s *Server) getConn(t Transport, uid, cid string) (adapter.ServerChannel, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.conns[t][uid][cid]
	if !ok {
		return nil, 0, false
	}
	return e.sch, e.udt, true
}

// hasConn reports whether an entry exists for (t, uid, cid).
func (s *Server) hasConn(t Transport, uid, cid string) bool {
	_, _, ok := s.getConn(t, uid, cid)
	return ok
}

// connsSnapshot copies the entries under (t, uid) for lock-free
// iteration by the fan-out engine.
func (s *Server) connsSnapshot(t Transport, uid string) []connSnap {
	s.mu.Lock()
	defer s.mu.Unlock()
	um := s.conns[t][uid]
	out := make([]connSnap, 0, len(um))
	for cid, e := range um {
		out = append(out, connSnap{cid: cid, sch: e.sch, udt: e.udt})
	}
	return out
}

// clearSch nils the stored channel for (t, uid, cid) iff it still is
// sch, preserving udt. Used after a successful long-poll write: the
// HTTP response is closed, and the next repoll reattaches.
func (s *Server) clearSch(t Transport, uid, cid string, sch adapter.ServerChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.conns[t][uid][cid]; ok && e.sch == sch {
		e.sch = nil
	}
}

// scheduleDetach arms the grace-close timer for a closed connection.
func (s *Server) scheduleDetach(r *http.Request, t Transport, uid, cid string, udt int64) {
	time.AfterFunc(s.grace(t), func() {
		if _, closed := s.detach(t, uid, cid, nil, udt); closed {
			s.pushUidport(r, event.UidportClose, uid)
		}
	})
}

// ConnectedUIDs returns a snapshot of connected user ids per transport.
// A uid counts as connected while it has any registry entry, including
// entries inside the reconnect grace window.
func (s *Server) ConnectedUIDs() Connected {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Connected{
		WS:   make(map[string]bool),
		Ajax: make(map[string]bool),
		Any:  make(map[string]bool),
	}
	for uid, um := range s.conns[WS] {
		if len(um) > 0 {
			c.WS[uid] = true
			c.Any[uid] = true
		}
	}
	for uid, um := range s.conns[Ajax] {
		if len(um) > 0 {
			c.Ajax[uid] = true
			c.Any[uid] = true
		}
	}
	return c
}
