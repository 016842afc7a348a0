// Send engine: per-uid, per-transport buffers with time-batched
// coalesced flushing, and fan-out over every live connection with a
// bounded retry schedule to absorb ephemeral disconnections.
//
// Buffering is best-effort across reconnects, not a durable queue:
// events that no connection accepts within the retry window are
// dropped.

package server

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/chansock/chansock/adapter"
	"github.com/chansock/chansock/event"
	"github.com/chansock/chansock/packer"
)

// fanoutBackoff is the fixed retry schedule for unsatisfied clients.
// Each base b is randomized in [b, 2b).
var fanoutBackoff = [...]time.Duration{
	90 * time.Millisecond,
	180 * time.Millisecond,
	360 * time.Millisecond,
	720 * time.Millisecond,
	1440 * time.Millisecond,
}

// Send buffers ev for delivery to every live connection of uid,
// flushing after the per-transport batching window so that
// near-simultaneous pushes travel as one payload.
//
// uid must be non-empty; use event.NilUID to reach
// authenticated-but-unidentified clients (event.AllUsersWithoutUID is
// accepted as an alias). ev must be a well-formed, non-reserved event.
func (s *Server) Send(uid string, ev event.Event) error {
	return s.send(uid, ev, false)
}

// SendFlush is Send with an immediate flush, bypassing the batching
// window.
func (s *Server) SendFlush(uid string, ev event.Event) error {
	return s.send(uid, ev, true)
}

func (s *Server) send(uid string, ev event.Event, flush bool) error {
	if uid == "" {
		return ErrNilUID
	}
	if uid == event.AllUsersWithoutUID {
		uid = event.NilUID
	}
	if ev.ID == event.Close {
		// Administrative connection teardown; see CloseConns.
		s.CloseConns(uid, flush)
		return nil
	}
	if err := event.ValidateSend(ev); err != nil {
		return err
	}

	// A fresh ev-uuid marks this send in both transport buffers; the
	// flush scheduled for it fires only while the uuid is still
	// buffered, so a flush triggered by a later send (or SendFlush)
	// turns the earlier timers into no-ops.
	evUUID := uuid.NewString()

	s.mu.Lock()
	for _, t := range transports {
		b := s.bufs[t][uid]
		if b == nil {
			b = &sendBuf{uuids: make(map[string]bool)}
			s.bufs[t][uid] = b
		}
		b.events = append(b.events, ev)
		b.uuids[evUUID] = true
	}
	s.mu.Unlock()

	for _, t := range transports {
		t := t
		if flush {
			s.flush(t, uid, evUUID)
		} else {
			time.AfterFunc(s.bufWindow(t), func() { s.flush(t, uid, evUUID) })
		}
	}
	return nil
}

// flush atomically pulls the buffered events for (t, uid) iff evUUID is
// still pending, then fans the packed batch out.
func (s *Server) flush(t Transport, uid, evUUID string) {
	s.mu.Lock()
	b := s.bufs[t][uid]
	if b == nil || !b.uuids[evUUID] {
		s.mu.Unlock()
		return
	}
	events := b.events
	delete(s.bufs[t], uid)
	s.mu.Unlock()

	batch := make([]any, len(events))
	for i, ev := range events {
		batch[i] = ev.Wire()
	}
	packed, err := packer.PackPayload(s.packer, batch, "")
	if err != nil {
		s.logger.Error("server: pack batch failed",
			slog.String("uid", uid), slog.Any("error", err))
		return
	}
	go s.fanout(t, uid, packed, len(events))
}

// fanout delivers packed to every connection registered under (t, uid),
// retrying per the backoff schedule for clients that are momentarily
// between channels. For the long-poll transport a successful write
// closes the HTTP response, so the stored channel is cleared for the
// next repoll to replace.
func (s *Server) fanout(t Transport, uid, packed string, batchSize int) {
	satisfied := make(map[string]bool)

	deliver := func() bool {
		all := true
		for _, c := range s.connsSnapshot(t, uid) {
			if satisfied[c.cid] {
				continue
			}
			if c.sch == nil {
				// Client momentarily reconnecting; keep it pending.
				all = false
				continue
			}
			if c.sch.Send(packed, t == WS) {
				satisfied[c.cid] = true
				if t == Ajax {
					s.clearSch(t, uid, c.cid, c.sch)
				}
			} else {
				all = false
			}
		}
		return all
	}

	if deliver() {
		return
	}
	for _, base := range fanoutBackoff {
		time.Sleep(base + time.Duration(rand.Int63n(int64(base))))
		if deliver() {
			return
		}
	}
	s.logger.Debug("server: fanout gave up on unsatisfied clients",
		slog.String("transport", string(t)), slog.String("uid", uid),
		slog.Int("batch_size", batchSize))
}

// CloseConns closes every connection registered for uid under both
// transports. When flush is true, pending buffers are flushed first.
// This is the administrative [chsk/close] operation; it is not part of
// the public protocol surface and may be withdrawn.
func (s *Server) CloseConns(uid string, flush bool) {
	if uid == event.AllUsersWithoutUID {
		uid = event.NilUID
	}
	if flush {
		s.flushAll(uid)
	}
	for _, t := range transports {
		for _, c := range s.connsSnapshot(t, uid) {
			if c.sch != nil {
				_ = c.sch.Close()
			}
		}
	}
}

// flushAll unconditionally flushes any pending buffers for uid.
func (s *Server) flushAll(uid string) {
	for _, t := range transports {
		s.mu.Lock()
		b := s.bufs[t][uid]
		var evUUID string
		if b != nil {
			for u := range b.uuids {
				evUUID = u
				break
			}
		}
		s.mu.Unlock()
		if evUUID != "" {
			s.flush(t, uid, evUUID)
		}
	}
}

// kaliveLoop pings an idle WebSocket connection every WSKalive,
// starting from the udt recorded at attach so the first idle interval
// already counts. It exits as soon as the registry entry no longer
// refers to sch (the connection closed or was superseded) or a write
// fails; a broken socket surfaces through the adapter's OnClose and
// the normal grace-close sequence.
func (s *Server) kaliveLoop(uid, cid string, sch adapter.ServerChannel, attachUDT int64) {
	lastUDT := attachUDT
	for {
		time.Sleep(s.cfg.WSKalive)

		cur, udt, ok := s.getConn(WS, uid, cid)
		if !ok || cur != sch {
			return
		}
		if udt != lastUDT {
			// Activity since the last check; no ping needed yet.
			lastUDT = udt
			continue
		}
		packed, ok := s.packEvent(event.New(event.WSPing))
		if !ok {
			return
		}
		if !sch.Send(packed, true) {
			return
		}
	}
}
