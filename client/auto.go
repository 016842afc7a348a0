// Auto transport selection: start on WebSocket, permanently downgrade
// to Ajax long-polling when the WebSocket errors before it has ever
// opened. No upgrade back is attempted.

package client

import "log/slog"

// maybeDowngrade is invoked after every published state transition. At
// most one downgrade happens per Socket lifetime.
func (s *Socket) maybeDowngrade(change StateChange) {
	if s.cfg.Type != TypeAuto {
		return
	}
	if change.New.EverOpened || change.New.LastWSError == nil {
		return
	}

	s.mu.Lock()
	if s.downgraded {
		s.mu.Unlock()
		return
	}
	old, ok := s.impl.(*wsImpl)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.downgraded = true
	a := newAjaxImpl(s)
	s.impl = a
	connID := s.connID
	s.mu.Unlock()

	s.logger.Info("client: websocket never opened, downgrading to ajax long-polling",
		slog.Any("ws_error", change.New.LastWSError))

	old.close(CloseDowngrading)
	s.updateState(func(st *State) { st.Type = TypeAjax })
	if connID != "" {
		a.connect(connID)
	}
}
