// Package adapter abstracts the HTTP/WebSocket server underneath the
// chansock server. The server core never touches a socket directly; it
// sees only ServerChannels produced by an Adapter, so any web server
// capable of the three operations below can host it.
package adapter

import "net/http"

// ServerChannel is one underlying connection: a WebSocket, or one
// pending long-poll HTTP response.
type ServerChannel interface {
	// Send writes a packed payload. It returns false, and never panics,
	// when the channel is already closed. For a WebSocket this writes
	// one text frame; for long-polling it writes the HTTP response body
	// and implicitly closes the channel.
	Send(packed string, isWebSocket bool) bool

	// Close closes the channel. Idempotent.
	Close() error
}

// Callbacks receives connection lifecycle notifications from an
// Adapter. Any callback may be nil.
type Callbacks struct {
	OnOpen    func(sch ServerChannel, isWebSocket bool)
	OnMessage func(sch ServerChannel, isWebSocket bool, packed string)
	OnClose   func(sch ServerChannel, isWebSocket bool, status int)
	OnError   func(sch ServerChannel, isWebSocket bool, err error)
}

// Adapter accepts an HTTP request, producing a ServerChannel for its
// lifetime. Handle blocks until the channel is finished (WebSocket
// closed, or long-poll response written).
type Adapter interface {
	Handle(w http.ResponseWriter, r *http.Request, cb Callbacks)
}
