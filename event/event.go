// Package event defines the typed event model shared by the chansock
// client and server: namespaced event identifiers, the wire tuple shape
// `[id]` / `[id, data]`, and the reserved control events that drive the
// transport itself.
//
// An event is valid iff its identifier has a non-empty namespace segment
// and a non-empty name segment ("chat/post", "my-app/echo"). The "chsk"
// namespace is reserved for transport control and the "chansock"
// namespace for internal sentinels; application code must not fabricate
// either.
package event

import (
	"errors"
	"fmt"
	"strings"
)

// ID is a namespaced event identifier of the form "namespace/name".
type ID string

// Reserved control event ids. Server→client unless noted.
const (
	// Handshake is the first server→client event on any connection,
	// carrying [uid, nil, handshake-data].
	Handshake ID = "chsk/handshake"

	// WSPing is the keep-alive ping. Sent in both directions; a
	// client-initiated ping carrying a callback is answered with "pong".
	WSPing ID = "chsk/ws-ping"

	// State is emitted client-side on every connection state transition.
	State ID = "chsk/state"

	// Recv wraps application pushes on the client receive channel when
	// wrapping is enabled.
	Recv ID = "chsk/recv"

	// Close instructs the server to drop every connection for a uid.
	// Administrative; not part of the public protocol surface.
	Close ID = "chsk/close"

	// Timeout is sent on a long-poll connection that expired with
	// nothing to deliver, and is the reply value for timed-out callbacks.
	Timeout ID = "chsk/timeout"

	// BadPackage replaces a payload that failed to unpack.
	BadPackage ID = "chsk/bad-package"

	// BadEvent replaces a received value that is not a valid event.
	BadEvent ID = "chsk/bad-event"

	// UidportOpen and UidportClose are delivered to the server
	// application when a uid gains its first live connection or loses
	// its last one.
	UidportOpen  ID = "chsk/uidport-open"
	UidportClose ID = "chsk/uidport-close"
)

// Callback reply sentinels. A callback registered for a send resolves
// with exactly one of the real reply value or one of these.
const (
	// ReplyClosed resolves a callback whose send was attempted while the
	// connection was closed.
	ReplyClosed = "chsk/closed"

	// ReplyTimeout resolves a callback whose reply did not arrive within
	// the requested window.
	ReplyTimeout = "chsk/timeout"

	// ReplyError resolves a callback whose send failed at the socket.
	ReplyError = "chsk/error"

	// ReplyDummyCB200 is written by the server to an Ajax POST that did
	// not expect a reply, so the HTTP request can complete.
	ReplyDummyCB200 = "chsk/dummy-cb-200"
)

// NilUID identifies connections that are authenticated-but-unidentified:
// no user-id function is configured or it returned "".
const NilUID = "chansock/nil-uid"

// AllUsersWithoutUID is an accepted alias for NilUID on the server send
// path.
const AllUsersWithoutUID = "chansock/all-users-without-uid"

// ErrInvalidEvent is returned when application code attempts to send a
// value that is not a well-formed, non-reserved event.
var ErrInvalidEvent = errors.New("event: invalid event")

// Namespace returns the segment before the first "/" or "" when the id
// is not namespaced.
func (id ID) Namespace() string {
	ns, _, ok := strings.Cut(string(id), "/")
	if !ok {
		return ""
	}
	return ns
}

// Name returns the segment after the first "/" or "" when the id is not
// namespaced.
func (id ID) Name() string {
	_, name, ok := strings.Cut(string(id), "/")
	if !ok {
		return ""
	}
	return name
}

// Valid reports whether the id has non-empty namespace and name
// segments.
func (id ID) Valid() bool {
	return id.Namespace() != "" && id.Name() != ""
}

// Reserved reports whether the id lives in a namespace owned by the
// transport ("chsk") or by internal sentinels ("chansock").
func (id ID) Reserved() bool {
	ns := id.Namespace()
	return ns == "chsk" || ns == "chansock"
}

// Event is an ordered pair [id] or [id, data]. HasData distinguishes an
// explicit nil data element from an absent one, mirroring the 1- vs
// 2-element wire tuple.
type Event struct {
	ID      ID
	Data    any
	HasData bool
}

// New builds an Event from id and at most one data value. Passing more
// than one data value is a programming error and panics.
func New(id ID, data ...any) Event {
	switch len(data) {
	case 0:
		return Event{ID: id}
	case 1:
		return Event{ID: id, Data: data[0], HasData: true}
	default:
		panic(fmt.Sprintf("event: New %q called with %d data values", id, len(data)))
	}
}

// Valid reports whether the event has a well-formed id.
func (e Event) Valid() bool { return e.ID.Valid() }

// Wire returns the JSON-facing tuple form: ["id"] or ["id", data].
func (e Event) Wire() []any {
	if e.HasData {
		return []any{string(e.ID), e.Data}
	}
	return []any{string(e.ID)}
}

// String renders the event for logs.
func (e Event) String() string {
	if e.HasData {
		return fmt.Sprintf("[%s %v]", e.ID, e.Data)
	}
	return fmt.Sprintf("[%s]", e.ID)
}

// FromWire interprets a decoded wire value as an event tuple. It
// accepts a 1- or 2-element []any whose first element is a string with
// a valid namespaced id.
func FromWire(v any) (Event, bool) {
	tuple, ok := v.([]any)
	if !ok || len(tuple) < 1 || len(tuple) > 2 {
		return Event{}, false
	}
	rawID, ok := tuple[0].(string)
	if !ok || !ID(rawID).Valid() {
		return Event{}, false
	}
	ev := Event{ID: ID(rawID)}
	if len(tuple) == 2 {
		ev.Data = tuple[1]
		ev.HasData = true
	}
	return ev, true
}

// Repair returns the event encoded by v, or [chsk/bad-event, v] when v
// is not a valid event. Used on every receive path so that malformed
// input reaches the application as data rather than as an error.
func Repair(v any) Event {
	if ev, ok := FromWire(v); ok {
		return ev
	}
	return New(BadEvent, v)
}

// ValidateSend checks an event produced by application code before it
// is written to the wire: it must be well formed and must not use a
// reserved namespace (the transport mints those itself).
func ValidateSend(e Event) error {
	if !e.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, e)
	}
	if e.ID.Reserved() {
		return fmt.Errorf("%w: reserved id %q", ErrInvalidEvent, e.ID)
	}
	return nil
}
