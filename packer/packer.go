// Package packer serializes wire payloads for chansock. A Packer turns
// an arbitrary payload value into a string and back; this package adds
// the envelope layer on top: every packed string encodes an ordered pair
// of length 1 or 2, `[payload]` or `[payload, cb-uuid]`, where the
// optional second element correlates a request with its reply.
//
// Three read formats are accepted for interop with older peers:
//
//	"+..."  envelope-wrapped (legacy explicit marker)
//	"-..."  bare payload, no envelope and therefore no callback id
//	"..."   envelope-wrapped (current default)
//
// Writes emit the unprefixed wrapped form unless the process-wide
// legacy flag is set with SetWriteLegacy.
package packer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Packer is the injected payload codec. Implementations see only the
// envelope value, never event semantics.
type Packer interface {
	Pack(v any) (string, error)
	Unpack(s string) (any, error)
}

// AjaxCBSentinel is the reserved callback id an Ajax client sends in
// place of a real cb-uuid: the HTTP request itself correlates the
// reply, so no unique token is needed.
const AjaxCBSentinel = "0"

// writeLegacy forces "+"-prefixed writes process-wide when set.
var writeLegacy atomic.Bool

// SetWriteLegacy toggles legacy "+"-prefixed envelope writes for
// interop with peers that predate the unprefixed format.
func SetWriteLegacy(on bool) { writeLegacy.Store(on) }

// JSON is a Packer over encoding/json. Numbers are decoded as
// json.Number so that integer payloads survive a round trip intact.
type JSON struct{}

// Pack implements Packer.
func (JSON) Pack(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("packer: marshal: %w", err)
	}
	return string(b), nil
}

// Unpack implements Packer.
func (JSON) Unpack(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("packer: unmarshal: %w", err)
	}
	return v, nil
}

// Default returns the packer used when none is configured.
func Default() Packer { return JSON{} }

// PackPayload wraps payload (with the optional callback id) in the
// envelope and packs it. cbUUID "" means no callback element.
func PackPayload(p Packer, payload any, cbUUID string) (string, error) {
	env := []any{payload}
	if cbUUID != "" {
		if cbUUID == AjaxCBSentinel {
			// The sentinel travels as the integer 0, not the string "0".
			env = append(env, 0)
		} else {
			env = append(env, cbUUID)
		}
	}
	s, err := p.Pack(env)
	if err != nil {
		return "", err
	}
	if writeLegacy.Load() {
		return "+" + s, nil
	}
	return s, nil
}

// UnpackPayload unpacks a wire string and unwraps the envelope,
// returning the payload and the callback id ("" when absent, the
// AjaxCBSentinel "0" when the integer sentinel was sent).
func UnpackPayload(p Packer, packed string) (payload any, cbUUID string, err error) {
	wrapped := true
	switch {
	case strings.HasPrefix(packed, "+"):
		packed = packed[1:]
	case strings.HasPrefix(packed, "-"):
		packed = packed[1:]
		wrapped = false
	}

	v, err := p.Unpack(packed)
	if err != nil {
		return nil, "", err
	}
	if !wrapped {
		return v, "", nil
	}

	env, ok := v.([]any)
	if !ok || len(env) < 1 || len(env) > 2 {
		return nil, "", fmt.Errorf("packer: malformed envelope: %q", packed)
	}
	if len(env) == 2 {
		switch cb := env[1].(type) {
		case string:
			cbUUID = cb
		case json.Number:
			// Any numeric callback id is the Ajax sentinel.
			cbUUID = AjaxCBSentinel
		case float64:
			cbUUID = AjaxCBSentinel
		default:
			return nil, "", fmt.Errorf("packer: malformed cb-uuid %T in envelope", env[1])
		}
	}
	return env[0], cbUUID, nil
}
