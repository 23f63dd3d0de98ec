// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// A Message is one request or response exchanged between a client and the
// server. Values are strings, int64, byte slices, lists, or nested maps,
// mirroring the Bencode value domain after text conversion.
//
// Handlers must not mutate a message they receive; a handler that needs to
// enrich a message constructs a derived copy and passes that downward.
type Message map[string]any

// Reserved keys attached to a message on ingress. FromWire rejects no keys,
// so a client may send these names, but the values stored under them here
// (a Transport, a *Session) are never produced by the Bencode layer: the
// server and the session middleware overwrite them on the derived message,
// and responses are always built fresh by Reply.
const (
	transportKey = ":transport" // the connection the message arrived on
	sessionKey   = ":session"   // the *Session record resolved for the message
)

// Op returns the message's op field, or "" if it has none.
func (m Message) Op() string { return m.String("op") }

// ID returns the message's request correlation token, or "" if it has none.
func (m Message) ID() string { return m.String("id") }

// SessionID returns the message's session id field, or "" if it has none.
func (m Message) SessionID() string { return m.String("session") }

// String returns the string value at key, or "" if the key is absent or not
// a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Transport returns the transport the message arrived on, or nil.
func (m Message) Transport() Transport {
	t, _ := m[transportKey].(Transport)
	return t
}

// Session returns the session record attached to the message, or nil.
func (m Message) Session() *Session {
	s, _ := m[sessionKey].(*Session)
	return s
}

// clone returns a shallow copy of m. Derived messages passed down the
// middleware chain are built this way so the original is never mutated.
func (m Message) clone() Message {
	out := make(Message, len(m)+2)
	for key, val := range m {
		out[key] = val
	}
	return out
}

// Reply sends a response to m on its transport. The response carries the
// given fields plus the id and session of m, when present. Sending to a
// transport that has already failed reports an error, which callers on an
// evaluation path are free to ignore.
func (m Message) Reply(fields Message) error {
	t := m.Transport()
	if t == nil {
		return errors.New("nrepl: message has no transport")
	}
	rsp := make(Message, len(fields)+2)
	if id := m.ID(); id != "" {
		rsp["id"] = id
	}
	if sid := m.SessionID(); sid != "" {
		rsp["session"] = sid
	} else if s := m.Session(); s != nil {
		rsp["session"] = s.ID
	}
	for key, val := range fields {
		rsp[key] = val
	}
	metrics.msgSent.Add(1)
	return t.Send(rsp)
}

// FromWire converts a decoded Bencode value into a Message.
//
// Byte-strings are converted to text recursively throughout the value,
// except values whose dictionary key is listed in the message's "-unencoded"
// list; those are preserved as raw bytes at any depth. A value that is not a
// dictionary at top level is a protocol error.
func FromWire(v any) (Message, error) {
	dict, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("nrepl: message is %T, not a dictionary", v)
	}

	raw := make(map[string]bool)
	if list, ok := dict["-unencoded"].([]any); ok {
		for _, elt := range list {
			if key, ok := elt.([]byte); ok {
				raw[string(key)] = true
			}
		}
	}

	out := make(Message, len(dict))
	for key, val := range dict {
		out[key] = textify(val, raw[key], raw)
	}
	return out, nil
}

func textify(v any, keepRaw bool, raw map[string]bool) any {
	switch t := v.(type) {
	case []byte:
		if keepRaw {
			return t
		}
		return string(t)
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			out[i] = textify(elt, keepRaw, raw)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			out[key] = textify(val, keepRaw || raw[key], raw)
		}
		return out
	default:
		return v
	}
}

// A Transport is a bidirectional message channel between a client and the
// server. Send must be safe for concurrent use by any number of producers;
// serialization of the write side is the transport's responsibility.
type Transport interface {
	// Send delivers one message to the remote end.
	Send(Message) error

	// Recv returns the next available message. If no message arrives within
	// the given duration it reports ErrTimeout; pass Forever to wait
	// indefinitely. After the channel has closed, Recv reports ErrClosed on
	// every call. If the inbound stream could not be decoded, Recv reports
	// that error on every subsequent call.
	Recv(timeout time.Duration) (Message, error)

	// Close closes the channel, unblocking any pending Recv.
	Close() error
}

// Forever instructs Recv to wait indefinitely for a message.
const Forever = time.Duration(math.MaxInt64)

// ErrClosed is reported by Recv after the transport has closed, and by Send
// on a transport whose write side is no longer usable.
var ErrClosed = errors.New("transport is closed")

// ErrTimeout is reported by Recv when its timeout expires before a message
// arrives. It does not poison the transport; later calls may still succeed.
var ErrTimeout = errors.New("receive timeout")

// A ConfigError reports an invalid middleware configuration: an op reference
// that resolves to no handler or to more than one, or a dependency cycle.
// It is reported at startup, before any connection is accepted.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "nrepl: " + e.Msg }

func configErrf(msg string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(msg, args...)}
}
