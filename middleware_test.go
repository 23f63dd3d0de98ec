// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"errors"
	"testing"
	"time"
)

// capture is a Transport that records sent messages for inspection. Its
// receive side is unused.
type capture struct {
	msgs chan Message
}

func newCapture() *capture { return &capture{msgs: make(chan Message, 128)} }

func (c *capture) Send(msg Message) error { c.msgs <- msg; return nil }

func (c *capture) Recv(time.Duration) (Message, error) { return nil, ErrClosed }

func (c *capture) Close() error { return nil }

// next returns the next recorded message, failing t after a timeout.
func (c *capture) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-c.msgs:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// request constructs an inbound message bound to the capture transport.
func request(t Transport, fields Message) Message {
	msg := fields.clone()
	msg[transportKey] = t
	return msg
}

// passthrough constructs a middleware with the given constraints that tags
// the order it saw the message in.
func passthrough(name string, requires, expects []string, ops ...string) (Middleware, *[]string) {
	order := new([]string)
	handles := make(map[string]OpInfo)
	for _, op := range ops {
		handles[op] = OpInfo{Doc: "test op"}
	}
	return Middleware{
		Descriptor: Descriptor{Name: name, Requires: requires, Expects: expects, Handles: handles},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				*order = append(*order, name)
				next(msg)
			}
		},
	}, order
}

func TestStackLinearization(t *testing.T) {
	// inner requires outer by name; tail expects inner by op name.
	outer, _ := passthrough("outer", nil, nil, "alpha")
	inner, _ := passthrough("inner", []string{"outer"}, nil, "beta")
	tail, _ := passthrough("tail", nil, []string{"beta"}, "gamma")

	var seen []string
	record := func(name string, mw Middleware) Middleware {
		wrap := mw.Wrap
		mw.Wrap = func(next Handler) Handler {
			h := wrap(next)
			return func(msg Message) {
				seen = append(seen, name)
				h(msg)
			}
		}
		return mw
	}

	// Pass the middleware in an order violating the constraints; the sort
	// must still produce tail before inner before... specifically outer
	// before inner, and tail before the middleware handling beta.
	h, err := Stack(record("inner", inner), record("tail", tail), record("outer", outer))
	if err != nil {
		t.Fatalf("Stack: unexpected error: %v", err)
	}

	ct := newCapture()
	h(request(ct, Message{"op": "nonesuch", "id": "x"}))

	pos := make(map[string]int)
	for i, name := range seen {
		pos[name] = i
	}
	if pos["outer"] > pos["inner"] {
		t.Errorf("outer at %d should precede inner at %d", pos["outer"], pos["inner"])
	}
	if pos["tail"] > pos["inner"] {
		t.Errorf("tail at %d should precede inner (beta) at %d", pos["tail"], pos["inner"])
	}

	// The unhandled op falls through to the unknown-op terminal.
	rsp := ct.next(t)
	if !HasStatus(rsp, "unknown-op") || !HasStatus(rsp, "done") || !HasStatus(rsp, "error") {
		t.Errorf("Terminal response %v missing unknown-op/done/error status", rsp)
	}
	if rsp.String("op") != "nonesuch" {
		t.Errorf("Terminal response op = %q, want nonesuch", rsp.String("op"))
	}
	if rsp.ID() != "x" {
		t.Errorf("Terminal response id = %q, want x", rsp.ID())
	}
}

func TestStackStableOrder(t *testing.T) {
	a, _ := passthrough("a", nil, nil)
	b, _ := passthrough("b", nil, nil)
	c, _ := passthrough("c", nil, nil)

	// With no constraints the input order is preserved.
	sorted, err := linearize([]Middleware{c, a, b})
	if err != nil {
		t.Fatalf("linearize: unexpected error: %v", err)
	}
	got := []string{sorted[0].Name, sorted[1].Name, sorted[2].Name}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("linearize order: got %v, want %v", got, want)
		}
	}
}

func TestStackErrors(t *testing.T) {
	t.Run("Unresolved", func(t *testing.T) {
		mw, _ := passthrough("m", []string{"nonesuch"}, nil)
		if _, err := Stack(mw); err == nil {
			t.Error("Stack: got nil, want unresolved reference error")
		} else {
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Errorf("Stack: got %v, want *ConfigError", err)
			}
		}
	})

	t.Run("AmbiguousOp", func(t *testing.T) {
		a, _ := passthrough("a", nil, nil, "shared")
		b, _ := passthrough("b", nil, nil, "shared")
		c, _ := passthrough("c", []string{"shared"}, nil)
		if _, err := Stack(a, b, c); err == nil {
			t.Error("Stack: got nil, want ambiguous reference error")
		}
	})

	t.Run("Cycle", func(t *testing.T) {
		a, _ := passthrough("a", []string{"b"}, nil)
		b, _ := passthrough("b", []string{"a"}, nil)
		if _, err := Stack(a, b); err == nil {
			t.Error("Stack: got nil, want cycle error")
		}
	})
}

func TestPassthroughDoesNotMutate(t *testing.T) {
	reg := NewRegistry()
	h, err := Stack(SessionMiddleware(reg))
	if err != nil {
		t.Fatalf("Stack: unexpected error: %v", err)
	}

	ct := newCapture()
	msg := request(ct, Message{"op": "nonesuch", "id": "q"})
	h(msg)
	ct.next(t)

	// The session middleware attaches the ephemeral session to a derived
	// message; the original must be untouched.
	if _, ok := msg[sessionKey]; ok {
		t.Error("original message was mutated with a session record")
	}
}
