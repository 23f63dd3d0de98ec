// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/aaronc/tools.nrepl/runtime/sexpr"
)

// evalStack builds the standard middleware arrangement used by the eval
// tests, returning the composed handler and the registry behind it.
func evalStack(t *testing.T) (Handler, *Registry) {
	t.Helper()
	reg := NewRegistry()
	rt := sexpr.New()
	h, err := Stack(
		PrintValues(rt.Print),
		SessionMiddleware(reg),
		AddStdin(),
		LoadFile(),
		EvalMiddleware(rt, nil),
	)
	if err != nil {
		t.Fatalf("Stack: unexpected error: %v", err)
	}
	return h, reg
}

// cloneSession runs a clone op through h and returns the new session id.
func cloneSession(t *testing.T, h Handler, ct *capture) string {
	t.Helper()
	h(request(ct, Message{"op": "clone"}))
	rsp := ct.next(t)
	sid := rsp.String("new-session")
	if sid == "" {
		t.Fatalf("clone response %v has no new-session", rsp)
	}
	return sid
}

// collect reads messages for the given request id until a done status
// arrives, returning them in order. Messages for other ids fail the test.
func collect(t *testing.T, ct *capture, id string) []Message {
	t.Helper()
	var out []Message
	for {
		msg := ct.next(t)
		if msg.ID() != id {
			t.Fatalf("message for id %q while waiting on %q: %v", msg.ID(), id, msg)
		}
		out = append(out, msg)
		if HasStatus(msg, "done") {
			return out
		}
	}
}

func TestSimpleEval(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "(+ 1 2)", "id": "i1"}))
	msgs := collect(t, ct, "i1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %v", len(msgs), msgs)
	}
	if got, want := msgs[0].String("value"), "3"; got != want {
		t.Errorf("value = %q, want %q", got, want)
	}
	if got, want := msgs[0].String("ns"), "user"; got != want {
		t.Errorf("ns = %q, want %q", got, want)
	}
	if got := msgs[0].SessionID(); got != sid {
		t.Errorf("session = %q, want %q", got, sid)
	}
	if !HasStatus(msgs[1], "done") {
		t.Errorf("final message %v not done", msgs[1])
	}
}

func TestEvalMultipleFormsAndResultSlots(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "10 20 (+ *1 *2)", "id": "i1"}))
	msgs := collect(t, ct, "i1")
	var values []string
	for _, msg := range msgs {
		if v := msg.String("value"); v != "" {
			values = append(values, v)
		}
	}
	want := []string{"10", "20", "30"}
	if len(values) != len(want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("value %d = %q, want %q", i, values[i], want[i])
		}
	}

	// The slots persist into the next request on the same session.
	h(request(ct, Message{"op": "eval", "session": sid, "code": "*3", "id": "i2"}))
	msgs = collect(t, ct, "i2")
	if got := msgs[0].String("value"); got != "10" {
		t.Errorf("*3 = %q, want 10", got)
	}
}

func TestEvalOutputStreaming(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": `(println "hi") 7`, "id": "i1"}))
	msgs := collect(t, ct, "i1")

	var sawOut bool
	outBefore := -1
	valueAt := -1
	for i, msg := range msgs {
		if msg["out"] != nil {
			sawOut = true
			if got := msg.String("out"); got != "hi\n" {
				t.Errorf("out = %q, want %q", got, "hi\n")
			}
			outBefore = i
		}
		if msg["value"] == any("7") {
			valueAt = i
		}
	}
	if !sawOut {
		t.Fatalf("no out message in %v", msgs)
	}
	if outBefore > valueAt {
		t.Errorf("out at %d after its value at %d", outBefore, valueAt)
	}
}

func TestEvalError(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "(nope)", "id": "i1"}))
	msgs := collect(t, ct, "i1")

	var sawError, sawDiag bool
	for _, msg := range msgs {
		if HasStatus(msg, "eval-error") {
			sawError = true
			if got := msg.String("ex"); !strings.Contains(got, "sexpr.Error") {
				t.Errorf("ex = %q, want a sexpr.Error type name", got)
			}
			if got := msg.String("root-ex"); !strings.Contains(got, "sexpr.Error") {
				t.Errorf("root-ex = %q, want a sexpr.Error type name", got)
			}
		}
		if strings.Contains(msg.String("err"), "undefined function") {
			sawDiag = true
		}
	}
	if !sawError {
		t.Errorf("no eval-error status in %v", msgs)
	}
	if !sawDiag {
		t.Errorf("no diagnostic on the error stream in %v", msgs)
	}

	// The session survives and records *e.
	h(request(ct, Message{"op": "eval", "session": sid, "code": "*e", "id": "i2"}))
	msgs = collect(t, ct, "i2")
	if got := msgs[0].String("value"); !strings.Contains(got, "undefined function") {
		t.Errorf("*e = %q, want the recorded error", got)
	}
}

func TestEvalNoCode(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "id": "i1"}))
	rsp := ct.next(t)
	if !HasStatus(rsp, "error") || !HasStatus(rsp, "no-code") || !HasStatus(rsp, "done") {
		t.Errorf("response %v missing error/no-code/done", rsp)
	}
}

func TestEvalNamespaceNotFound(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "1", "ns": "nonesuch", "id": "i1"}))
	rsp := ct.next(t)
	if !HasStatus(rsp, "error") || !HasStatus(rsp, "namespace-not-found") {
		t.Errorf("response %v missing error/namespace-not-found", rsp)
	}
}

func TestEvalNamespaceSwitch(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "(ns app) (def x 5) x", "id": "i1"}))
	msgs := collect(t, ct, "i1")
	last := msgs[len(msgs)-2] // the x value, before done
	if got := last.String("ns"); got != "app" {
		t.Errorf("ns = %q, want app", got)
	}
	if got := last.String("value"); got != "5" {
		t.Errorf("value = %q, want 5", got)
	}

	// The namespace persists in the session after the eval completes.
	h(request(ct, Message{"op": "eval", "session": sid, "code": "x", "id": "i2"}))
	msgs = collect(t, ct, "i2")
	if got := msgs[0].String("ns"); got != "app" {
		t.Errorf("ns = %q, want app", got)
	}
}

func TestSingleFlightFIFO(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	// Submit a burst of evals; their done messages must arrive in strict
	// admission order, one eval at a time.
	const n = 10
	for i := 0; i < n; i++ {
		h(request(ct, Message{
			"op": "eval", "session": sid,
			"code": fmt.Sprintf("(sleep 1) %d", i),
			"id":   fmt.Sprintf("e%d", i),
		}))
	}

	var doneOrder []string
	for len(doneOrder) < n {
		msg := ct.next(t)
		if HasStatus(msg, "done") {
			doneOrder = append(doneOrder, msg.ID())
		}
	}
	for i, id := range doneOrder {
		if want := fmt.Sprintf("e%d", i); id != want {
			t.Fatalf("done order %v: position %d is %q, want %q", doneOrder, i, id, want)
		}
	}
}

func TestInterrupt(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	// Start a non-terminating eval on its own goroutine, as the server's
	// dispatcher would.
	h(request(ct, Message{"op": "eval", "session": sid, "code": "(loop)", "id": "L"}))

	// Wait until the eval is actually running before interrupting.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("eval never started")
		}
		h(request(ct, Message{"op": "interrupt", "session": sid, "interrupt-id": "L", "id": "K"}))
		rsp := ct.next(t)
		if HasStatus(rsp, "session-idle") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		// The interrupted tag for L must already have been sent, then the
		// interrupt's own done.
		if !HasStatus(rsp, "interrupted") || rsp.ID() != "L" {
			t.Fatalf("first message %v, want interrupted for L", rsp)
		}
		rsp = ct.next(t)
		if rsp.ID() != "K" || !HasStatus(rsp, "done") {
			t.Fatalf("second message %v, want done for K", rsp)
		}
		break
	}

	// The eval finishes with a plain done: no eval-error.
	rsp := ct.next(t)
	if rsp.ID() != "L" || !HasStatus(rsp, "done") || HasStatus(rsp, "eval-error") {
		t.Fatalf("final message %v, want plain done for L", rsp)
	}

	// The session is usable afterward.
	h(request(ct, Message{"op": "eval", "session": sid, "code": "(+ 2 2)", "id": "after"}))
	msgs := collect(t, ct, "after")
	if got := msgs[0].String("value"); got != "4" {
		t.Errorf("value after interrupt = %q, want 4", got)
	}
}

func TestInterruptIdle(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "interrupt", "session": sid, "id": "K"}))
	rsp := ct.next(t)
	if !HasStatus(rsp, "done") || !HasStatus(rsp, "session-idle") {
		t.Errorf("response %v missing done/session-idle", rsp)
	}
}

func TestInterruptIDMismatch(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "(sleep 2000)", "id": "L"}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("eval never started")
		}
		h(request(ct, Message{"op": "interrupt", "session": sid, "interrupt-id": "WRONG", "id": "K"}))
		rsp := ct.next(t)
		if HasStatus(rsp, "session-idle") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if !HasStatus(rsp, "error") || !HasStatus(rsp, "interrupt-id-mismatch") {
			t.Fatalf("response %v missing error/interrupt-id-mismatch", rsp)
		}
		break
	}

	// Clean up: cancel the long sleep with a matching interrupt.
	h(request(ct, Message{"op": "interrupt", "session": sid, "interrupt-id": "L", "id": "K2"}))
	for {
		msg := ct.next(t)
		if msg.ID() == "L" && HasStatus(msg, "done") {
			break
		}
	}
}

func TestStdinRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{"op": "eval", "session": sid, "code": "(read-line)", "id": "R"}))

	// The blocked read announces need-input.
	msg := ct.next(t)
	if !HasStatus(msg, "need-input") {
		t.Fatalf("got %v, want need-input", msg)
	}

	h(request(ct, Message{"op": "stdin", "session": sid, "stdin": "hello\n", "id": "S"}))

	var sawStdinDone, sawValue, sawEvalDone bool
	for !sawStdinDone || !sawValue || !sawEvalDone {
		msg := ct.next(t)
		switch {
		case msg.ID() == "S" && HasStatus(msg, "done"):
			sawStdinDone = true
		case msg.ID() == "R" && msg["value"] != nil:
			if got, want := msg.String("value"), `"hello"`; got != want {
				t.Errorf("value = %q, want %q", got, want)
			}
			sawValue = true
		case msg.ID() == "R" && HasStatus(msg, "done"):
			if !sawValue {
				t.Fatal("eval finished before producing a value")
			}
			sawEvalDone = true
		}
	}
}

func TestLoadFile(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	h(request(ct, Message{
		"op": "load-file", "session": sid,
		"file":      "(def base 40) (+ base 2)",
		"file-name": "base.clj",
		"id":        "F",
	}))
	msgs := collect(t, ct, "F")
	last := msgs[len(msgs)-2]
	if got := last.String("value"); got != "42" {
		t.Errorf("value = %q, want 42", got)
	}
}

func TestEvalPreParsedForms(t *testing.T) {
	defer leaktest.Check(t)()
	h, _ := evalStack(t)
	ct := newCapture()
	sid := cloneSession(t, h, ct)

	// code may be a pre-parsed list of forms rather than a source string.
	code := []any{[]any{sexpr.Sym("+"), int64(20), int64(3)}}
	h(request(ct, Message{"op": "eval", "session": sid, "code": code, "id": "P"}))
	msgs := collect(t, ct, "P")
	if got := msgs[0].String("value"); got != "23" {
		t.Errorf("value = %q, want 23", got)
	}
}
