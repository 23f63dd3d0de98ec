// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// DefaultOutLimit is the output buffer threshold, in bytes, installed on new
// sessions. Output is forwarded to the client whenever the buffered amount
// reaches the session's limit, and on every explicit flush.
const DefaultOutLimit = 1024

// A Session is a named container for evaluation state. Its dynamic state
// (current namespace, last results, standard streams) survives between
// requests; at most one evaluation runs in a session at any time.
type Session struct {
	ID string // UUID, assigned at creation

	mu       sync.Mutex
	ns       string // current namespace
	vals     [3]any // most recent three results: *1 *2 *3
	lastErr  error  // most recent evaluation error: *e
	outLimit int
	ext      map[string]any // user-definable extension bindings

	out, errw *streamWriter
	in        *stdinReader

	// Evaluation scheduling. The queue is FIFO; running marks the single
	// in-flight task; evalMsg and cancel identify the evaluation currently
	// executing so that output can be tagged and interrupts delivered.
	queue   []func()
	running bool
	evalMsg Message
	cancel  context.CancelFunc
}

// newSession constructs a session bound to t, copying dynamic state from
// parent when it is non-nil and using baseline values otherwise.
func newSession(parent *Session, t Transport) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		ns:       "user",
		outLimit: DefaultOutLimit,
		ext:      make(map[string]any),
	}
	if parent != nil {
		parent.mu.Lock()
		s.ns = parent.ns
		s.vals = parent.vals
		s.lastErr = parent.lastErr
		s.outLimit = parent.outLimit
		for key, val := range parent.ext {
			s.ext[key] = val
		}
		parent.mu.Unlock()
	}
	s.out = &streamWriter{sess: s, t: t, kind: "out"}
	s.errw = &streamWriter{sess: s, t: t, kind: "err"}
	s.in = newStdinReader(s, t)
	return s
}

// OutLimit returns the session's current output buffer threshold.
func (s *Session) OutLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outLimit
}

// SetOutLimit changes the session's output buffer threshold. Output already
// buffered is not flushed by this call; the new limit applies from the next
// write.
func (s *Session) SetOutLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outLimit = n
}

// Namespace returns the session's current namespace.
func (s *Session) Namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns
}

// LastValues returns the session's most recent three results, newest first.
func (s *Session) LastValues() [3]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals
}

// currentEvalID returns the id of the request currently being evaluated in
// s, or "" when the session is idle. Output produced outside any active
// request is sent untagged. Output written by background work that outlives
// its evaluation is tagged with whichever request is current when it is
// flushed, not with the request that started the work.
func (s *Session) currentEvalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evalMsg == nil {
		return ""
	}
	return s.evalMsg.ID()
}

// A streamWriter adapts one standard stream (out or err) of a session to the
// transport. Writes accumulate in a buffer that is drained to the client as
// a {session, out|err, id} message on flush or when it reaches the session's
// out-limit.
type streamWriter struct {
	sess *Session
	t    Transport
	kind string // "out" or "err"

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	if w.buf.Len() >= w.sess.OutLimit() {
		w.flushLocked()
	}
	return len(p), nil
}

// Flush drains any buffered output to the client.
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *streamWriter) flushLocked() {
	if w.buf.Len() == 0 {
		return
	}
	text := w.buf.String()
	w.buf.Reset()

	msg := Message{"session": w.sess.ID, w.kind: text}
	if id := w.sess.currentEvalID(); id != "" {
		msg["id"] = id
	}
	// The transport may already be gone; evaluation output is then dropped.
	metrics.msgSent.Add(1)
	w.t.Send(msg)
}

// A stdinReader is the session's standard input source. It is fed by the
// stdin op; a read that would otherwise block first announces
// {session, status: need-input} to the client and then waits for input.
type stdinReader struct {
	sess *Session
	t    Transport

	mu     sync.Mutex
	wake   *sync.Cond
	buf    bytes.Buffer
	closed bool
	intr   bool // wakes blocked readers when the running eval is interrupted
}

func newStdinReader(s *Session, t Transport) *stdinReader {
	r := &stdinReader{sess: s, t: t}
	r.wake = sync.NewCond(&r.mu)
	return r
}

func (r *stdinReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.buf.Len() == 0 {
		if r.closed {
			return 0, io.EOF
		}
		if r.intr {
			return 0, context.Canceled
		}
		metrics.msgSent.Add(1)
		r.t.Send(Message{"session": r.sess.ID, "status": []string{"need-input"}})
		r.wake.Wait()
	}
	n, _ := r.buf.Read(p)
	return n, nil
}

// feed appends data for pending and future reads.
func (r *stdinReader) feed(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(data)
	r.wake.Broadcast()
}

// interrupt forces any blocked read to fail. The flag is cleared when the
// next evaluation begins.
func (r *stdinReader) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intr = true
	r.wake.Broadcast()
}

func (r *stdinReader) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intr = false
}

func (r *stdinReader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.wake.Broadcast()
}

// A Registry tracks the live sessions of a server. The zero value is not
// ready for use; construct one with NewRegistry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Clone creates, registers, and returns a new session bound to t. When
// parent is non-nil the new session starts from a snapshot of its dynamic
// state; otherwise it starts from baseline state (namespace "user", empty
// result slots, the default out-limit).
func (r *Registry) Clone(parent *Session, t Transport) *Session {
	s := newSession(parent, t)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	metrics.sessionsActive.Add(1)
	return s
}

// Ephemeral returns a fresh session bound to t that is not registered. It
// serves requests that arrive without a session id, for the lifetime of that
// one message.
func (r *Registry) Ephemeral(t Transport) *Session {
	return newSession(nil, t)
}

// Lookup returns the session with the given id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Close removes the session with the given id from the registry and reports
// whether it was present. Evaluations already queued in the session drain to
// completion; their tail messages are still delivered.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.in.close()
		metrics.sessionsActive.Add(-1)
	}
	return ok
}

// IDs returns the ids of all registered sessions, in unspecified order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionMiddleware services the clone, close, and ls-sessions ops against
// reg, and wraps every other op to attach the session named by the message's
// session field. A message without a session id is given a fresh ephemeral
// session for the lifetime of that message.
func SessionMiddleware(reg *Registry) Middleware {
	return Middleware{
		Descriptor: Descriptor{
			Name: "session",
			Handles: map[string]OpInfo{
				"clone": {
					Doc:      "Clone a session, returning the id of the newly created session.",
					Optional: map[string]string{"session": "The id of the session to clone; a baseline session is used if absent."},
					Returns:  map[string]string{"new-session": "The id of the new session."},
				},
				"close": {
					Doc:      "Close the named session.",
					Requires: map[string]string{"session": "The id of the session to close."},
				},
				"ls-sessions": {
					Doc:     "List the ids of all registered sessions.",
					Returns: map[string]string{"sessions": "The ids of all registered sessions."},
				},
			},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				switch msg.Op() {
				case "clone":
					var parent *Session
					if sid := msg.SessionID(); sid != "" {
						if parent = reg.Lookup(sid); parent == nil {
							msg.Reply(Message{"status": []string{"error", "unknown-session"}})
							return
						}
					}
					s := reg.Clone(parent, msg.Transport())
					msg.Reply(Message{"new-session": s.ID, "status": []string{"done"}})

				case "close":
					if !reg.Close(msg.SessionID()) {
						msg.Reply(Message{"status": []string{"error", "unknown-session"}})
						return
					}
					msg.Reply(Message{"status": []string{"done", "session-closed"}})

				case "ls-sessions":
					msg.Reply(Message{"sessions": reg.IDs(), "status": []string{"done"}})

				default:
					var s *Session
					if sid := msg.SessionID(); sid != "" {
						if s = reg.Lookup(sid); s == nil {
							msg.Reply(Message{"status": []string{"error", "unknown-session"}})
							return
						}
					} else {
						s = reg.Ephemeral(msg.Transport())
					}
					derived := msg.clone()
					derived[sessionKey] = s
					next(derived)
				}
			}
		},
	}
}
