// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/taskgroup"

	"github.com/aaronc/tools.nrepl/runtime"
)

// EvalOptions control the construction of the eval middleware.
type EvalOptions struct {
	// Pool, if set, is the worker pool evaluation tasks are scheduled on.
	// When nil, each task runs on a goroutine of its own.
	Pool *taskgroup.Group

	// Record, if set, is called with the session id and source of every eval
	// request admitted to a session queue whose code is a source string;
	// requests carrying pre-parsed forms are not recorded. The server uses
	// this to feed the evaluation history store.
	Record func(sessionID, code string)
}

// EvalMiddleware services the eval and interrupt ops against rt.
//
// Each session owns a FIFO queue of evaluation tasks and runs at most one at
// a time. The dispatcher is stateless: a finishing task pops the queue head
// and schedules it on the pool before returning, so no goroutine is parked
// on an idle session.
func EvalMiddleware(rt runtime.Runtime, opts *EvalOptions) Middleware {
	if opts == nil {
		opts = new(EvalOptions)
	}
	spawn := func(f func()) { taskgroup.Go(func() error { f(); return nil }) }
	if opts.Pool != nil {
		pool := opts.Pool
		spawn = func(f func()) { pool.Go(func() error { f(); return nil }) }
	}

	return Middleware{
		Descriptor: Descriptor{
			Name:     "interruptible-eval",
			Requires: []string{"session"},
			Handles: map[string]OpInfo{
				"eval": {
					Doc:      "Evaluate code in the message's session, streaming results.",
					Requires: map[string]string{"code": "The code to be evaluated.", "session": "The session to evaluate in."},
					Optional: map[string]string{"id": "A token correlating the streamed responses.", "ns": "The namespace to evaluate in."},
					Returns: map[string]string{
						"value": "The result of evaluating a form, one response per form.",
						"ns":    "The namespace after evaluating the form.",
					},
				},
				"interrupt": {
					Doc:      "Interrupt the evaluation currently running in the session, if any.",
					Requires: map[string]string{"session": "The session whose evaluation to interrupt."},
					Optional: map[string]string{"interrupt-id": "The id of the eval to interrupt."},
				},
			},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				switch msg.Op() {
				case "eval":
					sess := msg.Session()
					if _, ok := msg["code"]; !ok {
						msg.Reply(Message{"status": []string{"done", "error", "no-code"}})
						return
					}
					if ns := msg.String("ns"); ns != "" {
						if c, ok := rt.(runtime.NamespaceChecker); ok && !c.HasNamespace(ns) {
							msg.Reply(Message{"status": []string{"done", "error", "namespace-not-found"}})
							return
						}
					}
					if opts.Record != nil {
						if code, ok := msg["code"].(string); ok {
							opts.Record(sess.ID, code)
						}
					}
					sess.enqueue(spawn, evalTask(rt, msg))

				case "interrupt":
					interrupt(msg)

				default:
					next(msg)
				}
			}
		},
	}
}

// enqueue admits task to s's queue. If the session is idle the submitter
// dispatches the task immediately; otherwise the task waits its turn.
func (s *Session) enqueue(spawn func(func()), task func()) {
	s.mu.Lock()
	if s.running {
		s.queue = append(s.queue, task)
		s.mu.Unlock()
		metrics.evalsQueued.Add(1)
		return
	}
	s.running = true
	s.mu.Unlock()
	spawn(func() { s.work(spawn, task) })
}

// work runs task to completion, then pops the queue head, if any, and
// schedules it before returning.
func (s *Session) work(spawn func(func()), task func()) {
	metrics.evalsActive.Add(1)
	task()
	metrics.evalsActive.Add(-1)

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	metrics.evalsQueued.Add(-1)
	spawn(func() { s.work(spawn, next) })
}

// beginEval records msg as the evaluation currently running in s, with the
// cancellation hook an interrupt will invoke.
func (s *Session) beginEval(msg Message, cancel context.CancelFunc) {
	s.in.resume()
	s.mu.Lock()
	s.evalMsg = msg
	s.cancel = cancel
	s.mu.Unlock()
}

// endEval clears the current-evaluation metadata of s.
func (s *Session) endEval() {
	s.mu.Lock()
	s.evalMsg = nil
	s.cancel = nil
	s.mu.Unlock()
}

// evalTask returns the evaluation task for one eval request.
func evalTask(rt runtime.Runtime, msg Message) func() {
	return func() {
		sess := msg.Session()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		// A read blocked on session stdin cannot observe ctx directly; kick
		// it loose when the evaluation is cancelled.
		stop := context.AfterFunc(ctx, sess.in.interrupt)
		defer stop()

		sess.beginEval(msg, cancel)
		defer func() {
			sess.out.Flush()
			sess.errw.Flush()
			sess.endEval()
		}()

		forms, err := readForms(rt, msg["code"])
		if err != nil {
			sess.reportError(msg, err)
			msg.Reply(Message{"status": []string{"done"}})
			return
		}

		env := sess.newEnv(msg.String("ns"))
		interrupted := false
		for _, form := range forms {
			v, err := rt.Eval(ctx, form, env)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				// The interrupt path has already emitted the interrupted
				// status; the eval ends with a plain done and the result
				// slots are left alone.
				interrupted = true
				break
			}
			if err != nil {
				sess.reportError(msg, err)
				env.Vars["*e"] = err
				continue
			}
			sess.pushValue(v)
			env.Vars["*3"], env.Vars["*2"], env.Vars["*1"] = env.Vars["*2"], env.Vars["*1"], v
			sess.out.Flush()
			sess.errw.Flush()
			msg.Reply(Message{"value": v, "ns": env.Namespace})
		}
		if !interrupted {
			// Merge the mutated dynamic context back into the session.
			sess.mu.Lock()
			sess.ns = env.Namespace
			sess.mu.Unlock()
		}
		msg.Reply(Message{"status": []string{"done"}})
	}
}

// readForms extracts the forms of an eval request's code field, which is
// either a source string or a pre-parsed list of forms.
func readForms(rt runtime.Runtime, code any) ([]any, error) {
	switch t := code.(type) {
	case string:
		return rt.Read(t)
	case []any:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot evaluate code of type %T", code)
	}
}

// newEnv captures a snapshot of s's dynamic state for one evaluation. When
// ns is non-empty it overrides the session's current namespace.
func (s *Session) newEnv(ns string) *runtime.Env {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns == "" {
		ns = s.ns
	}
	vars := map[string]any{
		"*1": s.vals[0], "*2": s.vals[1], "*3": s.vals[2],
	}
	if s.lastErr != nil {
		vars["*e"] = s.lastErr
	}
	for key, val := range s.ext {
		vars[key] = val
	}
	return &runtime.Env{
		Namespace: ns,
		Stdout:    s.out,
		Stderr:    s.errw,
		Stdin:     s.in,
		Vars:      vars,
	}
}

// pushValue rotates v into the session's result slots: *2 moves to *3, *1
// to *2, and v becomes *1.
func (s *Session) pushValue(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[2] = s.vals[1]
	s.vals[1] = s.vals[0]
	s.vals[0] = v
}

// reportError records err as the session's *e and streams the eval-error
// status plus a diagnostic rendering on the error stream.
func (s *Session) reportError(msg Message, err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	msg.Reply(Message{
		"status":  []string{"eval-error"},
		"ex":      typeName(err),
		"root-ex": typeName(rootCause(err)),
	})
	fmt.Fprintln(s.errw, err.Error())
	s.out.Flush()
	s.errw.Flush()
}

// interrupt services one interrupt request against the session attached to
// the message.
func interrupt(msg Message) {
	metrics.interruptsIn.Add(1)
	sess := msg.Session()

	sess.mu.Lock()
	cur, cancel := sess.evalMsg, sess.cancel
	sess.mu.Unlock()

	if cancel == nil {
		msg.Reply(Message{"status": []string{"done", "session-idle"}})
		return
	}
	if want := msg.String("interrupt-id"); want != "" && want != cur.ID() {
		msg.Reply(Message{"status": []string{"done", "error", "interrupt-id-mismatch"}})
		return
	}

	// The interrupted tag must reach the transport before the eval's own
	// done, so emit it before raising the cancellation.
	cur.Reply(Message{"status": []string{"interrupted"}})
	cancel()
	msg.Reply(Message{"status": []string{"done"}})
}

// typeName renders the concrete type of err, used for the ex and root-ex
// slots of an eval-error response.
func typeName(err error) string { return fmt.Sprintf("%T", err) }

// rootCause unwraps err to the end of its cause chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
