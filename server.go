// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"

	"github.com/aaronc/tools.nrepl/bencode"
	"github.com/aaronc/tools.nrepl/history"
	"github.com/aaronc/tools.nrepl/runtime"
)

// An Accepter produces transports for incoming client connections.
type Accepter interface {
	// Accept blocks until a connection arrives or ctx ends.
	Accept(ctx context.Context) (Transport, error)
}

// ServerOptions control the construction of a Server. A nil *ServerOptions
// is ready for use and provides defaults.
type ServerOptions struct {
	// Registry is the session registry to serve. If nil, a fresh registry is
	// created.
	Registry *Registry

	// History, if set, records the code of every eval request given as a
	// source string and enables the history op.
	History *history.Store

	// Extra middleware to include in the stack, positioned by their own
	// descriptors.
	Extra []Middleware

	// Logf, if set, receives diagnostic log output.
	Logf func(format string, args ...any)
}

func (o *ServerOptions) registry() *Registry {
	if o == nil || o.Registry == nil {
		return NewRegistry()
	}
	return o.Registry
}

func (o *ServerOptions) logf(format string, args ...any) {
	if o != nil && o.Logf != nil {
		o.Logf(format, args...)
	}
}

// A Server accepts client connections and dispatches their requests through
// a middleware stack. Construct one with NewServer, then call Serve with an
// accepter, or Attach to serve transports obtained elsewhere.
type Server struct {
	reg     *Registry
	handler Handler
	opts    *ServerOptions
	tasks   *taskgroup.Group

	mu   sync.Mutex
	open mapset.Set[Transport]
}

// NewServer constructs a server for rt with the standard middleware stack:
// describe, pr-values, session, add-stdin, load-file, and the interruptible
// evaluator, plus the history op when a history store is configured.
func NewServer(rt runtime.Runtime, opts *ServerOptions) (*Server, error) {
	reg := opts.registry()
	tasks := taskgroup.New(nil)

	eopts := &EvalOptions{Pool: tasks}
	mws := []Middleware{
		Describe(),
		PrintValues(rt.Print),
		SessionMiddleware(reg),
		AddStdin(),
		LoadFile(),
		EvalMiddleware(rt, eopts),
	}
	if opts != nil && opts.History != nil {
		store := opts.History
		eopts.Record = func(sessionID, code string) {
			if _, err := store.Add(sessionID, code); err != nil {
				opts.logf("record history: %v", err)
			}
		}
		mws = append(mws, History(store))
	}
	if opts != nil {
		mws = append(mws, opts.Extra...)
	}

	handler, err := Stack(mws...)
	if err != nil {
		return nil, err
	}
	return &Server{
		reg:     reg,
		handler: handler,
		opts:    opts,
		tasks:   tasks,
		open:    mapset.New[Transport](),
	}, nil
}

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry { return s.reg }

// Handler returns the server's composed entry handler. The caller may use
// it to dispatch messages in-process; each message must carry a transport.
func (s *Server) Handler() Handler { return s.handler }

// Serve accepts connections from acc until acc fails or ctx ends, serving
// each connection on its own receive pump. When ctx ends the open
// connections are closed; Serve then waits for in-flight work to drain.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAll()
		case <-done:
		}
	}()

	for {
		t, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			s.tasks.Wait()
			return err
		}
		s.Attach(t)
	}
}

// Attach starts a receive pump for t on the server's worker pool. It does
// not block; use Wait to wait for all pumps to drain.
func (s *Server) Attach(t Transport) {
	s.mu.Lock()
	s.open.Add(t)
	s.mu.Unlock()
	metrics.connsActive.Add(1)

	s.tasks.Go(func() error {
		defer func() {
			s.mu.Lock()
			s.open.Remove(t)
			s.mu.Unlock()
			metrics.connsActive.Add(-1)
			t.Close()
		}()
		for {
			msg, err := t.Recv(Forever)
			if err != nil {
				// A decode failure is protocol fatal for this connection
				// only; a plain close is the normal end of a client.
				if !errors.Is(err, ErrClosed) {
					s.opts.logf("receive: %v", err)
				}
				return nil
			}
			metrics.msgRecv.Add(1)
			if msg.Op() == "" {
				s.opts.logf("message without op; closing connection")
				return nil
			}
			derived := msg.clone()
			derived[transportKey] = t
			s.tasks.Go(func() error {
				defer func() {
					if x := recover(); x != nil {
						s.opts.logf("handler panicked (recovered): %v", x)
					}
				}()
				s.handler(derived)
				return nil
			})
		}
	})
}

// Wait blocks until all connection pumps and handler goroutines have
// finished.
func (s *Server) Wait() { s.tasks.Wait() }

// Stop closes all open connections and waits for in-flight work to drain.
func (s *Server) Stop() {
	s.closeAll()
	s.tasks.Wait()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	open := s.open.Clone()
	s.mu.Unlock()
	for t := range open {
		t.Close()
	}
}

// AckPort dials addr and announces the given listening port with a
// netstring-framed ack message. Tooling that launched the server listens on
// addr to learn which port the server bound.
func AckPort(addr string, port int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	payload := bencode.Marshal(map[string]any{"op": "ack", "port": port})
	_, err = conn.Write(bencode.AppendNetstring(nil, payload))
	return err
}
