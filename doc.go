// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package nrepl implements the core of a network REPL server and client: a
// Bencode-framed request/response protocol that lets remote tools drive an
// embedded language runtime interactively.
//
// # Overview
//
// A server accepts concurrent client connections, each carrying a stream of
// request messages. Messages are dispatched through a composable chain of
// middleware; the built-in middleware evaluate code in persistent named
// sessions, forward standard output and error in real time, feed standard
// input, and interrupt running evaluations.
//
// The language being served is a black box behind the [runtime.Runtime]
// interface; any runtime that can read source into forms and evaluate forms
// against an environment can sit behind the server.
//
// # Servers
//
// To serve a runtime over TCP:
//
//	srv, err := nrepl.NewServer(rt, nil)
//	if err != nil {
//	   log.Fatal(err)
//	}
//	lst, err := net.Listen("tcp", "localhost:7888")
//	...
//	srv.Serve(ctx, transport.NetAccepter(lst))
//
// The middleware stack is assembled by topological sort over each
// middleware's declared position constraints; see [Stack]. Custom ops are
// added by passing extra [Middleware] values in [ServerOptions].
//
// # Sessions
//
// Evaluation state lives in sessions: the current namespace, the last three
// results (*1 *2 *3), the last error (*e), and the standard stream
// adapters. Sessions are created with the clone op, listed with
// ls-sessions, and discarded with close. Each session runs at most one
// evaluation at a time; further evals queue FIFO behind it.
//
// # Clients
//
// [Client] drives a server over any [Transport]:
//
//	c := nrepl.NewClient(t)
//	sid, err := c.Clone(ctx, "")
//	...
//	c.Eval(ctx, sid, "(+ 1 2)", func(msg nrepl.Message) {
//	   fmt.Println(msg["value"])
//	})
//
// # Wire protocol
//
// Messages are Bencode dictionaries with byte-string keys; see the bencode
// package for framing and the op table reported by the describe op for the
// request surface.
package nrepl
