// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package runtime defines the boundary between the REPL protocol machinery
// and the language runtime being served. The server treats the runtime as a
// black box that reads source text into forms and evaluates forms against an
// environment; any language with those two operations can sit behind it.
package runtime

import (
	"context"
	"io"
)

// An Env carries the dynamic context of one evaluation: the current
// namespace, the standard streams to use, and the dynamic variable bindings
// (including the last-result slots *1, *2, *3 and the last error *e).
//
// Eval may mutate Namespace and Vars; the caller decides what to merge back
// into its persistent state when the evaluation completes.
type Env struct {
	Namespace string
	Stdout    io.Writer
	Stderr    io.Writer
	Stdin     io.Reader
	Vars      map[string]any
}

// A Runtime evaluates code on behalf of the server.
//
// Eval must honor cancellation of ctx at its iteration and read boundaries,
// returning an error satisfying errors.Is(err, context.Canceled); the server
// relies on this for the interrupt op. Eval is never called concurrently for
// the same Env.
type Runtime interface {
	// Read parses src into a sequence of forms.
	Read(src string) ([]any, error)

	// Eval evaluates a single form in env and returns its value.
	Eval(ctx context.Context, form any, env *Env) (any, error)

	// Print renders a value the way the language prints data readably.
	Print(v any) string
}

// NamespaceChecker is an optional interface a Runtime may implement to let
// the server validate the ns field of an eval request before queueing it.
type NamespaceChecker interface {
	HasNamespace(ns string) bool
}
