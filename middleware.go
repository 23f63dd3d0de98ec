// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"github.com/creachadair/mds/mapset"
)

// A Handler processes one request message. Handlers emit responses by
// sending on the transport attached to the message; they return nothing.
type Handler func(Message)

// An OpInfo documents one op handled by a middleware, for the describe op.
type OpInfo struct {
	Doc      string            // one-line description of the op
	Requires map[string]string // required request keys and their meaning
	Optional map[string]string // optional request keys and their meaning
	Returns  map[string]string // response keys the op may produce
}

// A Descriptor gives a middleware's identity and its position constraints in
// the composed stack. Elements of Requires and Expects are either middleware
// names or op names; an op name resolves to the middleware whose Handles map
// contains that op.
type Descriptor struct {
	Name     string            // middleware identity, e.g. "session"
	Requires []string          // must appear before this middleware
	Expects  []string          // must appear after this middleware
	Handles  map[string]OpInfo // ops this middleware services
}

// A Middleware wraps a handler with additional behavior. The Wrap function
// receives the next handler in the chain; the returned handler must pass
// through any message whose op it does not service.
type Middleware struct {
	Descriptor

	Wrap func(next Handler) Handler

	// Init, if set, is called by Stack with the descriptors of the full
	// linearized stack before composition. The describe middleware uses this
	// to aggregate the op table it reports.
	Init func(stack []Descriptor)
}

// Stack linearizes the given middleware by their declared constraints and
// composes them into a single entry handler.
//
// Linearization builds a graph with an edge r→H for each r in H.Requires and
// H→e for each e in H.Expects, then topologically sorts it; ties are broken
// by the order middleware were passed in, so the output is stable. The first
// middleware in sorted order becomes the outermost wrapper. An unresolved or
// ambiguous reference, or a cycle, is reported as a *ConfigError.
//
// The innermost handler responds to any op that reaches it with
// status [done error unknown-op].
func Stack(mws ...Middleware) (Handler, error) {
	sorted, err := linearize(mws)
	if err != nil {
		return nil, err
	}

	descs := make([]Descriptor, len(sorted))
	for i, mw := range sorted {
		descs[i] = mw.Descriptor
	}
	for _, mw := range sorted {
		if mw.Init != nil {
			mw.Init(descs)
		}
	}

	h := unknownOp
	for i := len(sorted) - 1; i >= 0; i-- {
		h = sorted[i].Wrap(h)
	}
	return h, nil
}

// unknownOp is the terminal handler for ops no middleware claimed.
func unknownOp(msg Message) {
	msg.Reply(Message{
		"op":     msg.Op(),
		"status": []string{"done", "error", "unknown-op"},
	})
}

// resolve maps the reference ref (a middleware name or op name) to the index
// of the middleware it denotes.
func resolve(mws []Middleware, ref string) (int, error) {
	found := -1
	for i, mw := range mws {
		if mw.Name == ref {
			if found >= 0 {
				return 0, configErrf("reference %q is ambiguous", ref)
			}
			found = i
		}
	}
	if found >= 0 {
		return found, nil
	}
	for i, mw := range mws {
		if _, ok := mw.Handles[ref]; ok {
			if found >= 0 {
				return 0, configErrf("op %q is handled by multiple middleware", ref)
			}
			found = i
		}
	}
	if found < 0 {
		return 0, configErrf("reference %q does not resolve to any middleware", ref)
	}
	return found, nil
}

// linearize returns mws in an order satisfying every Requires and Expects
// edge, breaking ties by input position.
func linearize(mws []Middleware) ([]Middleware, error) {
	pred := make([]mapset.Set[int], len(mws)) // i's predecessors
	for i, mw := range mws {
		for _, ref := range mw.Requires {
			j, err := resolve(mws, ref)
			if err != nil {
				return nil, err
			}
			if j != i {
				if pred[i] == nil {
					pred[i] = mapset.New[int]()
				}
				pred[i].Add(j)
			}
		}
		for _, ref := range mw.Expects {
			j, err := resolve(mws, ref)
			if err != nil {
				return nil, err
			}
			if j != i {
				if pred[j] == nil {
					pred[j] = mapset.New[int]()
				}
				pred[j].Add(i)
			}
		}
	}

	// Kahn's algorithm, always choosing the lowest-index ready node so that
	// unconstrained middleware keep their input order.
	out := make([]Middleware, 0, len(mws))
	done := make([]bool, len(mws))
	for len(out) < len(mws) {
		pick := -1
		for i := range mws {
			if done[i] {
				continue
			}
			ready := true
			for j := range pred[i] {
				if !done[j] {
					ready = false
					break
				}
			}
			if ready {
				pick = i
				break
			}
		}
		if pick < 0 {
			return nil, configErrf("middleware dependencies contain a cycle")
		}
		out = append(out, mws[pick])
		done[pick] = true
	}
	return out, nil
}
