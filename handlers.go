// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"github.com/aaronc/tools.nrepl/history"
)

// Version is the protocol implementation version reported by describe.
const Version = "0.1.0"

// Describe services the describe op, reporting the aggregated op table of
// every middleware in the stack along with version information.
func Describe() Middleware {
	var stack []Descriptor
	return Middleware{
		Descriptor: Descriptor{
			Name: "describe",
			Handles: map[string]OpInfo{
				"describe": {
					Doc:      "Describe available ops and version information.",
					Optional: map[string]string{"verbose?": "Include op documentation in the reply."},
					Returns: map[string]string{
						"ops":      "Map of op names to op descriptions.",
						"versions": "Map of component names to version strings.",
					},
				},
			},
		},
		Init: func(descs []Descriptor) { stack = descs },
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				if msg.Op() != "describe" {
					next(msg)
					return
				}
				_, verbose := msg["verbose?"]
				ops := make(map[string]any)
				for _, desc := range stack {
					for op, info := range desc.Handles {
						if !verbose {
							ops[op] = map[string]any{}
							continue
						}
						ops[op] = map[string]any{
							"doc":      info.Doc,
							"requires": stringMap(info.Requires),
							"optional": stringMap(info.Optional),
							"returns":  stringMap(info.Returns),
						}
					}
				}
				msg.Reply(Message{
					"ops":      ops,
					"versions": map[string]any{"nrepl": Version},
					"aux":      map[string]any{},
					"status":   []string{"done"},
				})
			}
		},
	}
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for key, val := range m {
		out[key] = val
	}
	return out
}

// PrintValues post-processes outgoing responses, rendering every value slot
// (strings included) to its printed representation before it reaches the
// wire. It must sit outside the eval middleware in the stack.
func PrintValues(print func(any) string) Middleware {
	return Middleware{
		Descriptor: Descriptor{
			Name:    "pr-values",
			Expects: []string{"eval"},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				t := msg.Transport()
				if t == nil {
					next(msg)
					return
				}
				derived := msg.clone()
				derived[transportKey] = &printingTransport{Transport: t, print: print}
				next(derived)
			}
		},
	}
}

// printingTransport renders the value slot of outgoing messages to text.
type printingTransport struct {
	Transport
	print func(any) string
}

func (t *printingTransport) Send(msg Message) error {
	if v, ok := msg["value"]; ok {
		out := make(Message, len(msg))
		for key, val := range msg {
			out[key] = val
		}
		out["value"] = t.print(v)
		msg = out
	}
	return t.Transport.Send(msg)
}

// AddStdin services the stdin op, feeding input to the standard input
// stream of the message's session. Evaluations that read past the available
// input announce a need-input status and block until the next stdin op.
func AddStdin() Middleware {
	return Middleware{
		Descriptor: Descriptor{
			Name:     "add-stdin",
			Requires: []string{"session"},
			Expects:  []string{"eval"},
			Handles: map[string]OpInfo{
				"stdin": {
					Doc:      "Append input to the session's standard input stream.",
					Requires: map[string]string{"stdin": "The input to append."},
				},
			},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				if msg.Op() != "stdin" {
					next(msg)
					return
				}
				msg.Session().in.feed([]byte(msg.String("stdin")))
				msg.Reply(Message{"status": []string{"done"}})
			}
		},
	}
}

// LoadFile rewrites a load-file request into an eval of the file's contents
// and passes it down the chain; the response stream is that of the eval.
func LoadFile() Middleware {
	return Middleware{
		Descriptor: Descriptor{
			Name:    "load-file",
			Expects: []string{"eval"},
			Handles: map[string]OpInfo{
				"load-file": {
					Doc:      "Evaluate the contents of a file, streaming results as eval does.",
					Requires: map[string]string{"file": "Full contents of the file to be evaluated."},
					Optional: map[string]string{
						"file-name": "Name of the source file, for diagnostics.",
						"file-path": "Path of the source file, for diagnostics.",
					},
				},
			},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				if msg.Op() != "load-file" {
					next(msg)
					return
				}
				derived := msg.clone()
				derived["op"] = "eval"
				derived["code"] = msg.String("file")
				delete(derived, "file")
				next(derived)
			}
		},
	}
}

// History services the history op, reporting the code of evaluations
// recorded for the message's session, oldest first.
func History(store *history.Store) Middleware {
	return Middleware{
		Descriptor: Descriptor{
			Name:     "history",
			Requires: []string{"session"},
			Handles: map[string]OpInfo{
				"history": {
					Doc:     "List the code evaluated in this session, oldest first.",
					Returns: map[string]string{"history": "The recorded eval sources."},
				},
			},
		},
		Wrap: func(next Handler) Handler {
			return func(msg Message) {
				if msg.Op() != "history" {
					next(msg)
					return
				}
				entries, err := store.List(msg.Session().ID)
				if err != nil {
					msg.Reply(Message{"status": []string{"done", "error"}, "err": err.Error()})
					return
				}
				codes := make([]string, len(entries))
				for i, e := range entries {
					codes[i] = e.Code
				}
				msg.Reply(Message{"history": codes, "status": []string{"done"}})
			}
		},
	}
}
