// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// A Client drives a REPL server over a transport. It correlates streamed
// responses with their requests by id; messages that carry no known id
// (asynchronous output, need-input prompts) are delivered to the callback
// registered with OnAsync.
//
// A Client is safe for concurrent use by multiple goroutines.
type Client struct {
	t     Transport
	async atomic.Value // func(Message)
	next  atomic.Int64

	mu      sync.Mutex
	pending map[string]chan Message

	done chan struct{}
	err  error
}

// NewClient constructs a client on t and starts its receive loop. Call Stop
// to shut the client down.
func NewClient(t Transport) *Client {
	c := &Client{
		t:       t,
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// OnAsync registers a callback for messages that do not belong to any
// pending call. Passing nil drops such messages.
func (c *Client) OnAsync(f func(Message)) { c.async.Store(f) }

func (c *Client) run() {
	for {
		msg, err := c.t.Recv(Forever)
		if err != nil {
			c.mu.Lock()
			c.err = err
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = nil
			c.mu.Unlock()
			close(c.done)
			return
		}

		c.mu.Lock()
		ch := c.pending[msg.ID()]
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
			continue
		}
		if f, ok := c.async.Load().(func(Message)); ok && f != nil {
			f(msg)
		}
	}
}

// Stop closes the transport and waits for the receive loop to exit.
// Pending calls fail with the transport's terminal error.
func (c *Client) Stop() error {
	err := c.t.Close()
	<-c.done
	return err
}

// HasStatus reports whether the message's status set contains tag.
func HasStatus(msg Message, tag string) bool {
	switch status := msg["status"].(type) {
	case []string:
		for _, s := range status {
			if s == tag {
				return true
			}
		}
	case []any:
		for _, s := range status {
			if s == any(tag) {
				return true
			}
		}
	}
	return false
}

// Call sends req, assigning it a fresh id unless it has one, and invokes
// each for every response bearing that id, in arrival order. Call returns
// after delivering the response tagged done, whose status is returned.
// If ctx ends first, remaining responses for the call are discarded.
func (c *Client) Call(ctx context.Context, req Message, each func(Message)) (Message, error) {
	id := req.ID()
	if id == "" {
		id = fmt.Sprintf("c%d", c.next.Add(1))
		req = req.clone()
		req["id"] = id
	}

	ch := make(chan Message, 64)
	c.mu.Lock()
	if c.pending == nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.t.Send(req); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil, c.err
			}
			if each != nil {
				each(msg)
			}
			if HasStatus(msg, "done") {
				return msg, nil
			}
		}
	}
}

// Clone creates a new session, optionally from the named parent, and
// returns its id.
func (c *Client) Clone(ctx context.Context, parent string) (string, error) {
	req := Message{"op": "clone"}
	if parent != "" {
		req["session"] = parent
	}
	var id string
	_, err := c.Call(ctx, req, func(msg Message) {
		if s := msg.String("new-session"); s != "" {
			id = s
		}
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("clone: no new-session in response")
	}
	return id, nil
}

// CloseSession closes the named session.
func (c *Client) CloseSession(ctx context.Context, session string) error {
	_, err := c.Call(ctx, Message{"op": "close", "session": session}, nil)
	return err
}

// LsSessions returns the ids of the server's registered sessions.
func (c *Client) LsSessions(ctx context.Context) ([]string, error) {
	var ids []string
	_, err := c.Call(ctx, Message{"op": "ls-sessions"}, func(msg Message) {
		switch list := msg["sessions"].(type) {
		case []string:
			ids = append(ids, list...)
		case []any:
			for _, elt := range list {
				if s, ok := elt.(string); ok {
					ids = append(ids, s)
				}
			}
		}
	})
	return ids, err
}

// Eval evaluates code in the named session, delivering each streamed
// response to each, and returns the final status message.
func (c *Client) Eval(ctx context.Context, session, code string, each func(Message)) (Message, error) {
	return c.Call(ctx, Message{"op": "eval", "session": session, "code": code}, each)
}

// Interrupt interrupts the evaluation with id evalID (or whatever is
// running, if evalID is "") in the named session, returning the final
// status message of the interrupt request.
func (c *Client) Interrupt(ctx context.Context, session, evalID string) (Message, error) {
	req := Message{"op": "interrupt", "session": session}
	if evalID != "" {
		req["interrupt-id"] = evalID
	}
	return c.Call(ctx, req, nil)
}

// Stdin appends data to the named session's standard input.
func (c *Client) Stdin(ctx context.Context, session, data string) error {
	_, err := c.Call(ctx, Message{"op": "stdin", "session": session, "stdin": data}, nil)
	return err
}

// Describe returns the server's op and version description.
func (c *Client) Describe(ctx context.Context, verbose bool) (Message, error) {
	req := Message{"op": "describe"}
	if verbose {
		req["verbose?"] = "true"
	}
	var desc Message
	_, err := c.Call(ctx, req, func(msg Message) { desc = msg })
	return desc, err
}

// LoadFile evaluates the given file contents in the named session, as eval
// does.
func (c *Client) LoadFile(ctx context.Context, session, contents string, each func(Message)) (Message, error) {
	return c.Call(ctx, Message{"op": "load-file", "session": session, "file": contents}, each)
}
