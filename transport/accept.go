// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package transport

import (
	"context"
	"net"

	"github.com/creachadair/taskgroup"

	nrepl "github.com/aaronc/tools.nrepl"
)

// NetAccepter adapts a net.Listener to the nrepl.Accepter interface. Each
// accepted connection is wrapped in a Bencode transport.
func NetAccepter(lst net.Listener) nrepl.Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (nrepl.Transport, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return Bencode(conn, conn), nil
}
