// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package transport

import (
	"time"

	nrepl "github.com/aaronc/tools.nrepl"
)

// Pipe constructs a connected pair of in-memory transports that pass
// messages directly without encoding: two blocking queues, crossed.
// Messages sent to A are received by B and vice versa. Closing an end closes
// only its outgoing queue: the peer's Recv then reports ErrClosed, as does a
// later Send on the closed end. A Recv pending on the closing end itself is
// not unblocked; it ends only when the peer closes its own end.
func Pipe() (A, B nrepl.Transport) {
	a2b := make(chan nrepl.Message, 64)
	b2a := make(chan nrepl.Message, 64)
	A = pipe{send: a2b, recv: b2a}
	B = pipe{send: b2a, recv: a2b}
	return
}

type pipe struct {
	send chan<- nrepl.Message
	recv <-chan nrepl.Message
}

// Send implements a method of the [nrepl.Transport] interface.
func (p pipe) Send(msg nrepl.Message) (err error) {
	defer safeClose(&err)
	p.send <- msg
	return nil
}

// Recv implements a method of the [nrepl.Transport] interface.
func (p pipe) Recv(timeout time.Duration) (nrepl.Message, error) {
	var expire <-chan time.Time
	if timeout != nrepl.Forever {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case msg, ok := <-p.recv:
		if !ok {
			return nil, nrepl.ErrClosed
		}
		return msg, nil
	case <-expire:
		return nil, nrepl.ErrTimeout
	}
}

// Close implements a method of the [nrepl.Transport] interface.
func (p pipe) Close() (err error) {
	defer safeClose(&err)
	close(p.send)
	return nil
}

// safeClose converts a panic from sending on or closing an already-closed
// queue into ErrClosed.
func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = nrepl.ErrClosed
	}
}
