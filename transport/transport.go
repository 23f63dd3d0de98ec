// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package transport provides implementations of the nrepl.Transport
// interface: a Bencode-framed transport over byte streams (sockets, pipes),
// and an in-memory connected pair for tests and in-process embedding.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	nrepl "github.com/aaronc/tools.nrepl"
	"github.com/aaronc/tools.nrepl/bencode"
)

// Bencode constructs a transport that decodes messages from r and encodes
// messages to wc. A background reader posts decoded messages to a bounded
// mailbox drained by Recv; the write side is serialized so that concurrent
// senders produce well-framed output.
func Bencode(r io.Reader, wc io.WriteCloser) *Conn {
	t := &Conn{
		w:     bufio.NewWriter(wc),
		c:     wc,
		inbox: make(chan nrepl.Message, 64),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	go t.pump(bencode.NewDecoder(r))
	return t
}

// A Conn is a Bencode-framed transport over a byte stream pair.
type Conn struct {
	wmu sync.Mutex // serializes the write side
	w   *bufio.Writer
	c   io.Closer

	inbox chan nrepl.Message
	quit  chan struct{} // closed by Close, releases a blocked pump
	done  chan struct{} // closed by the pump after err is set
	err   error

	closeOnce sync.Once
}

// pump repeatedly decodes one message and posts it to the mailbox. On
// stream end or a decode failure it records the terminal error; Recv
// surfaces it after the mailbox drains.
func (t *Conn) pump(dec *bencode.Decoder) {
	for {
		v, err := dec.Decode()
		if err != nil {
			t.fail(err)
			return
		}
		msg, err := nrepl.FromWire(v)
		if err != nil {
			t.fail(err)
			return
		}
		select {
		case t.inbox <- msg:
		case <-t.quit:
			t.fail(nrepl.ErrClosed)
			return
		}
	}
}

func (t *Conn) fail(err error) {
	if isClosed(err) {
		err = nrepl.ErrClosed
	}
	t.err = err
	close(t.done)
}

// isClosed reports whether err is an ordinary end-of-stream condition
// rather than a framing failure.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, nrepl.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed")
}

// Send implements a method of the [nrepl.Transport] interface.
func (t *Conn) Send(msg nrepl.Message) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := bencode.Encode(t.w, map[string]any(msg)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return t.w.Flush()
}

// Recv implements a method of the [nrepl.Transport] interface. Messages
// already decoded before a failure are delivered before the failure is
// reported.
func (t *Conn) Recv(timeout time.Duration) (nrepl.Message, error) {
	// Fast path: a message is already waiting.
	select {
	case msg := <-t.inbox:
		return msg, nil
	default:
	}

	var expire <-chan time.Time
	if timeout != nrepl.Forever {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.done:
		// The pump has stopped, but it may have posted messages after we
		// checked the mailbox.
		select {
		case msg := <-t.inbox:
			return msg, nil
		default:
			return nil, t.err
		}
	case <-expire:
		return nil, nrepl.ErrTimeout
	}
}

// Close implements a method of the [nrepl.Transport] interface.
func (t *Conn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		err = t.c.Close()
	})
	return err
}

// Dial connects to a server at the given TCP address and returns a Bencode
// transport over the connection.
func Dial(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Bencode(conn, conn), nil
}
