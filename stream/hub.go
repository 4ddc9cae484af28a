// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package stream

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/glowkit/wisp/link"
)

// An Accepter yields sockets for newly arrived peers without blocking: when
// no connection is pending it reports link.ErrWouldBlock.
type Accepter interface {
	Accept() (link.Socket, error)
}

// A Hub serves the server role for any number of peers, each on its own
// independent Transport and Connection. It implements the wisp.Transport
// interface: Pull drains peers round-robin, and Push broadcasts to every
// currently connected peer. Dropped peers are discarded on the next Update;
// future connections are accepted independently.
type Hub struct {
	acc  Accepter
	cfg  link.Config
	opts Options

	ts   []*Transport
	next int // round-robin pull cursor
}

// NewHub creates a Hub accepting peers from acc, with cfg applied to every
// accepted connection.
func NewHub(acc Accepter, cfg link.Config, opts Options) *Hub {
	return &Hub{acc: acc, cfg: cfg, opts: opts}
}

// Len reports the number of live peer sessions.
func (h *Hub) Len() int { return len(h.ts) }

// Update accepts any pending peers, runs one cycle on every session, and
// drops sessions that have disconnected.
func (h *Hub) Update(now time.Time) error {
	for {
		sock, err := h.acc.Accept()
		if err != nil {
			break // no pending connection, or the listener is down
		}
		conn := link.Accept(sock, h.cfg, now)
		h.ts = append(h.ts, New(conn, h.opts))
	}

	live := h.ts[:0]
	for _, t := range h.ts {
		t.Update(now)
		if t.Conn().State() == link.Connected {
			live = append(live, t)
		}
	}
	clear(h.ts[len(live):])
	h.ts = live
	if h.next >= len(h.ts) {
		h.next = 0
	}
	return nil
}

// Pull returns the next available message from any peer, scanning round-robin
// so that one busy peer cannot starve the others.
func (h *Hub) Pull() ([]byte, error) {
	for i := range h.ts {
		t := h.ts[(h.next+i)%len(h.ts)]
		msg, err := t.Pull()
		if err != nil {
			continue // that peer's stream failed; its session is dropped next Update
		}
		if msg != nil {
			h.next = (h.next + i + 1) % len(h.ts)
			return msg, nil
		}
	}
	return nil, nil
}

// Push broadcasts msg to every connected peer. Push does not fail the hub:
// a peer that cannot be written to simply misses the message, the same as a
// response lost to a dropped connection.
func (h *Hub) Push(msg []byte) error {
	for _, t := range h.ts {
		t.Push(msg)
	}
	return nil
}

// Disconnect tears down every live session.
func (h *Hub) Disconnect() {
	for _, t := range h.ts {
		t.Conn().Disconnect()
	}
	h.ts = nil
}

// NetAccepter adapts a net.Listener into a non-blocking Accepter by polling
// with an immediate deadline. The listener must support deadlines (TCP and
// Unix listeners do); otherwise NetAccepter panics.
func NetAccepter(lst net.Listener) Accepter {
	dl, ok := lst.(deadlineListener)
	if !ok {
		panic(fmt.Sprintf("listener type %T does not support deadlines", lst))
	}
	return netAccepter{lst: dl}
}

type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

type netAccepter struct{ lst deadlineListener }

// Accept implements a method of the [Accepter] interface.
func (n netAccepter) Accept() (link.Socket, error) {
	n.lst.SetDeadline(time.Now())
	conn, err := n.lst.Accept()
	if err != nil {
		return nil, value.Cond[error](errors.Is(err, os.ErrDeadlineExceeded), link.ErrWouldBlock, err)
	}
	return link.Net(conn), nil
}
