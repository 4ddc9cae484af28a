// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// sendPatience bounds how long a Net socket Send may wait for buffer space
// before reporting ErrWouldBlock. Kept short so the caller's loop stays live.
const sendPatience = 10 * time.Millisecond

// Net adapts a net.Conn into a non-blocking Socket using read and write
// deadlines to poll.
func Net(conn net.Conn) Socket { return netSocket{conn: conn} }

type netSocket struct{ conn net.Conn }

// Recv implements a method of the [Socket] interface.
func (s netSocket) Recv(p []byte) (int, error) {
	s.conn.SetReadDeadline(time.Now())
	n, err := s.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	return 0, err
}

// Send implements a method of the [Socket] interface.
func (s netSocket) Send(p []byte) (int, error) {
	s.conn.SetWriteDeadline(time.Now().Add(sendPatience))
	n, err := s.conn.Write(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Close implements a method of the [Socket] interface.
func (s netSocket) Close() error { return s.conn.Close() }

// NetDialer returns a Dialer that opens TCP connections to addr.
func NetDialer(network, addr string) Dialer {
	return func() (Socket, error) {
		conn, err := net.DialTimeout(network, addr, sendPatience*100)
		if err != nil {
			return nil, err
		}
		return Net(conn), nil
	}
}

// Pipe constructs a connected pair of in-memory sockets. Bytes sent on one
// side become available to Recv on the other. Both ends are safe for use from
// separate loops (each side locks the shared state).
func Pipe() (a, b Socket) {
	ab := &pipeBuf{}
	ba := &pipeBuf{}
	return &pipeSocket{wr: ab, rd: ba}, &pipeSocket{wr: ba, rd: ab}
}

// pipeBuf is one direction of a Pipe.
type pipeBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

type pipeSocket struct {
	wr, rd *pipeBuf
}

// Send implements a method of the [Socket] interface.
func (s *pipeSocket) Send(p []byte) (int, error) {
	s.wr.mu.Lock()
	defer s.wr.mu.Unlock()
	if s.wr.closed {
		return 0, net.ErrClosed
	}
	s.wr.data = append(s.wr.data, p...)
	return len(p), nil
}

// Recv implements a method of the [Socket] interface.
func (s *pipeSocket) Recv(p []byte) (int, error) {
	s.rd.mu.Lock()
	defer s.rd.mu.Unlock()
	if len(s.rd.data) == 0 {
		if s.rd.closed {
			return 0, net.ErrClosed
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, s.rd.data)
	s.rd.data = s.rd.data[:copy(s.rd.data, s.rd.data[n:])]
	return n, nil
}

// Close implements a method of the [Socket] interface. Closing one end makes
// the peer's Recv report net.ErrClosed once its buffered bytes drain.
func (s *pipeSocket) Close() error {
	for _, b := range []*pipeBuf{s.wr, s.rd} {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	return nil
}
