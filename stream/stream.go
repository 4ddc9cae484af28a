// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream composes a link.Conn with the chunk codec to present a
// message-level transport to the RPC coordinator: Pull returns the next
// decoded non-heartbeat message, Push sends one message, and Update performs
// one best-effort read/write pass plus connection upkeep.
//
// Heartbeat traffic never surfaces past this package: a received ping is
// answered with a pong, both directions advance the peer's activity clock,
// and the coordinator sees neither.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/glowkit/wisp"
	"github.com/glowkit/wisp/chunk"
	"github.com/glowkit/wisp/link"
)

// DefaultPath is the request path used by the client-role HTTP preamble.
const DefaultPath = "/rpc"

// Options configure a Transport. The zero value is ready for use.
type Options struct {
	// MaxMessageSize bounds one chunk and the growth of an incomplete inbound
	// chunk. Default: chunk.DefaultMaxSize.
	MaxMessageSize int

	// NoHandshake disables the HTTP preamble exchange, for deployments that
	// carry chunks on a raw socket.
	NoHandshake bool

	// Path is the request path sent in the client-role preamble.
	// Default: DefaultPath.
	Path string
}

func (o Options) path() string {
	if o.Path == "" {
		return DefaultPath
	}
	return o.Path
}

// handshake phases.
type hsPhase int

const (
	hsStart hsPhase = iota // preamble not yet written (client) or not due (server)
	hsAwait                // preamble written, waiting for the peer's head
	hsDone                 // chunks may flow
)

var headEnd = []byte("\r\n\r\n")

// maxHead bounds the size of a peer's preamble head.
const maxHead = 8 * 1024

// A Transport carries wisp messages for one peer over a chunked stream. It
// implements the wisp.Transport interface. A Transport is not safe for
// concurrent use.
type Transport struct {
	conn *link.Conn
	opts Options

	phase hsPhase
	was   link.State // connection state at the end of the previous Update
	now   time.Time  // time of the most recent Update
}

// New wraps conn in a Transport. The transport assumes sole ownership of the
// connection's buffered byte streams.
func New(conn *link.Conn, opts Options) *Transport {
	t := &Transport{conn: conn, opts: opts, was: conn.State()}
	if opts.NoHandshake {
		t.phase = hsDone
	}
	if conn.State() == link.Connected {
		t.begin()
	}
	return t
}

// Conn returns the underlying connection.
func (t *Transport) Conn() *link.Conn { return t.conn }

// Update performs one cycle: a read pass, connection upkeep, handshake
// progress, due heartbeat emission, and a write pass.
func (t *Transport) Update(now time.Time) error {
	t.now = now
	t.conn.Fill(now)
	t.conn.Update(now)

	// A fresh session (initial connect or client-role reconnect) restarts the
	// preamble exchange.
	if st := t.conn.State(); st == link.Connected && t.was != link.Connected {
		t.begin()
	}
	t.was = t.conn.State()

	t.advanceHandshake(now)

	if t.phase == hsDone && t.conn.HeartbeatDue(now) {
		if err := t.conn.Write(chunk.Encode(wisp.Ping())); err == nil {
			t.conn.MarkHeartbeat(now)
			metrics.heartbeatSent.Add(1)
		}
	}
	if t.conn.State() == link.Connected {
		t.conn.Flush(now)
	}
	return t.conn.Err()
}

// begin resets the handshake for a newly established session and, in the
// client role, queues the request head.
func (t *Transport) begin() {
	if t.opts.NoHandshake {
		t.phase = hsDone
		return
	}
	if t.conn.Role() == link.RoleClient {
		head := fmt.Sprintf("POST %s HTTP/1.1\r\n"+
			"Content-Type: application/json\r\n"+
			"Transfer-Encoding: chunked\r\n\r\n", t.opts.path())
		t.conn.Write([]byte(head))
		t.phase = hsAwait
	} else {
		t.phase = hsStart // wait for the client's request head first
	}
}

// advanceHandshake consumes the peer's preamble head once it is fully
// buffered, and in the server role answers with the response head. A head
// that grows past maxHead aborts the connection.
func (t *Transport) advanceHandshake(now time.Time) {
	if t.phase == hsDone || t.conn.State() != link.Connected {
		return
	}
	buf := t.conn.Buffered()
	end := bytes.Index(buf, headEnd)
	if end < 0 {
		if len(buf) > maxHead {
			t.conn.Abort(errors.New("oversized preamble"), now)
		}
		return
	}
	head := buf[:end]
	t.conn.Consume(end + len(headEnd))

	if t.conn.Role() == link.RoleClient {
		// Expect a success status line from the controller.
		if !bytes.HasPrefix(head, []byte("HTTP/1.1 200")) {
			line, _, _ := bytes.Cut(head, []byte("\r\n"))
			t.conn.Abort(fmt.Errorf("handshake refused: %q", line), now)
			return
		}
	} else {
		t.conn.Write([]byte("HTTP/1.1 200 OK\r\n" +
			"Content-Type: application/json\r\n" +
			"Transfer-Encoding: chunked\r\n\r\n"))
	}
	t.phase = hsDone
}

// Pull decodes and returns the next buffered non-heartbeat message, or nil if
// none is complete. Heartbeats are consumed here: a ping queues a pong reply,
// and both shapes are then discarded. A malformed chunk stream aborts the
// connection and is reported as an error.
func (t *Transport) Pull() ([]byte, error) {
	if t.phase != hsDone || t.conn.State() != link.Connected {
		return nil, nil
	}
	for {
		msg, n, err := chunk.Decode(t.conn.Buffered(), t.opts.MaxMessageSize)
		if err != nil {
			t.conn.Consume(n)
			t.conn.Abort(err, t.now)
			if errors.Is(err, chunk.ErrStreamEnd) {
				return nil, nil // clean close by the peer
			}
			return nil, err
		}
		if msg == nil {
			return nil, nil // incomplete chunk; wait for more bytes
		}
		t.conn.Consume(n)

		if ping, ok := wisp.IsHeartbeat(msg); ok {
			metrics.heartbeatRecv.Add(1)
			// Activity was already recorded when the bytes arrived; a ping
			// additionally earns a pong.
			if ping {
				t.conn.Write(chunk.Encode(wisp.Pong()))
			}
			continue
		}
		return msg, nil
	}
}

// Push encodes msg as one chunk, queues it, and attempts an immediate flush
// so that responses normally leave in the same Update cycle that produced
// them.
func (t *Transport) Push(msg []byte) error {
	if t.phase != hsDone || t.conn.State() != link.Connected {
		return link.ErrNotConnected
	}
	if err := t.conn.Write(chunk.Encode(msg)); err != nil {
		return err
	}
	return t.conn.Flush(t.now)
}
