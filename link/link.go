// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package link manages the socket-level session with one peer: the activity
// clock, the heartbeat schedule, idle-timeout detection, and (for the client
// role) reconnection with exponential backoff.
//
// A Conn never blocks and never spawns goroutines. All time-driven behavior
// happens inside Update, which the owner calls once per iteration of its own
// loop with the current time.
package link

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by sockets and connections.
var (
	// ErrWouldBlock is returned by a Socket when no progress can be made
	// without blocking. It is the normal idle case, not a failure.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNotConnected is returned by Write when the connection is not in the
	// Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrIdleTimeout is the failure recorded when no traffic is observed for
	// longer than the configured timeout.
	ErrIdleTimeout = errors.New("idle timeout")
)

// A Socket is a non-blocking byte transport supplied to a Conn at
// construction. Send and Recv must not block: when no progress is possible
// they return 0 and [ErrWouldBlock]. Any other error is fatal to the session.
type Socket interface {
	// Send writes up to len(p) bytes and reports how many were accepted.
	Send(p []byte) (int, error)

	// Recv reads up to len(p) bytes and reports how many were received.
	Recv(p []byte) (int, error)

	// Close releases the socket. After Close all operations report an error.
	Close() error
}

// A Dialer opens a new Socket to the peer. It is called by a client-role Conn
// on every (re)connection attempt.
type Dialer func() (Socket, error)

// State describes the lifecycle position of a Conn.
type State int

const (
	Disconnected State = iota // no session; no reconnection scheduled
	Connecting                // client role, first dial attempt pending
	Connected                 // session established
	Backoff                   // client role, waiting to redial
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Backoff:
		return "BACKOFF"
	default:
		return fmt.Sprintf("STATE:%d", int(s))
	}
}

// Role distinguishes the dialing side from the accepting side. Only a client
// role Conn reconnects; a server-role session that drops stays dropped.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Default configuration values.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTimeout           = 60 * time.Second
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 30 * time.Second
)

// readQuantum is the buffer size for a single Recv pass.
const readQuantum = 4096

// Config carries the session timing parameters and lifecycle callbacks for a
// Conn. The zero value selects the defaults.
type Config struct {
	// HeartbeatInterval is how often a heartbeat is emitted while connected.
	// Default: 30s.
	HeartbeatInterval time.Duration

	// Timeout is how long the connection may be silent before it is declared
	// dead. It must be at least twice HeartbeatInterval. Default: 60s.
	Timeout time.Duration

	// InitialBackoff is the delay before the first reconnection attempt after
	// a failure. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the growth of the reconnection delay. Default: 30s.
	MaxBackoff time.Duration

	// OnConnect, if set, is invoked each time the connection reaches the
	// Connected state.
	OnConnect func()

	// OnDisconnect, if set, is invoked each time an established connection is
	// lost, with the cause. An explicit Disconnect reports a nil cause.
	OnDisconnect func(err error)
}

// withDefaults fills zero fields of c and validates the result. It panics if
// Timeout is less than twice HeartbeatInterval, which would let a healthy
// peer be declared dead between heartbeats.
func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Timeout < 2*c.HeartbeatInterval {
		panic(fmt.Sprintf("timeout %v is less than twice the heartbeat interval %v",
			c.Timeout, c.HeartbeatInterval))
	}
	return c
}

// A Conn is the session bookkeeping for exactly one peer. It owns the inbound
// and outbound byte buffers between the Socket and the framing layer above.
// A Conn is not safe for concurrent use.
type Conn struct {
	role Role
	cfg  Config
	sock Socket
	dial Dialer

	state         State
	err           error // cause of the most recent failure
	lastActivity  time.Time
	lastHeartbeat time.Time

	wait    time.Duration // current backoff delay (client role)
	retryAt time.Time     // earliest next dial attempt (client role)
	stopped bool          // Disconnect called; suppress reconnection

	rbuf []byte // bytes received but not yet consumed
	wbuf []byte // bytes written but not yet sent
}

// Accept wraps an already-established socket in a server-role Conn. The
// connection starts Connected with its activity clock set to now.
func Accept(sock Socket, cfg Config, now time.Time) *Conn {
	c := &Conn{
		role:          RoleServer,
		cfg:           cfg.withDefaults(),
		sock:          sock,
		state:         Connected,
		lastActivity:  now,
		lastHeartbeat: now,
	}
	metrics.connects.Add(1)
	return c
}

// Dial creates a client-role Conn that obtains its sockets from dial. No
// connection attempt is made until the first Update.
func Dial(dial Dialer, cfg Config, now time.Time) *Conn {
	c := &Conn{
		role:  RoleClient,
		cfg:   cfg.withDefaults(),
		dial:  dial,
		state: Connecting,
	}
	c.wait = c.cfg.InitialBackoff
	return c
}

// Role reports the role of the connection.
func (c *Conn) Role() Role { return c.role }

// State reports the current lifecycle state.
func (c *Conn) State() State { return c.state }

// Err reports the cause of the most recent failure, or nil.
func (c *Conn) Err() error { return c.err }

// LastActivity reports when a byte was last received from the peer.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// Touch marks peer activity at the given time. It is called whenever any
// byte, heartbeat traffic included, arrives from the peer.
func (c *Conn) Touch(now time.Time) {
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
}

// HeartbeatDue reports whether a heartbeat should be emitted now. The caller
// owns the heartbeat encoding; after sending it must call MarkHeartbeat.
func (c *Conn) HeartbeatDue(now time.Time) bool {
	return c.state == Connected && now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval
}

// MarkHeartbeat records that a heartbeat was emitted at now.
func (c *Conn) MarkHeartbeat(now time.Time) { c.lastHeartbeat = now }

// Update advances the session state machine: it detects idle timeout while
// connected, and performs due (re)connection attempts for the client role.
func (c *Conn) Update(now time.Time) {
	switch c.state {
	case Connected:
		if now.Sub(c.lastActivity) > c.cfg.Timeout {
			metrics.timeouts.Add(1)
			c.fail(ErrIdleTimeout, now)
		}
	case Connecting:
		c.tryDial(now)
	case Backoff:
		if !c.stopped && !now.Before(c.retryAt) {
			c.tryDial(now)
		}
	}
}

// tryDial performs one connection attempt. On success the backoff delay is
// reset; on failure it doubles, up to the configured ceiling.
func (c *Conn) tryDial(now time.Time) {
	sock, err := c.dial()
	if err != nil {
		c.err = err
		c.state = Backoff
		c.retryAt = now.Add(c.wait)
		c.wait = min(2*c.wait, c.cfg.MaxBackoff)
		return
	}
	c.sock = sock
	c.state = Connected
	c.err = nil
	c.wait = c.cfg.InitialBackoff
	c.lastActivity = now
	c.lastHeartbeat = now
	c.rbuf = c.rbuf[:0]
	c.wbuf = c.wbuf[:0]
	metrics.connects.Add(1)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
}

// fail tears down the current session. The client role schedules a redial
// with the backoff delay reset to its initial value; the server role stays
// Disconnected.
func (c *Conn) fail(err error, now time.Time) {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.err = err
	c.state = Disconnected
	c.rbuf = c.rbuf[:0]
	c.wbuf = c.wbuf[:0]
	if c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(err)
	}
	if c.role == RoleClient && !c.stopped {
		c.state = Backoff
		c.wait = c.cfg.InitialBackoff
		c.retryAt = now.Add(c.wait)
		c.wait = min(2*c.wait, c.cfg.MaxBackoff)
	}
}

// Abort forces the connection into the failed state with the given cause.
// It is used by the framing layer when the inbound stream is unrecoverable.
func (c *Conn) Abort(err error, now time.Time) {
	if c.state == Connected {
		c.fail(err, now)
	}
}

// Disconnect closes the session and suppresses any further automatic
// reconnection. OnDisconnect is invoked if a session was established.
func (c *Conn) Disconnect() {
	c.stopped = true
	wasConnected := c.state == Connected
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.state = Disconnected
	c.rbuf = c.rbuf[:0]
	c.wbuf = c.wbuf[:0]
	if wasConnected && c.cfg.OnDisconnect != nil {
		c.cfg.OnDisconnect(nil)
	}
}

// Fill performs one best-effort read pass, appending received bytes to the
// inbound buffer and advancing the activity clock. It reports the number of
// bytes received. A socket error other than [ErrWouldBlock] fails the
// connection.
func (c *Conn) Fill(now time.Time) int {
	if c.state != Connected {
		return 0
	}
	var total int
	for {
		var tmp [readQuantum]byte
		n, err := c.sock.Recv(tmp[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, tmp[:n]...)
			total += n
		}
		if err != nil {
			if !errors.Is(err, ErrWouldBlock) {
				c.fail(err, now)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		c.Touch(now)
	}
	return total
}

// Buffered returns the inbound bytes received but not yet consumed. The
// returned slice is valid until the next Fill or Consume.
func (c *Conn) Buffered() []byte { return c.rbuf }

// Consume discards the first n buffered inbound bytes.
func (c *Conn) Consume(n int) {
	c.rbuf = c.rbuf[:copy(c.rbuf, c.rbuf[n:])]
}

// Write queues p on the outbound buffer. The bytes leave on a later Flush.
func (c *Conn) Write(p []byte) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	c.wbuf = append(c.wbuf, p...)
	return nil
}

// Flush performs one best-effort write pass over the outbound buffer. A
// socket error other than [ErrWouldBlock] fails the connection.
func (c *Conn) Flush(now time.Time) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	for len(c.wbuf) > 0 {
		n, err := c.sock.Send(c.wbuf)
		if n > 0 {
			c.wbuf = c.wbuf[:copy(c.wbuf, c.wbuf[n:])]
		}
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			c.fail(err, now)
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}
