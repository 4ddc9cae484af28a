// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link_test

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/glowkit/wisp/link"
	"github.com/google/go-cmp/cmp"
)

// A fakeSocket is a scripted Socket for tests: Recv delivers the contents of
// in, then reports fail if set, otherwise ErrWouldBlock; Send accepts
// everything into out.
type fakeSocket struct {
	in     []byte
	out    []byte
	fail   error
	closed int
}

func (s *fakeSocket) Recv(p []byte) (int, error) {
	if len(s.in) == 0 {
		if s.fail != nil {
			return 0, s.fail
		}
		return 0, link.ErrWouldBlock
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeSocket) Send(p []byte) (int, error) {
	s.out = append(s.out, p...)
	return len(p), nil
}

func (s *fakeSocket) Close() error { s.closed++; return nil }

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestConfigValidation(t *testing.T) {
	mtest.MustPanicf(t, func() {
		link.Accept(&fakeSocket{}, link.Config{
			HeartbeatInterval: 10 * time.Second,
			Timeout:           15 * time.Second,
		}, baseTime)
	}, "timeout less than twice the heartbeat interval must panic")

	// Exactly twice is permitted.
	c := link.Accept(&fakeSocket{}, link.Config{
		HeartbeatInterval: 10 * time.Second,
		Timeout:           20 * time.Second,
	}, baseTime)
	if got := c.State(); got != link.Connected {
		t.Errorf("State: got %v, want %v", got, link.Connected)
	}
}

func TestIdleTimeout(t *testing.T) {
	sock := &fakeSocket{}
	var drops []error
	c := link.Accept(sock, link.Config{
		OnDisconnect: func(err error) { drops = append(drops, err) },
	}, baseTime)

	// Just inside the default 60s window: still connected.
	c.Update(baseTime.Add(60 * time.Second))
	if got := c.State(); got != link.Connected {
		t.Fatalf("State at 60s: got %v, want %v", got, link.Connected)
	}

	// Past the window: the session fails exactly once.
	for range 3 {
		c.Update(baseTime.Add(61 * time.Second))
	}
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State at 61s: got %v, want %v", got, link.Disconnected)
	}
	if !errors.Is(c.Err(), link.ErrIdleTimeout) {
		t.Errorf("Err: got %v, want %v", c.Err(), link.ErrIdleTimeout)
	}
	if len(drops) != 1 || !errors.Is(drops[0], link.ErrIdleTimeout) {
		t.Errorf("OnDisconnect calls: got %v, want one ErrIdleTimeout", drops)
	}
	if sock.closed != 1 {
		t.Errorf("Socket closed %d times, want 1", sock.closed)
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	sock := &fakeSocket{}
	c := link.Accept(sock, link.Config{}, baseTime)

	// Traffic arriving at 50s restarts the clock; 61s is then in bounds.
	sock.in = []byte("hello")
	if n := c.Fill(baseTime.Add(50 * time.Second)); n != 5 {
		t.Fatalf("Fill: got %d bytes, want 5", n)
	}
	c.Update(baseTime.Add(61 * time.Second))
	if got := c.State(); got != link.Connected {
		t.Errorf("State: got %v, want %v", got, link.Connected)
	}
	c.Update(baseTime.Add(111 * time.Second))
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State: got %v, want %v", got, link.Disconnected)
	}
}

func TestHeartbeatSchedule(t *testing.T) {
	c := link.Accept(&fakeSocket{}, link.Config{}, baseTime)

	if c.HeartbeatDue(baseTime.Add(29 * time.Second)) {
		t.Error("HeartbeatDue at 29s: got true, want false")
	}
	at := baseTime.Add(30 * time.Second)
	if !c.HeartbeatDue(at) {
		t.Error("HeartbeatDue at 30s: got false, want true")
	}
	c.MarkHeartbeat(at)
	if c.HeartbeatDue(at.Add(29 * time.Second)) {
		t.Error("HeartbeatDue at 59s: got true, want false")
	}
	if !c.HeartbeatDue(at.Add(30 * time.Second)) {
		t.Error("HeartbeatDue at 60s: got false, want true")
	}
}

func TestClientBackoff(t *testing.T) {
	var dials int
	c := link.Dial(func() (link.Socket, error) {
		dials++
		return nil, errors.New("connection refused")
	}, link.Config{}, baseTime)

	now := baseTime
	c.Update(now) // first attempt
	if dials != 1 {
		t.Fatalf("Dial attempts: got %d, want 1", dials)
	}
	if got := c.State(); got != link.Backoff {
		t.Fatalf("State: got %v, want %v", got, link.Backoff)
	}

	// Successive retry delays double from 1s and saturate at 30s.
	wantDelays := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range wantDelays {
		c.Update(now.Add(d - time.Millisecond))
		if dials != i+1 {
			t.Fatalf("Attempts before delay %v: got %d, want %d", d, dials, i+1)
		}
		now = now.Add(d)
		c.Update(now)
		if dials != i+2 {
			t.Fatalf("Attempts after delay %v: got %d, want %d", d, dials, i+2)
		}
	}
}

func TestBackoffResetsOnSuccess(t *testing.T) {
	var dials int
	var ok bool
	c := link.Dial(func() (link.Socket, error) {
		dials++
		if ok {
			return &fakeSocket{}, nil
		}
		return nil, errors.New("connection refused")
	}, link.Config{}, baseTime)

	now := baseTime
	c.Update(now) // fails; next retry in 1s
	now = now.Add(1 * time.Second)
	c.Update(now) // fails; next retry in 2s

	ok = true
	now = now.Add(2 * time.Second)
	c.Update(now)
	if got := c.State(); got != link.Connected {
		t.Fatalf("State: got %v, want %v", got, link.Connected)
	}

	// After a failure the delay starts over at 1s, not where it left off.
	cause := errors.New("stream corrupted")
	c.Abort(cause, now)
	if got := c.State(); got != link.Backoff {
		t.Fatalf("State after abort: got %v, want %v", got, link.Backoff)
	}
	before := dials
	c.Update(now.Add(999 * time.Millisecond))
	if dials != before {
		t.Errorf("Dialed before backoff expired (attempts %d)", dials)
	}
	c.Update(now.Add(1 * time.Second))
	if dials != before+1 {
		t.Errorf("Attempts after 1s: got %d, want %d", dials, before+1)
	}
}

func TestServerDoesNotReconnect(t *testing.T) {
	c := link.Accept(&fakeSocket{}, link.Config{}, baseTime)
	c.Abort(errors.New("peer vanished"), baseTime)
	for i := range 5 {
		c.Update(baseTime.Add(time.Duration(i+1) * time.Minute))
	}
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State: got %v, want %v", got, link.Disconnected)
	}
}

func TestDisconnect(t *testing.T) {
	sock := &fakeSocket{}
	var drops []error
	dial := func() (link.Socket, error) { return sock, nil }
	c := link.Dial(dial, link.Config{
		OnDisconnect: func(err error) { drops = append(drops, err) },
	}, baseTime)
	c.Update(baseTime)
	if got := c.State(); got != link.Connected {
		t.Fatalf("State: got %v, want %v", got, link.Connected)
	}

	c.Disconnect()
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State: got %v, want %v", got, link.Disconnected)
	}
	if sock.closed != 1 {
		t.Errorf("Socket closed %d times, want 1", sock.closed)
	}
	if diff := cmp.Diff([]error{nil}, drops, cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("OnDisconnect calls (-want, +got):\n%s", diff)
	}

	// No reconnection is ever scheduled after an explicit Disconnect.
	for i := range 5 {
		c.Update(baseTime.Add(time.Duration(i+1) * time.Minute))
	}
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State after updates: got %v, want %v", got, link.Disconnected)
	}
}

func TestBufferedIO(t *testing.T) {
	sock := &fakeSocket{}
	c := link.Accept(sock, link.Config{}, baseTime)

	sock.in = []byte("abcdef")
	c.Fill(baseTime)
	if got := string(c.Buffered()); got != "abcdef" {
		t.Errorf("Buffered: got %q, want %q", got, "abcdef")
	}
	c.Consume(4)
	if got := string(c.Buffered()); got != "ef" {
		t.Errorf("Buffered after Consume: got %q, want %q", got, "ef")
	}

	if err := c.Write([]byte("out1")); err != nil {
		t.Errorf("Write: unexpected error: %v", err)
	}
	if len(sock.out) != 0 {
		t.Errorf("Sent before Flush: %q", sock.out)
	}
	if err := c.Flush(baseTime); err != nil {
		t.Errorf("Flush: unexpected error: %v", err)
	}
	if got := string(sock.out); got != "out1" {
		t.Errorf("Sent: got %q, want %q", got, "out1")
	}
}

func TestWriteNotConnected(t *testing.T) {
	c := link.Dial(func() (link.Socket, error) {
		return nil, errors.New("nope")
	}, link.Config{}, baseTime)
	if err := c.Write([]byte("x")); !errors.Is(err, link.ErrNotConnected) {
		t.Errorf("Write: got error %v, want %v", err, link.ErrNotConnected)
	}
}

func TestSocketFailure(t *testing.T) {
	sock := &fakeSocket{fail: errors.New("reset by peer")}
	var drops []error
	c := link.Accept(sock, link.Config{
		OnDisconnect: func(err error) { drops = append(drops, err) },
	}, baseTime)

	c.Fill(baseTime)
	if got := c.State(); got != link.Disconnected {
		t.Errorf("State: got %v, want %v", got, link.Disconnected)
	}
	if len(drops) != 1 || drops[0] == nil {
		t.Errorf("OnDisconnect calls: got %v, want one non-nil", drops)
	}
}
