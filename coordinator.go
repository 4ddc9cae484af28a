// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wisp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// A Transport delivers validated message documents between a Coordinator and
// its peer. Pull returns the next decoded non-heartbeat message, or nil when
// none is ready; Push sends one message; Update performs one best-effort
// read/write pass. None of the methods may block.
//
// The stream package provides the chunked-HTTP implementation of this
// interface, for a single peer (stream.Transport) and for the server role
// with many peers (stream.Hub).
type Transport interface {
	// Pull returns the next available inbound message, or nil if none is
	// complete. An error means the peer's stream failed.
	Pull() ([]byte, error)

	// Push sends one message to the peer (or, server role, to all peers).
	Push(msg []byte) error

	// Update performs one I/O and bookkeeping pass at the given time.
	Update(now time.Time) error
}

// A Handler services a SYNC method. It runs entirely inside the Update call
// that dispatches the request, and its return value becomes the result sent
// to the peer. The returned value is serialized with encoding/json; a
// json.RawMessage is passed through as-is.
//
// By default an error is reported to the peer with code -32000 and the error
// text as its message. A handler may return an *RPCError to control the code.
type Handler func(params json.RawMessage) (any, error)

// An AsyncHandler services an ASYNC or ASYNC_STREAM method. It is invoked
// once per request, after the acknowledgement for the call has been queued.
// The handler may deliver its results through s immediately or hold on to s
// and deliver them from a later Update cycle; no response reaches the peer
// until the cycle that produces it completes.
type AsyncHandler func(s *Sender, params json.RawMessage) error

// Mode describes the calling convention of a bound method.
type Mode int

const (
	ModeSync        Mode = iota // result produced in the dispatching cycle
	ModeAsync                   // acknowledged, then exactly one Final
	ModeAsyncStream             // acknowledged, then Update* followed by Final
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "SYNC"
	case ModeAsync:
		return "ASYNC"
	case ModeAsyncStream:
		return "ASYNC_STREAM"
	default:
		return fmt.Sprintf("MODE:%d", int(m))
	}
}

// Errors reported by Sender methods on misuse.
var (
	// ErrCallDone is reported by a send on a call that already has its
	// terminal response.
	ErrCallDone = errors.New("call is already complete")

	// ErrNotStream is reported by SendUpdate on a call whose method was not
	// bound as ASYNC_STREAM.
	ErrNotStream = errors.New("call is not a streaming call")
)

// A FrameLogger observes a message exchanged with the peer.
type FrameLogger func(f FrameInfo)

// A FrameInfo combines a raw message document and its direction.
type FrameInfo struct {
	Data []byte // the message document
	Sent bool   // whether the message was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string { return fmt.Sprintf("%s %s", f.dir(), f.Data) }

// method is one registry entry.
type method struct {
	name  string
	mode  Mode
	sync  Handler      // ModeSync only
	async AsyncHandler // ModeAsync, ModeAsyncStream
}

// callState tracks the lifecycle of an asynchronous call.
type callState int

const (
	callAcked     callState = iota // acknowledgement queued, no results yet
	callStreaming                  // at least one update queued
	callDone                       // terminal response queued
)

// call is the bookkeeping for one pending asynchronous call. The handler
// never sees this struct; it holds only a Sender referencing it.
type call struct {
	key   string // normalized ID, the pending-table key
	id    json.RawMessage
	mode  Mode
	state callState
}

// MethodsName is the introspection method pre-bound on every Coordinator.
// It takes no parameters and returns the bound methods as a sorted array of
// {"name", "mode"} objects.
const MethodsName = "rpc.methods"

// A Coordinator binds method names to handlers and services calls arriving
// over a Transport. It owns its method registry and pending-call table
// outright: distinct Coordinators are fully independent endpoints.
//
// A Coordinator never blocks and spawns no goroutines; external code drives
// it by calling Update once per iteration of its own loop. It is not safe
// for concurrent use.
type Coordinator struct {
	tp      Transport
	methods map[string]*method
	calls   map[string]*call
	queue   []*Response
	limit   *rate.Limiter
	flog    FrameLogger
	closed  bool
}

// NewCoordinator constructs a Coordinator attached to tp. The introspection
// method [MethodsName] is pre-bound.
func NewCoordinator(tp Transport) *Coordinator {
	if tp == nil {
		panic("transport is nil")
	}
	c := &Coordinator{
		tp:      tp,
		methods: make(map[string]*method),
		calls:   make(map[string]*call),
	}
	return c.Bind(MethodsName, c.listMethods)
}

// Bind registers a SYNC method. Binding a name that is already bound
// replaces the previous handler. Bind panics if name is empty, fn is nil, or
// the coordinator has been shut down. It returns c to permit chaining.
func (c *Coordinator) Bind(name string, fn Handler) *Coordinator {
	c.bind(&method{name: name, mode: ModeSync, sync: fn}, fn == nil)
	return c
}

// BindAsync registers an ASYNC method: the call is acknowledged immediately
// and fn delivers exactly one terminal result through its Sender. It returns
// c to permit chaining.
func (c *Coordinator) BindAsync(name string, fn AsyncHandler) *Coordinator {
	c.bind(&method{name: name, mode: ModeAsync, async: fn}, fn == nil)
	return c
}

// BindStream registers an ASYNC_STREAM method: the call is acknowledged
// immediately and fn delivers zero or more updates followed by exactly one
// terminal result through its Sender. It returns c to permit chaining.
func (c *Coordinator) BindStream(name string, fn AsyncHandler) *Coordinator {
	c.bind(&method{name: name, mode: ModeAsyncStream, async: fn}, fn == nil)
	return c
}

func (c *Coordinator) bind(m *method, nilFn bool) {
	if m.name == "" {
		panic("method name is empty")
	} else if nilFn {
		panic(fmt.Sprintf("handler for %q is nil", m.name))
	} else if c.closed {
		panic("coordinator is closed")
	}
	c.methods[m.name] = m
}

// Unbind removes the binding for name, if one exists.
func (c *Coordinator) Unbind(name string) { delete(c.methods, name) }

// RateLimit attaches a token-bucket limiter to inbound requests. A request
// arriving over budget is refused with code -32005 without invoking its
// handler. A nil limiter removes the limit. It returns c to permit chaining.
func (c *Coordinator) RateLimit(l *rate.Limiter) *Coordinator {
	c.limit = l
	return c
}

// LogFrames registers a callback invoked for each message document exchanged
// with the peer. Heartbeats are consumed by the transport and are not seen
// here. Passing nil disables logging. It returns c to permit chaining.
func (c *Coordinator) LogFrames(f FrameLogger) *Coordinator {
	c.flog = f
	return c
}

// Pending reports the number of asynchronous calls awaiting their terminal
// response.
func (c *Coordinator) Pending() int { return len(c.calls) }

// Update performs one dispatch cycle: one transport I/O pass, then pull and
// dispatch every complete inbound request, then flush all queued responses.
// It reports the number of requests processed.
//
// This is the only method external code must call once per iteration of its
// own loop; everything else is event-shaped.
func (c *Coordinator) Update(now time.Time) int {
	c.tp.Update(now)

	var n int
	for {
		msg, err := c.tp.Pull()
		if err != nil || msg == nil {
			break
		}
		if c.flog != nil {
			c.flog(FrameInfo{Data: msg})
		}
		req, perr := ParseRequest(msg, now)
		if perr != nil {
			// Protocol-validation failure: the bytes are discarded with no
			// response and no handler may observe them.
			rootMetrics.reqDropped.Add(1)
			continue
		}
		rootMetrics.reqRecv.Add(1)
		n++
		c.dispatch(req)
	}
	c.flush()
	return n
}

// Shutdown fails every pending call with code -32001 and marks the
// coordinator closed: subsequent requests are refused with the same code,
// and further Bind calls panic. The terminal errors leave on the next
// Update.
func (c *Coordinator) Shutdown() {
	if c.closed {
		return
	}
	c.closed = true

	keys := make([]string, 0, len(c.calls))
	for key := range c.calls {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cl := c.calls[key]
		cl.state = callDone
		c.enqueue(Errorf(cl.id, CodeShuttingDown, "coordinator is shutting down"))
	}
	rootMetrics.callsPending.Add(-int64(len(c.calls)))
	clear(c.calls)
}

// dispatch routes one validated request to its handler.
func (c *Coordinator) dispatch(req *Request) {
	if c.closed {
		c.respond(req, Errorf(req.ID, CodeShuttingDown, "coordinator is shutting down"))
		return
	}
	if c.limit != nil && !c.limit.Allow() {
		c.respond(req, Errorf(req.ID, CodeRateLimited, "rate limited"))
		return
	}
	m, ok := c.methods[req.Method]
	if !ok {
		rootMetrics.unknownMethod.Add(1)
		c.respond(req, Errorf(req.ID, CodeUnknownMethod, "unknown method %q", req.Method))
		return
	}

	if m.mode == ModeSync {
		value, err := c.invokeSync(m, req)
		if err != nil {
			c.respond(req, errorFor(req.ID, err))
		} else {
			c.respond(req, Result(req.ID, value))
		}
		return
	}

	// Asynchronous modes: queue the acknowledgement before the handler runs,
	// so that Ack strictly precedes anything the handler sends.
	snd := &Sender{c: c}
	if req.IsNotification() {
		// No response is owed; the sender validates the calling discipline
		// but delivers nowhere.
		snd.call = &call{mode: m.mode}
		snd.mute = true
	} else {
		key := string(req.ID)
		if _, exists := c.calls[key]; exists {
			c.enqueue(Errorf(req.ID, CodeInvalidRequest, "duplicate request id %s", req.ID))
			return
		}
		cl := &call{key: key, id: req.ID, mode: m.mode}
		c.calls[key] = cl
		rootMetrics.callsPending.Add(1)
		c.enqueue(Ack(req.ID))
		snd.call = cl
	}
	if err := c.invokeAsync(m, snd, req); err != nil {
		snd.fail(err)
	}
}

// respond queues rsp unless req is a notification, which is owed nothing
// even on failure.
func (c *Coordinator) respond(req *Request, rsp *Response) {
	if !req.IsNotification() {
		c.enqueue(rsp)
	}
}

// invokeSync runs a SYNC handler with the dispatch-boundary panic guard and
// serializes its result.
func (c *Coordinator) invokeSync(m *method, req *Request) (_ json.RawMessage, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	v, err := m.sync(req.Params)
	if err != nil {
		return nil, err
	}
	return marshalValue(v)
}

// invokeAsync runs an ASYNC or ASYNC_STREAM handler with the same panic
// guard.
func (c *Coordinator) invokeAsync(m *method, snd *Sender, req *Request) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return m.async(snd, req.Params)
}

// enqueue appends rsp to the response queue for the flush phase.
func (c *Coordinator) enqueue(rsp *Response) { c.queue = append(c.queue, rsp) }

// flush pushes every queued response through the transport in order. If a
// push fails the connection is gone; the remaining responses are discarded,
// not retried across a reconnect.
func (c *Coordinator) flush() {
	for _, rsp := range c.queue {
		data, err := rsp.Encode()
		if err != nil {
			continue
		}
		if c.flog != nil {
			c.flog(FrameInfo{Data: data, Sent: true})
		}
		if err := c.tp.Push(data); err != nil {
			break
		}
		rootMetrics.rspSent.Add(1)
	}
	c.queue = c.queue[:0]
}

// listMethods implements the built-in introspection method.
func (c *Coordinator) listMethods(json.RawMessage) (any, error) {
	type info struct {
		Name string `json:"name"`
		Mode string `json:"mode"`
	}
	out := make([]info, 0, len(c.methods))
	for name, m := range c.methods {
		out = append(out, info{Name: name, Mode: m.mode.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// A Sender is the capability through which an asynchronous handler delivers
// its results. The coordinator enforces the response discipline at call
// time: for any call there is at most one terminal message, and it is the
// last message queued for that call's ID.
type Sender struct {
	c    *Coordinator
	call *call
	mute bool // notification: validate the discipline, deliver nothing
}

// Send delivers the terminal result of the call. Calling Send after the call
// is complete reports ErrCallDone and sends nothing.
func (s *Sender) Send(v any) error { return s.finish(v) }

// SendFinal delivers the terminal result of a streaming call. It is
// equivalent to Send.
func (s *Sender) SendFinal(v any) error { return s.finish(v) }

// SendUpdate delivers one intermediate value of an ASYNC_STREAM call.
// Calling SendUpdate on a call whose method was not bound as a stream is a
// programming error: it reports ErrNotStream and completes the call with a
// local error response.
func (s *Sender) SendUpdate(v any) error {
	cl := s.call
	if cl.state == callDone {
		return ErrCallDone
	}
	if cl.mode != ModeAsyncStream {
		s.fail(errors.New("update sent on a non-streaming call"))
		return ErrNotStream
	}
	data, err := marshalValue(v)
	if err != nil {
		s.fail(err)
		return err
	}
	cl.state = callStreaming
	if !s.mute {
		s.c.enqueue(Update(cl.id, data))
	}
	return nil
}

func (s *Sender) finish(v any) error {
	cl := s.call
	if cl.state == callDone {
		return ErrCallDone
	}
	data, err := marshalValue(v)
	if err != nil {
		s.fail(err)
		return err
	}
	s.done()
	if !s.mute {
		s.c.enqueue(Final(cl.id, data))
	}
	return nil
}

// fail completes the call with an error response, unless it already has a
// terminal message.
func (s *Sender) fail(err error) {
	if s.call.state == callDone {
		return
	}
	s.done()
	if !s.mute {
		s.c.enqueue(errorFor(s.call.id, err))
	}
}

// done retires the call from the pending table.
func (s *Sender) done() {
	s.call.state = callDone
	if !s.mute {
		delete(s.c.calls, s.call.key)
		rootMetrics.callsPending.Add(-1)
	}
}

// errorFor converts a handler error into an error response for id. An
// *RPCError keeps its code; any other error is a handler fault.
func errorFor(id json.RawMessage, err error) *Response {
	var re *RPCError
	if errors.As(err, &re) {
		return Errorf(id, re.Code, "%s", re.Message)
	}
	rootMetrics.handlerFault.Add(1)
	return Errorf(id, CodeServerError, "%s", err.Error())
}

// marshalValue serializes a handler-produced value. A nil value encodes as
// JSON null, and a json.RawMessage passes through unmodified.
func marshalValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return t, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling result: %w", err)
		}
		return data, nil
	}
}
