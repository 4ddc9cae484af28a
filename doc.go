// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wisp implements a JSON-RPC 2.0 calling facility for long-lived
// streams between an embedded controller and its operator.
//
// Wisp carries JSON-RPC message documents over a persistent HTTP connection
// with chunked transfer encoding, one document per chunk. The design target
// is a small controller without threads: nothing in this package blocks or
// spawns a goroutine. Every component exposes a single Update method, and
// external code drives the whole stack by calling Update once per iteration
// of its own loop with the current time.
//
// # Coordinators
//
// The core type defined by this package is the [Coordinator]. A coordinator
// binds method names to handlers and services calls arriving over a
// [Transport].
//
// To create a coordinator and bind a method:
//
//	c := wisp.NewCoordinator(tp)
//	c.Bind("status", func(params json.RawMessage) (any, error) {
//	   return currentStatus(), nil
//	})
//
// Then drive it from the main loop:
//
//	for {
//	   c.Update(time.Now())
//	   // ... other work ...
//	}
//
// Each Update pulls every complete inbound request, dispatches it, and
// flushes the queued responses. Handlers run inside Update, on the caller's
// goroutine.
//
// # Calling conventions
//
// A method is bound in one of three modes. [Coordinator.Bind] registers a
// SYNC method, whose return value becomes the result in the same cycle.
// [Coordinator.BindAsync] registers an ASYNC method: the call is
// acknowledged first, and the handler delivers exactly one terminal result
// through a [Sender]. [Coordinator.BindStream] registers an ASYNC_STREAM
// method, whose handler may deliver any number of updates before the
// terminal result.
//
// A handler holding a Sender may deliver from a later Update cycle, so a
// slow operation can be spread across iterations of the main loop:
//
//	c.BindStream("scan", func(s *wisp.Sender, params json.RawMessage) error {
//	   pending = append(pending, s) // serviced by later cycles
//	   return nil
//	})
//
// The coordinator enforces the response discipline: every call gets at most
// one terminal message, and it is the last message sent for that call's ID.
//
// # Transports
//
// The [Transport] interface defines the ability to exchange message
// documents with a peer without blocking. The stream package provides the
// chunked-HTTP implementation for one peer (stream.Transport) and for the
// server role with many peers (stream.Hub); the link package underneath
// handles heartbeats, idle timeouts, and client-role reconnection with
// exponential backoff.
//
// # Errors
//
// By default a handler error is reported to the peer with code -32000
// ([CodeServerError]) and the error text as its message. A handler that
// needs a specific code returns an [*RPCError]:
//
//	return nil, &wisp.RPCError{Code: wisp.CodeInvalidParams, Message: "want two integers"}
//
// A handler panic is recovered at the dispatch boundary and reported to the
// peer the same way as an ordinary error.
//
// # Metrics
//
// Coordinators maintain a collection of metrics while running. Use the
// [Metrics] function to obtain an [expvar.Map] containing the metrics
// exported by this package. Metrics are shared globally among all
// coordinators.
//
// The metrics currently exported include:
//
//   - requests_received: counter of valid requests received
//   - requests_dropped: counter of inbound documents discarded as malformed
//   - responses_sent: counter of responses sent
//   - unknown_methods: counter of requests naming an unbound method
//   - handler_faults: counter of handler errors without an explicit code
//   - calls_pending: gauge of asynchronous calls awaiting a terminal response
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package wisp
