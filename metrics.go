// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wisp

import "expvar"

// coordMetrics record coordinator activity counters.
type coordMetrics struct {
	reqRecv       expvar.Int // valid requests pulled from the transport
	reqDropped    expvar.Int // inbound documents discarded as malformed
	rspSent       expvar.Int // responses pushed to the transport
	unknownMethod expvar.Int // requests naming an unbound method
	handlerFault  expvar.Int // handler errors without an explicit code
	callsPending  expvar.Int // asynchronous calls awaiting a terminal response

	emap *expvar.Map
}

var rootMetrics = newCoordMetrics()

func newCoordMetrics() *coordMetrics {
	cm := &coordMetrics{emap: new(expvar.Map)}
	cm.emap.Set("requests_received", &cm.reqRecv)
	cm.emap.Set("requests_dropped", &cm.reqDropped)
	cm.emap.Set("responses_sent", &cm.rspSent)
	cm.emap.Set("unknown_methods", &cm.unknownMethod)
	cm.emap.Set("handler_faults", &cm.handlerFault)
	cm.emap.Set("calls_pending", &cm.callsPending)
	return cm
}

// Metrics returns a map of coordinator activity metrics, suitable for
// publication via the expvar package.
func Metrics() *expvar.Map { return rootMetrics.emap }
