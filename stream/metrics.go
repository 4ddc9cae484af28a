// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package stream

import "expvar"

// streamMetrics record heartbeat traffic counters, shared by all Transports.
type streamMetrics struct {
	heartbeatSent expvar.Int
	heartbeatRecv expvar.Int

	emap *expvar.Map
}

var metrics = newStreamMetrics()

func newStreamMetrics() *streamMetrics {
	m := &streamMetrics{emap: new(expvar.Map)}
	m.emap.Set("heartbeats_sent", &m.heartbeatSent)
	m.emap.Set("heartbeats_received", &m.heartbeatRecv)
	return m
}

// Metrics returns the transport metrics map. It is safe for the caller to
// add additional entries.
func Metrics() *expvar.Map { return metrics.emap }
