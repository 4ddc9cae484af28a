// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link

import "expvar"

// linkMetrics record connection lifecycle counters, shared by all Conns.
type linkMetrics struct {
	connects expvar.Int // sessions established (dials and accepts do not differ here)
	timeouts expvar.Int // sessions lost to idle timeout

	emap *expvar.Map
}

var metrics = newLinkMetrics()

func newLinkMetrics() *linkMetrics {
	m := &linkMetrics{emap: new(expvar.Map)}
	m.emap.Set("connects", &m.connects)
	m.emap.Set("idle_timeouts", &m.timeouts)
	return m
}

// Metrics returns the connection metrics map. It is safe for the caller to
// add additional entries.
func Metrics() *expvar.Map { return metrics.emap }
