// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

package nrepl

import "expvar"

// serverMetrics record server activity counters.
type serverMetrics struct {
	msgRecv        expvar.Int // number of messages received
	msgSent        expvar.Int // number of messages sent
	connsActive    expvar.Int // connections currently open
	evalsActive    expvar.Int // evaluations currently executing
	evalsQueued    expvar.Int // evaluations waiting in session queues
	interruptsIn   expvar.Int // number of interrupt requests received
	sessionsActive expvar.Int // sessions currently registered

	emap *expvar.Map
}

var metrics = newServerMetrics()

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{emap: new(expvar.Map)}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("connections_active", &m.connsActive)
	m.emap.Set("evals_active", &m.evalsActive)
	m.emap.Set("evals_queued", &m.evalsQueued)
	m.emap.Set("interrupts_in", &m.interruptsIn)
	m.emap.Set("sessions_active", &m.sessionsActive)
	return m
}

// Metrics returns the metrics map shared by all servers in the process. It
// is safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return metrics.emap }
