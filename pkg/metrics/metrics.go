/*
 * Copyright (c) 2021. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package metrics exposes the supervisor's own health as prometheus
// gauges/counters (SPEC_FULL.md §11): how many tasks are live, how many
// containers have been started, and how often a tracer has outrun the
// control channel's read buffer. It is deliberately small next to the
// teacher's own metrics package, which also tracked per-daemon
// filesystem I/O counters that have no counterpart here.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is this process's private prometheus registry, not the global
// default one, so a sandrun supervisor embedded as a library never
// collides with a host process's own metric names.
var Registry = prometheus.NewRegistry()

var (
	// TaskTable reports how many VPids the dispatcher currently has an
	// open task for. The dispatcher calls Set under the same lock that
	// guards its task map, on every insert and forget, so the gauge
	// never drifts from the map it mirrors.
	TaskTable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sandrun",
		Subsystem: "supervisor",
		Name:      "task_table_size",
		Help:      "Number of tasks currently tracked by the dispatcher.",
	})

	// ContainersStarted counts every StartContainer call that completed
	// its Init handshake, regardless of how the container later exits.
	ContainersStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sandrun",
		Subsystem: "supervisor",
		Name:      "containers_started_total",
		Help:      "Total containers whose tracer completed the Init handshake.",
	})

	// IPCBufferFull counts every time a control channel read found its
	// protocol.Buffer with no reservable space left (pkg/ipc's
	// ErrBufferFull) before a full message had arrived — a tracer
	// sending faster than the supervisor is draining the socket.
	IPCBufferFull = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sandrun",
		Subsystem: "ipc",
		Name:      "buffer_full_total",
		Help:      "Times a control channel read buffer filled before a message completed.",
	})
)

func init() {
	Registry.MustRegister(TaskTable, ContainersStarted, IPCBufferFull)
}
