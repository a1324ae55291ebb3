/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package scheduler runs the tracer's per-task cooperative state
// machines: one goroutine per guest task, each pinned to its own OS
// thread (ptrace is thread-affined on Linux — only the thread that
// attached a tracee may issue further ptrace ops against it), fed by a
// capacity-2 event queue the central reaper and IPC reader fill
// (SPEC_FULL.md §4.5, §5).
package scheduler

import "golang.org/x/sys/unix"

// EventKind discriminates the two things a task coroutine can be woken
// by.
type EventKind int

const (
	EventSignal EventKind = iota
	EventMessage
)

// Event is one item in a task's event queue.
type Event struct {
	Kind EventKind

	// Populated when Kind == EventSignal.
	Status unix.WaitStatus

	// Populated when Kind == EventMessage: the decoded reply body
	// addressed to this task by the supervisor.
	Message interface{}
}
