/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/sandpit/sandrun/pkg/protocol"
)

func TestTableInsertAssignsIncreasingVPids(t *testing.T) {
	tb := newTable()
	t1 := &Task{}
	t2 := &Task{}

	v1 := tb.insert(protocol.SysPid(100), t1)
	v2 := tb.insert(protocol.SysPid(200), t2)
	assert.Assert(t, v2 > v1)
	assert.Equal(t, t1.vpid, v1)
	assert.Equal(t, t2.vpid, v2)
}

func TestTableLookupIsBijective(t *testing.T) {
	tb := newTable()
	task := &Task{}
	vpid := tb.insert(protocol.SysPid(42), task)

	byV, err := tb.byVPidLocked(vpid)
	assert.NilError(t, err)
	assert.Equal(t, byV, task)

	byP, ok := tb.bySysPidLocked(protocol.SysPid(42))
	assert.Assert(t, ok)
	assert.Equal(t, byP, task)
}

func TestTableRemoveDropsBothKeys(t *testing.T) {
	tb := newTable()
	task := &Task{}
	vpid := tb.insert(protocol.SysPid(7), task)

	tb.remove(task)

	_, err := tb.byVPidLocked(vpid)
	assert.ErrorContains(t, err, "unknown VPid")
	_, ok := tb.bySysPidLocked(protocol.SysPid(7))
	assert.Assert(t, !ok)
}

func TestTableLenTracksLiveTasks(t *testing.T) {
	tb := newTable()
	assert.Equal(t, tb.len(), 0)
	tb.insert(protocol.SysPid(1), &Task{})
	tb.insert(protocol.SysPid(2), &Task{})
	assert.Equal(t, tb.len(), 2)
}

func TestStashDrainPendingReplaysInOrder(t *testing.T) {
	tb := newTable()
	ev1 := Event{Kind: EventSignal, Status: 1}
	ev2 := Event{Kind: EventSignal, Status: 2}

	tb.stash(protocol.SysPid(55), ev1)
	tb.stash(protocol.SysPid(55), ev2)

	got := tb.drainPending(protocol.SysPid(55))
	assert.DeepEqual(t, got, []Event{ev1, ev2})

	// Draining clears it; a second drain sees nothing.
	assert.Equal(t, len(tb.drainPending(protocol.SysPid(55))), 0)
}

func TestStashCapsAtEventQueueCapacity(t *testing.T) {
	tb := newTable()
	for i := 0; i < eventQueueCapacity+5; i++ {
		tb.stash(protocol.SysPid(9), Event{Kind: EventSignal})
	}
	assert.Equal(t, len(tb.drainPending(protocol.SysPid(9))), eventQueueCapacity)
}

func TestEnqueueOverflowPanics(t *testing.T) {
	task := &Task{vpid: 9, queue: make(chan Event, eventQueueCapacity)}
	task.enqueue(Event{Kind: EventSignal})
	task.enqueue(Event{Kind: EventMessage})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected overflow panic")
		}
	}()
	task.enqueue(Event{Kind: EventSignal})
}
