/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sandpit/sandrun/pkg/protocol"
)

// table holds the tracer's VPid<->SysPid bijection and the live Task
// for each. The IPC reader goroutine and the wait-reaper goroutine both
// look tasks up by different keys, so access is mutex-guarded even
// though each individual task's state is only ever touched by its own
// goroutine (SPEC_FULL.md §5).
type table struct {
	mu      sync.Mutex
	byVPid  map[protocol.VPid]*Task
	bySysPid map[protocol.SysPid]*Task
	next    protocol.VPid

	// pending holds wait4 events for a SysPid the reap loop observed
	// before the corresponding Task existed: a traced fork/vfork/clone
	// can raise the child's own initial stop before the parent's
	// coroutine has finished registering it (see Task.handleForkFamily).
	// Capped at eventQueueCapacity per pid, matching the bound a Task's
	// own queue would apply once it exists.
	pending map[protocol.SysPid][]Event
}

func newTable() *table {
	return &table{
		byVPid:   make(map[protocol.VPid]*Task),
		bySysPid: make(map[protocol.SysPid]*Task),
		next:     1,
		pending:  make(map[protocol.SysPid][]Event),
	}
}

// insert allocates a fresh VPid for sysPid and registers t under both
// keys.
func (tb *table) insert(sysPid protocol.SysPid, t *Task) protocol.VPid {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	vpid := tb.next
	tb.next++
	t.vpid = vpid
	t.sysPid = sysPid
	tb.byVPid[vpid] = t
	tb.bySysPid[sysPid] = t
	return vpid
}

// stash records ev for a sysPid the reap loop doesn't recognize yet,
// to be replayed once a Task for it is registered (drainPending).
func (tb *table) stash(sysPid protocol.SysPid, ev Event) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.pending[sysPid]) >= eventQueueCapacity {
		return
	}
	tb.pending[sysPid] = append(tb.pending[sysPid], ev)
}

// drainPending returns and clears whatever events were stashed for
// sysPid before its Task existed.
func (tb *table) drainPending(sysPid protocol.SysPid) []Event {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	evs := tb.pending[sysPid]
	delete(tb.pending, sysPid)
	return evs
}

func (tb *table) byVPidLocked(vpid protocol.VPid) (*Task, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.byVPid[vpid]
	if !ok {
		return nil, errors.Errorf("scheduler: unknown VPid %d", vpid)
	}
	return t, nil
}

func (tb *table) bySysPidLocked(sysPid protocol.SysPid) (*Task, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.bySysPid[sysPid]
	return t, ok
}

func (tb *table) remove(t *Task) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.byVPid, t.vpid)
	delete(tb.bySysPid, t.sysPid)
}

func (tb *table) len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.byVPid)
}
