/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package scheduler

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/ipc"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/tracer/emulator"
)

// Scheduler is the tracer process's single coordinator: it owns the
// IPC connection to the supervisor, the VPid<->SysPid task table, and
// the wait-reaper loop that is the tracer's only source of ptrace
// events (SPEC_FULL.md §4.5).
type Scheduler struct {
	conn      *ipc.Conn
	table     *table
	tracerPid int
	loader    emulator.Loader
}

// New builds a Scheduler bound to conn. loader may be nil during
// bring-up; execve then fails with ENOSYS until one is wired in.
func New(conn *ipc.Conn, loader emulator.Loader) *Scheduler {
	return &Scheduler{
		conn:      conn,
		table:     newTable(),
		tracerPid: os.Getpid(),
		loader:    loader,
	}
}

// SpawnInitialTask registers the tracer's first guest process (already
// forked, PTRACE_TRACEME'd, and stopped at its own SIGSTOP via
// syscall.SysProcAttr{Ptrace: true}) and starts its coroutine. initArgs
// is handed to its Emulator so the bootstrap's execve(0,0,0) has a
// program image to load (SPEC_FULL.md §4.3).
func (s *Scheduler) SpawnInitialTask(sysPid protocol.SysPid, singleStep bool, initArgs *protocol.InitArgs) *Task {
	t := &Task{
		sched:      s,
		queue:      make(chan Event, eventQueueCapacity),
		singleStep: singleStep,
		done:       make(chan struct{}),
		initArgs:   initArgs,
	}
	s.table.insert(sysPid, t)
	go t.run()
	return t
}

// spawnChild registers a task for a host pid produced by a traced
// fork/vfork/clone (SPEC_FULL.md §9): ptrace options are inherited from
// the parent and the child is already attached, so its coroutine skips
// straight to waiting for its own initial stop rather than TRACEME's
// SIGSTOP-then-exec-trap sequence. Any wait4 events the reap loop had
// to stash before this call are replayed onto the new task's queue.
func (s *Scheduler) spawnChild(sysPid protocol.SysPid, singleStep bool) *Task {
	t := &Task{
		sched:      s,
		queue:      make(chan Event, eventQueueCapacity),
		singleStep: singleStep,
		done:       make(chan struct{}),
	}
	s.table.insert(sysPid, t)
	for _, ev := range s.table.drainPending(sysPid) {
		t.enqueue(ev)
	}
	go t.runChild()
	return t
}

// Run drains the IPC reader and the wait-reaper concurrently until
// either reports a fatal error (SPEC_FULL.md §5: "shutdown drains the
// event loop by propagating ECHILD from waitid").
func (s *Scheduler) Run() error {
	errs := make(chan error, 2)
	go func() { errs <- s.readLoop() }()
	go func() { errs <- s.reapLoop() }()
	return <-errs
}

func (s *Scheduler) readLoop() error {
	for {
		msg, err := s.conn.ReadToSand()
		if err != nil {
			if ipc.IsEOF(err) {
				return errors.New("scheduler: supervisor closed the IPC connection")
			}
			return errors.Wrap(err, "scheduler: IPC read")
		}
		task, ok := msg.(protocol.ToSandTask)
		if !ok {
			// ToSandInit is consumed once during bootstrap, before the
			// scheduler's read loop starts; seeing it here is a
			// protocol violation.
			return errors.Errorf("scheduler: unexpected message %T on the task channel", msg)
		}
		t, err := s.table.byVPidLocked(task.Task)
		if err != nil {
			logrus.WithError(err).Warn("reply for unknown task, dropping")
			continue
		}
		t.enqueue(Event{Kind: EventMessage, Message: task.Op})
	}
}

// reapLoop repeatedly reaps any child via wait4(-1, ...), the portable
// equivalent of the spec's waitid(P_ALL, WEXITED|WSTOPPED|WCONTINUED)
// call: both report one state transition per call for any child of
// the calling process, regardless of which task's coroutine will end
// up consuming it.
func (s *Scheduler) reapLoop() error {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WALL|unix.WUNTRACED|unix.WCONTINUED, nil)
		if err != nil {
			if err == unix.ECHILD {
				return errors.New("scheduler: no children left to trace")
			}
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "scheduler: wait4")
		}
		t, ok := s.table.bySysPidLocked(protocol.SysPid(pid))
		if !ok {
			// A traced fork/vfork/clone's child can raise its own
			// initial stop before its parent's coroutine has finished
			// registering it as a Task (Task.handleForkFamily); stash
			// rather than drop so spawnChild can replay it in order.
			s.table.stash(protocol.SysPid(pid), Event{Kind: EventSignal, Status: status})
			continue
		}
		t.enqueue(Event{Kind: EventSignal, Status: status})
	}
}
