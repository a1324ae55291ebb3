/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package bootstrap

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/ipc"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/tracer/loader"
	"github.com/sandpit/sandrun/pkg/tracer/scheduler"
	"github.com/sandpit/sandrun/pkg/tracer/seccomp"
)

// Main is cmd/sand's entire body: infer which bootstrap stage this
// invocation is and run it. A panic anywhere below is the tracer's own
// bug, not a guest fault, and is reported as ExitPanic rather than
// crashing with a bare stack trace the supervisor has no way to parse.
func Main() (code int) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("tracer panicked")
			code = ExitPanic
		}
	}()

	mode := InferMode(os.Args, os.Environ(), IsSealedSelf())
	switch mode {
	case ModeStage1:
		return runStage1()
	case ModeStage2:
		return runStage2()
	default:
		logrus.Error("tracer invoked outside its bootstrap protocol")
		return ExitPanic
	}
}

// runStage1 is the long-lived tracer process: it installs the
// bootstrap seccomp policy on itself permanently (inherited across
// both the fork below and the child's own re-exec, per SPEC_FULL.md
// §4.3), forks into the re-exec'd stage2 child, and then drives that
// child as the first guest task for the rest of its life.
func runStage1() int {
	fd, ok := parseFDEnv(mustGetenv("FD"))
	if !ok {
		logrus.Error("tracer: invalid or missing FD environment variable")
		return ExitPanic
	}

	conn, err := connFromFd(fd)
	if err != nil {
		logrus.WithError(err).Error("tracer: failed to wrap control fd")
		return ExitIOError
	}
	defer conn.Close()

	msg, err := conn.ReadToSand()
	if err != nil {
		logrus.WithError(err).Error("tracer: failed to read init message")
		return ExitDisconnected
	}
	init, ok := msg.(protocol.ToSandInit)
	if !ok {
		logrus.Errorf("tracer: expected Init message, got %T", msg)
		return ExitDisconnected
	}
	configureLogging(init.Settings.LogLevel)

	initArgs, err := readInitArgs(int(init.Args))
	if err != nil {
		logrus.WithError(err).Error("tracer: failed to read init args")
		return ExitIOError
	}

	if err := seccomp.SetNoNewPrivs(); err != nil {
		logrus.WithError(err).Error("tracer: prctl(NO_NEW_PRIVS)")
		return ExitPanic
	}
	if err := seccomp.Install(seccomp.Stage1Program()); err != nil {
		logrus.WithError(err).Error("tracer: install stage1 seccomp policy")
		return ExitPanic
	}

	childPid, err := reExecAsStage2()
	if err != nil {
		logrus.WithError(err).Error("tracer: fork into stage2 failed")
		return ExitPanic
	}

	sched := scheduler.New(conn, loader.New())
	sched.SpawnInitialTask(protocol.SysPid(childPid), init.Settings.SingleStepMode, &initArgs)

	if err := sched.Run(); err != nil {
		logrus.WithError(err).Warn("tracer: scheduler run ended")
		if ipc.IsEOF(err) {
			return ExitDisconnected
		}
		return ExitIOError
	}
	return ExitOK
}

// runStage2 installs the stricter guest policy and issues the
// deliberately invalid execve(0,0,0), which SPEC_FULL.md §4.3 commits
// to trapping back into the parent's ptrace wait loop rather than
// actually failing to return.
func runStage2() int {
	if err := seccomp.SetNoNewPrivs(); err != nil {
		logrus.WithError(err).Error("tracer: prctl(NO_NEW_PRIVS)")
		return ExitPanic
	}
	if err := seccomp.Install(seccomp.Stage2Program()); err != nil {
		logrus.WithError(err).Error("tracer: install stage2 seccomp policy")
		return ExitPanic
	}

	_, _, errno := unix.Syscall(unix.SYS_EXECVE, 0, 0, 0)
	// A real kernel never returns from this: stage2's own policy marks
	// execve SECCOMP_RET_TRACE, so the seccomp trap fires before the
	// kernel even validates the (null) arguments. Reaching here at all
	// means the trap didn't happen.
	logrus.WithField("errno", errno).Error("tracer: bootstrap execve(0,0,0) returned")
	return ExitPanic
}

// reExecAsStage2 forks the calling process into a child that re-execs
// /proc/self/exe as "sand-exec" with an empty environment, the exact
// shape InferMode requires for ModeStage2. syscall.ForkExec's
// SysProcAttr{Ptrace: true} performs PTRACE_TRACEME, raise(SIGSTOP),
// then execve atomically in the child — the safe way to fork in a
// multi-threaded Go process, since no Go-runtime-dependent code runs
// between the fork and the exec.
func reExecAsStage2() (int, error) {
	pid, err := syscall.ForkExec("/proc/self/exe", []string{"sand-exec"}, &syscall.ProcAttr{
		Env:   []string{},
		Files: []uintptr{0, 1, 2},
		Sys:   &syscall.SysProcAttr{Ptrace: true},
	})
	if err != nil {
		return 0, errors.Wrap(err, "bootstrap: fork/exec stage2")
	}
	return pid, nil
}

func mustGetenv(key string) string {
	v, _ := os.LookupEnv(key)
	return v
}

// connFromFd wraps the inherited control-socket fd as an ipc.Conn.
// FileConn dups the descriptor internally, so fd is closed here once
// the net.Conn owns its own copy.
func connFromFd(fd int) (*ipc.Conn, error) {
	f := os.NewFile(uintptr(fd), "sand-control")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrap: net.FileConn on control fd")
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.New("bootstrap: control fd is not a unix socket")
	}
	return ipc.New(uc), nil
}

// readInitArgs reads fd to EOF and decodes it. The supervisor sends a
// memfd holding exactly one InitArgsHeader plus its regions (SPEC_FULL.md
// §4.2), already rewound to offset 0, not a unix stream.
func readInitArgs(fd int) (protocol.InitArgs, error) {
	f := os.NewFile(uintptr(fd), "sand-init-args")
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return protocol.InitArgs{}, errors.Wrap(err, "bootstrap: read init args fd")
	}
	return protocol.DecodeInitArgs(raw)
}

func configureLogging(lvl protocol.LogLevel) {
	switch lvl {
	case protocol.LogTrace:
		logrus.SetLevel(logrus.TraceLevel)
	case protocol.LogDebug:
		logrus.SetLevel(logrus.DebugLevel)
	case protocol.LogInfo:
		logrus.SetLevel(logrus.InfoLevel)
	case protocol.LogWarn:
		logrus.SetLevel(logrus.WarnLevel)
	case protocol.LogError:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}
