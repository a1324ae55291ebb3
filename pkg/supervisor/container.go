/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package supervisor

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/pkg/ipc"
	"github.com/sandpit/sandrun/pkg/metrics"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/store"
	"github.com/sandpit/sandrun/pkg/tracer/bootstrap"
	"github.com/sandpit/sandrun/pkg/vfs"
)

// ContainerSpec is everything a container needs beyond the tracer
// binary itself: the filesystem image it runs against, the blob store
// backing FileBlob nodes, and the initial task's program and arguments.
type ContainerSpec struct {
	Filesystem *vfs.Filesystem
	Blobs      vfs.BlobStore
	Dir        string
	Filename   string
	Argv       []string
	Envp       []string
	LogLevel   protocol.LogLevel
}

// Container is one running tracer process together with the dispatcher
// serving its control channel.
type Container struct {
	ID   string
	pid  int
	conn *ipc.Conn
	disp *dispatcher
	db   *store.Database
}

// StartContainer seals tracerPath into a memfd, forks it into a fresh
// tracer process wired to a new control socket, performs the Init
// handshake and hands it the initial task's arguments. The returned
// Container has not yet been served; call Run to drive its dispatch
// loop until the tracer exits.
func StartContainer(tracerPath string, db *store.Database, spec ContainerSpec) (*Container, error) {
	id := newContainerID()

	tracerFd, err := sealedTracerMemfd(tracerPath)
	if err != nil {
		return nil, err
	}
	defer unix.Close(tracerFd)

	parentSock, childSock, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: create control socketpair")
	}
	defer unix.Close(childSock)

	pid, err := syscall.ForkExec(procSelfFd(3), []string{"sand"}, &syscall.ProcAttr{
		Env:   []string{"FD=4"},
		Files: []uintptr{0, 1, 2, uintptr(tracerFd), uintptr(childSock)},
	})
	if err != nil {
		unix.Close(parentSock)
		return nil, errors.Wrap(err, "supervisor: fork/exec tracer")
	}

	conn, err := connFromFd(parentSock)
	if err != nil {
		killAndReap(pid)
		return nil, err
	}

	if err := db.SaveContainer(context.Background(), &store.ContainerRecord{
		ID:        id,
		InitVPid:  1,
		StartedAt: time.Now(),
	}); err != nil {
		conn.Close()
		killAndReap(pid)
		return nil, errors.Wrap(err, "supervisor: record container")
	}

	if err := sendInit(conn, spec); err != nil {
		conn.Close()
		killAndReap(pid)
		return nil, err
	}

	metrics.ContainersStarted.Inc()

	return &Container{
		ID:   id,
		pid:  pid,
		conn: conn,
		disp: newDispatcher(spec.Filesystem, spec.Blobs, db, id),
		db:   db,
	}, nil
}

// killAndReap terminates a just-forked tracer that failed to complete
// its handshake and reaps it so it does not linger as a zombie under
// the supervisor.
func killAndReap(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL)
	var ws unix.WaitStatus
	_, _ = unix.Wait4(pid, &ws, 0, nil)
}

// procSelfFd names the exec path for a just-dup2'd fd inside the child
// process's own /proc, resolved after fork but before execve.
func procSelfFd(fd int) string {
	return "/proc/self/fd/" + strconv.Itoa(fd)
}

func sealedTracerMemfd(tracerPath string) (int, error) {
	data, err := os.ReadFile(tracerPath)
	if err != nil {
		return -1, errors.Wrapf(err, "supervisor: read tracer binary %s", tracerPath)
	}
	fd, err := unix.MemfdCreate("sandrun-tracer", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "supervisor: create tracer memfd")
	}
	if _, err := unix.Write(fd, data); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "supervisor: write tracer memfd")
	}
	if err := bootstrap.SealMemfd(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ResolveTracerPath applies the "sand next to the supervisor's own
// executable" default internal/config.RunConfig.TracerPath documents.
func ResolveTracerPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "supervisor: locate own executable")
	}
	return filepath.Join(filepath.Dir(self), "sand"), nil
}

func connFromFd(fd int) (*ipc.Conn, error) {
	f := os.NewFile(uintptr(fd), "sandrun-control")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: wrap control socket")
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.New("supervisor: control socket is not unix-domain")
	}
	return ipc.New(uc), nil
}

// sendInit builds the one-shot InitArgs region in a fresh memfd and
// hands it to the tracer over conn as the Init bootstrap message.
func sendInit(conn *ipc.Conn, spec ContainerSpec) error {
	raw := protocol.EncodeInitArgs(protocol.InitArgs{
		Dir:      spec.Dir,
		Filename: spec.Filename,
		Argv:     spec.Argv,
		Envp:     spec.Envp,
	})

	fd, err := unix.MemfdCreate("sandrun-initargs", 0)
	if err != nil {
		return errors.Wrap(err, "supervisor: create init-args memfd")
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, raw); err != nil {
		return errors.Wrap(err, "supervisor: write init-args memfd")
	}
	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		return errors.Wrap(err, "supervisor: rewind init-args memfd")
	}

	return conn.WriteToSand(protocol.ToSandInit{
		Args: protocol.SysFd(fd),
		Settings: protocol.TracerSettings{
			LogLevel:       spec.LogLevel,
			SingleStepMode: false,
		},
	})
}

// Run drives the container's dispatch loop until the tracer disconnects,
// then waits for the tracer process to exit and records its code.
func (c *Container) Run() (int, error) {
	defer c.conn.Close()

	for {
		msg, err := c.conn.ReadFromSand()
		if err != nil {
			if ipc.IsEOF(err) {
				break
			}
			if errors.Is(err, protocol.ErrBufferFull) {
				metrics.IPCBufferFull.Inc()
			}
			log.L.WithField("container", c.ID).Errorf("control channel read failed: %v", err)
			break
		}

		reply, cleanup, ok := c.disp.dispatch(msg)
		if ok {
			if err := c.conn.WriteToSand(protocol.ToSandTask{Task: msg.Task, Op: reply}); err != nil {
				log.L.WithField("container", c.ID).Errorf("control channel write failed: %v", err)
				if cleanup != nil {
					cleanup()
				}
				break
			}
		}
		if cleanup != nil {
			cleanup()
		}
	}

	var ws unix.WaitStatus
	_, err := unix.Wait4(c.pid, &ws, 0, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "supervisor: wait4 tracer pid %d", c.pid)
	}

	code := exitCodeOf(ws)
	if recErr := c.db.RecordExit(context.Background(), c.ID, int32(code), time.Now()); recErr != nil {
		log.L.WithField("container", c.ID).Warnf("record exit code: %v", recErr)
	}
	return code, nil
}

func exitCodeOf(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return bootstrap.ExitPanic
	}
}
