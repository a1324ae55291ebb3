/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/pkg/metrics"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/store"
	"github.com/sandpit/sandrun/pkg/vfs"
)

// taskState is everything the dispatcher tracks per guest task between
// its OpOpenProcess and its OpExited, keyed by VPid.
type taskState struct {
	sysPid protocol.SysPid
	mem    *procMem
	cwd    protocol.VFile
	cwdStr string
}

// dispatcher answers one container's tracer over its control channel:
// every FromTaskOp it decodes turns into exactly one ToTaskOp reply
// (except OpExited and OpLog, which carry none). VPid allocation itself
// is the tracer's own per-process table; the dispatcher's job is to
// track which VPids are currently live for this container (their number
// is not capped) and to mirror
// that bookkeeping into the durable store for exit-code history.
type dispatcher struct {
	fs    *vfs.Filesystem
	store vfs.BlobStore
	root  protocol.VFile

	containerID string
	db          *store.Database

	mu    sync.Mutex
	tasks map[protocol.VPid]*taskState
}

func newDispatcher(fs *vfs.Filesystem, blobs vfs.BlobStore, db *store.Database, containerID string) *dispatcher {
	return &dispatcher{
		fs:          fs,
		store:       blobs,
		root:        vfs.Root(),
		containerID: containerID,
		db:          db,
		tasks:       make(map[protocol.VPid]*taskState),
	}
}

func (d *dispatcher) taskFor(vpid protocol.VPid) (*taskState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[vpid]
	return t, ok
}

func (d *dispatcher) forget(vpid protocol.VPid) *taskState {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tasks[vpid]
	delete(d.tasks, vpid)
	metrics.TaskTable.Set(float64(len(d.tasks)))
	return t
}

// dispatch answers one FromSand message. ok is false for the two
// fire-and-forget ops (OpExited, OpLog), which the caller must not
// reply to. cleanup, when non-nil, must run after reply has been sent:
// it closes host fds the reply handed to the tracer via SCM_RIGHTS that
// this process does not otherwise need to keep open (sendmsg dups an fd
// into the control message, so closing the local copy right after the
// write is safe and keeps the supervisor's own descriptor table from
// growing unbounded across a long-running container).
func (d *dispatcher) dispatch(msg protocol.FromSand) (reply protocol.ToTaskOp, cleanup func(), ok bool) {
	switch op := msg.Op.(type) {
	case protocol.OpOpenProcess:
		r, c := d.handleOpenProcess(msg.Task, op)
		return r, c, true
	case protocol.OpFileAccess:
		return d.handleFileAccess(msg.Task, op), nil, true
	case protocol.OpFileOpen:
		r, c := d.handleFileOpen(msg.Task, op)
		return r, c, true
	case protocol.OpFileStat:
		return d.handleFileStat(msg.Task, op), nil, true
	case protocol.OpReadLink:
		return d.handleReadLink(msg.Task, op), nil, true
	case protocol.OpProcessKill:
		return d.handleProcessKill(msg.Task, op), nil, true
	case protocol.OpChangeWorkingDir:
		return d.handleChangeWorkingDir(msg.Task, op), nil, true
	case protocol.OpGetWorkingDir:
		return d.handleGetWorkingDir(msg.Task, op), nil, true
	case protocol.OpExited:
		d.handleExited(msg.Task, op)
		return nil, nil, false
	case protocol.OpLog:
		d.handleLog(msg.Task, op)
		return nil, nil, false
	default:
		log.L.Warnf("dispatch: unrecognized op %T from task %d", op, msg.Task)
		return nil, nil, false
	}
}

func (d *dispatcher) handleOpenProcess(vpid protocol.VPid, op protocol.OpOpenProcess) (protocol.ToTaskOp, func()) {
	mem, err := openProcMem(op.Pid)
	if err != nil {
		log.L.Errorf("open mem for task %d (pid %d): %v", vpid, op.Pid, err)
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}, nil
	}
	mapsFile, err := os.Open("/proc/" + strconv.Itoa(int(op.Pid)) + "/maps")
	if err != nil {
		mem.Close()
		log.L.Errorf("open maps for task %d (pid %d): %v", vpid, op.Pid, err)
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}, nil
	}

	d.mu.Lock()
	d.tasks[vpid] = &taskState{
		sysPid: op.Pid,
		mem:    mem,
		cwd:    d.root,
		cwdStr: "/",
	}
	metrics.TaskTable.Set(float64(len(d.tasks)))
	d.mu.Unlock()

	if err := d.db.AllocateVPid(context.Background(), vpid, d.containerID); err != nil {
		log.L.Warnf("record vpid %d allocation for container %s: %v", vpid, d.containerID, err)
	}

	reply := protocol.ReplyOpenProcess{Handle: protocol.ProcessHandle{
		Mem:  protocol.SysFd(mem.f.Fd()),
		Maps: protocol.SysFd(mapsFile.Fd()),
	}}
	return reply, func() { mapsFile.Close() }
}

func (d *dispatcher) resolveVFile(t *taskState, dir *protocol.VFile, path string, follow protocol.FollowLinks) (protocol.VFile, error) {
	base := t.cwd
	if dir != nil {
		base = *dir
	}
	return d.fs.Lookup(base, path, follow)
}

func (d *dispatcher) handleFileAccess(vpid protocol.VPid, op protocol.OpFileAccess) protocol.ToTaskOp {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}
	p, err := t.mem.readString(op.Path)
	if err != nil {
		log.L.Errorf("read guest path for task %d: %v", vpid, err)
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
	}
	if _, err := d.resolveVFile(t, op.Dir, p, protocol.Follow); err != nil {
		return protocol.Reply{Ok: false, Err: vfs.ToErrno(err)}
	}
	return protocol.Reply{Ok: true}
}

func (d *dispatcher) handleFileOpen(vpid protocol.VPid, op protocol.OpFileOpen) (protocol.ToTaskOp, func()) {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.ReplyFile{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}, nil
	}
	p, err := t.mem.readString(op.Path)
	if err != nil {
		log.L.Errorf("read guest path for task %d: %v", vpid, err)
		return protocol.ReplyFile{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}, nil
	}
	follow := protocol.Follow
	if op.Flags&unix.O_NOFOLLOW != 0 {
		follow = protocol.NoFollow
	}
	base := t.cwd
	if op.Dir != nil {
		base = *op.Dir
	}
	vf, err := d.fs.Lookup(base, p, follow)
	if err != nil {
		return protocol.ReplyFile{Ok: false, Err: vfs.ToErrno(err)}, nil
	}
	fd, err := d.fs.OpenNode(d.store, vf)
	if err != nil {
		log.L.Errorf("open node for task %d path %q: %v", vpid, p, err)
		return protocol.ReplyFile{Ok: false, Err: vfs.ToErrno(err)}, nil
	}
	reply := protocol.ReplyFile{Ok: true, File: vf, Fd: protocol.SysFd(fd.Fd())}
	return reply, func() { fd.Close() }
}

func (d *dispatcher) handleFileStat(vpid protocol.VPid, op protocol.OpFileStat) protocol.ToTaskOp {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.ReplyFileStat{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}

	var vf protocol.VFile
	if op.File != nil {
		vf = *op.File
	} else {
		p := ""
		if op.Path != nil {
			s, err := t.mem.readString(*op.Path)
			if err != nil {
				log.L.Errorf("read guest path for task %d: %v", vpid, err)
				return protocol.ReplyFileStat{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
			}
			p = s
		}
		follow := protocol.NoFollow
		if op.FollowLinks {
			follow = protocol.Follow
		}
		resolved, err := d.resolveVFile(t, nil, p, follow)
		if err != nil {
			return protocol.ReplyFileStat{Ok: false, Err: vfs.ToErrno(err)}
		}
		vf = resolved
	}

	st, err := d.fs.Stat(vf)
	if err != nil {
		return protocol.ReplyFileStat{Ok: false, Err: vfs.ToErrno(err)}
	}
	return protocol.ReplyFileStat{Ok: true, File: vf, Stat: st}
}

func (d *dispatcher) handleReadLink(vpid protocol.VPid, op protocol.OpReadLink) protocol.ToTaskOp {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}
	p, err := t.mem.readString(op.Path)
	if err != nil {
		log.L.Errorf("read guest path for task %d: %v", vpid, err)
		return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
	}
	vf, err := d.resolveVFile(t, nil, p, protocol.NoFollow)
	if err != nil {
		return protocol.ReplySize{Ok: false, Err: vfs.ToErrno(err)}
	}
	target, err := d.fs.Readlink(vf)
	if err != nil {
		return protocol.ReplySize{Ok: false, Err: vfs.ToErrno(err)}
	}
	n, err := t.mem.writeBuffer(op.Buf, []byte(target))
	if err != nil {
		log.L.Errorf("write readlink buffer for task %d: %v", vpid, err)
		return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
	}
	return protocol.ReplySize{Ok: true, Size: n}
}

func (d *dispatcher) handleProcessKill(vpid protocol.VPid, op protocol.OpProcessKill) protocol.ToTaskOp {
	target, ok := d.taskFor(op.Target)
	if !ok {
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}
	if err := unix.Kill(int(target.sysPid), unix.Signal(op.Sig)); err != nil {
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(err.(unix.Errno)))}
	}
	return protocol.Reply{Ok: true}
}

func (d *dispatcher) handleChangeWorkingDir(vpid protocol.VPid, op protocol.OpChangeWorkingDir) protocol.ToTaskOp {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}
	p, err := t.mem.readString(op.Path)
	if err != nil {
		log.L.Errorf("read guest path for task %d: %v", vpid, err)
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
	}
	vf, err := d.resolveVFile(t, nil, p, protocol.Follow)
	if err != nil {
		return protocol.Reply{Ok: false, Err: vfs.ToErrno(err)}
	}
	isDir, err := d.fs.IsDirectory(vf)
	if err != nil {
		return protocol.Reply{Ok: false, Err: vfs.ToErrno(err)}
	}
	if !isDir {
		return protocol.Reply{Ok: false, Err: protocol.Errno(-int32(unix.ENOTDIR))}
	}
	t.cwd = vf
	t.cwdStr = joinGuestPath(t.cwdStr, p)
	return protocol.Reply{Ok: true}
}

func (d *dispatcher) handleGetWorkingDir(vpid protocol.VPid, op protocol.OpGetWorkingDir) protocol.ToTaskOp {
	t, ok := d.taskFor(vpid)
	if !ok {
		return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.ESRCH))}
	}
	n, err := t.mem.writeBufferWithNUL(op.Buf, t.cwdStr)
	if err != nil {
		if err == unix.ERANGE {
			return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.ERANGE))}
		}
		log.L.Errorf("write getcwd buffer for task %d: %v", vpid, err)
		return protocol.ReplySize{Ok: false, Err: protocol.Errno(-int32(unix.EFAULT))}
	}
	return protocol.ReplySize{Ok: true, Size: n}
}

func (d *dispatcher) handleExited(vpid protocol.VPid, op protocol.OpExited) {
	t := d.forget(vpid)
	if t == nil {
		return
	}
	if err := d.db.ReleaseVPid(context.Background(), d.containerID, vpid); err != nil {
		log.L.Warnf("release vpid %d for container %s: %v", vpid, d.containerID, err)
	}
	if err := t.mem.Close(); err != nil {
		log.L.Debugf("close mem fd for exited task %d: %v", vpid, err)
	}
	log.L.WithField("vpid", vpid).Infof("task exited with code %d", op.Code)
}

// handleLog routes a guest-emitted OpLog line into the supervisor's own
// logger. No tracer build in this tree currently emits it (logging stays
// local to the tracer process via logrus), but decoding it defensively
// keeps the dispatch switch exhaustive over the wire protocol.
func (d *dispatcher) handleLog(vpid protocol.VPid, op protocol.OpLog) {
	entry := log.L.WithField("vpid", vpid)
	msg := string(op.Msg)
	switch op.Level {
	case protocol.LogTrace, protocol.LogDebug:
		entry.Debug(msg)
	case protocol.LogInfo:
		entry.Info(msg)
	case protocol.LogWarn:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// joinGuestPath resolves a chdir target against the guest's current
// working directory string, the same way the kernel resolves a relative
// argument to chdir(2): absolute paths replace it outright, "." and ".."
// components collapse lexically.
func joinGuestPath(cwd, target string) string {
	if target == "" {
		return cwd
	}
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Clean(fmt.Sprintf("%s/%s", cwd, target))
}
