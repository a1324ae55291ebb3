/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package emulator

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/tracer/remote"
)

// stageScratchString writes a NUL-terminated string into a fresh
// scratchpad page, for syscalls (like the /proc/pid/fd reopen dance)
// that need to hand the guest a pointer it did not already have.
func (e *Emulator) stageScratchString(s string) (*remote.Scratchpad, error) {
	pad, err := remote.NewScratchpad(e.Tramp)
	if err != nil {
		return nil, err
	}
	if err := pad.Write(e.Mem, []byte(s)); err != nil {
		pad.Close()
		return nil, err
	}
	return pad, nil
}

const atFDCWD = -100

// kernelStatSize is sizeof(struct stat) on linux/amd64 glibc.
const kernelStatSize = 144

// encodeKernelStat lays out a FileStat value in the exact binary shape
// the guest's libc expects back from stat/fstat/lstat.
func encodeKernelStat(st protocol.FileStat) []byte {
	buf := make([]byte, kernelStatSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], 1)             // st_dev: single synthetic device
	le.PutUint64(buf[8:16], st.Inode)     // st_ino
	le.PutUint64(buf[16:24], uint64(st.Nlink))
	le.PutUint32(buf[24:28], st.Mode)
	le.PutUint32(buf[28:32], st.UID)
	le.PutUint32(buf[32:36], st.GID)
	// 4 bytes padding at [36:40]
	le.PutUint64(buf[40:48], st.Rdev)
	le.PutUint64(buf[48:56], st.Size)
	le.PutUint64(buf[56:64], 4096)                // st_blksize
	le.PutUint64(buf[64:72], (st.Size+511)/512)   // st_blocks
	for _, off := range []int{72, 88, 104} {      // atime, mtime, ctime
		le.PutUint64(buf[off:off+8], uint64(st.Mtime))
		le.PutUint64(buf[off+8:off+16], 0)
	}
	return buf
}

func (e *Emulator) writeStatResult(buf uint64, st protocol.FileStat) int64 {
	if err := e.Mem.WriteArbitrary(buf, encodeKernelStat(st)); err != nil {
		return -int64(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) request(op protocol.FromTaskOp) (protocol.ToTaskOp, error) {
	if err := e.Chan.Send(op); err != nil {
		return nil, err
	}
	return e.Chan.Await()
}

func (e *Emulator) statByPath(pathPtr, statBuf uint64, lstat bool) int64 {
	reply, err := e.request(protocol.OpFileStat{
		Path:        ptrString(pathPtr),
		FollowLinks: !lstat,
	})
	if err != nil {
		panic(err)
	}
	r := reply.(protocol.ReplyFileStat)
	if !r.Ok {
		return errnoResult(r.Err)
	}
	return e.writeStatResult(statBuf, r.Stat)
}

func (e *Emulator) fstat(fd protocol.RemoteFd, statBuf uint64) int64 {
	file, ok := e.lookupFd(fd)
	if !ok {
		return -int64(unix.EBADF)
	}
	reply, err := e.request(protocol.OpFileStat{File: &file, FollowLinks: true})
	if err != nil {
		panic(err)
	}
	r := reply.(protocol.ReplyFileStat)
	if !r.Ok {
		return errnoResult(r.Err)
	}
	return e.writeStatResult(statBuf, r.Stat)
}

func (e *Emulator) newfstatat(dirfd, pathPtr, statBuf uint64, flags int32) int64 {
	dir, ok := e.resolveDirArg(int32(dirfd))
	if !ok {
		return -int64(unix.EBADF)
	}
	const atSymlinkNofollow = 0x100
	follow := flags&atSymlinkNofollow == 0
	reply, err := e.request(protocol.OpFileStat{Dir: dir, Path: ptrString(pathPtr), FollowLinks: follow})
	if err != nil {
		panic(err)
	}
	r := reply.(protocol.ReplyFileStat)
	if !r.Ok {
		return errnoResult(r.Err)
	}
	return e.writeStatResult(statBuf, r.Stat)
}

// statfsZeroed answers statfs/fstatfs with a zeroed struct statfs: the
// filesystem this core presents has no meaningful block/inode counts
// to report (SPEC_FULL.md §4.6).
func (e *Emulator) statfsZeroed(buf uint64) int64 {
	zero := make([]byte, 120) // sizeof(struct statfs) on linux/amd64
	if err := e.Mem.WriteArbitrary(buf, zero); err != nil {
		return -int64(unix.EFAULT)
	}
	return 0
}

func (e *Emulator) resolveDirArg(dirfd int32) (*protocol.VFile, bool) {
	if dirfd == atFDCWD {
		return nil, true
	}
	f, ok := e.lookupFd(protocol.RemoteFd(dirfd))
	if !ok {
		return nil, false
	}
	return &f, true
}

func ptrString(ptr uint64) *protocol.VString {
	v := protocol.VString{Ptr: ptr}
	return &v
}

func (e *Emulator) access(pathPtr uint64, mode int32) int64 {
	reply, err := e.request(protocol.OpFileAccess{Path: protocol.VString{Ptr: pathPtr}, Mode: mode})
	if err != nil {
		panic(err)
	}
	return unitResult(reply)
}

func (e *Emulator) faccessat(dirfd int32, pathPtr uint64, mode int32) int64 {
	dir, ok := e.resolveDirArg(dirfd)
	if !ok {
		return -int64(unix.EBADF)
	}
	reply, err := e.request(protocol.OpFileAccess{Dir: dir, Path: protocol.VString{Ptr: pathPtr}, Mode: mode})
	if err != nil {
		panic(err)
	}
	return unitResult(reply)
}

func unitResult(reply protocol.ToTaskOp) int64 {
	switch r := reply.(type) {
	case protocol.Reply:
		if r.Ok {
			return 0
		}
		return errnoResult(r.Err)
	default:
		panic(fmt.Sprintf("emulator: unexpected reply type %T for unit request", reply))
	}
}

func (e *Emulator) chdir(pathPtr uint64) int64 {
	reply, err := e.request(protocol.OpChangeWorkingDir{Path: protocol.VString{Ptr: pathPtr}})
	if err != nil {
		panic(err)
	}
	return unitResult(reply)
}

func (e *Emulator) fchdir(fd protocol.RemoteFd) int64 {
	// fchdir has no path; there is nothing to send but the fd's VFile,
	// which OpChangeWorkingDir has no slot for in this wire format, so
	// this core does not support it directly.
	_ = fd
	return -int64(unix.ENOSYS)
}

func (e *Emulator) getcwd(buf, size uint64) int64 {
	reply, err := e.request(protocol.OpGetWorkingDir{Buf: protocol.VStringBuffer{Ptr: buf, Len: size}})
	if err != nil {
		panic(err)
	}
	return sizeResult(reply)
}

func (e *Emulator) readlink(pathPtr, buf, size uint64) int64 {
	reply, err := e.request(protocol.OpReadLink{
		Path: protocol.VString{Ptr: pathPtr},
		Buf:  protocol.VStringBuffer{Ptr: buf, Len: size},
	})
	if err != nil {
		panic(err)
	}
	return sizeResult(reply)
}

func (e *Emulator) readlinkat(dirfd int32, pathPtr, buf, size uint64) int64 {
	// The wire protocol's ReadLink has no dirfd slot; only AT_FDCWD-relative
	// and absolute paths are supported here.
	if dirfd != atFDCWD {
		return -int64(unix.ENOSYS)
	}
	return e.readlink(pathPtr, buf, size)
}

func sizeResult(reply protocol.ToTaskOp) int64 {
	r, ok := reply.(protocol.ReplySize)
	if !ok {
		panic(fmt.Sprintf("emulator: unexpected reply type %T for size request", reply))
	}
	if r.Ok {
		return int64(r.Size)
	}
	return errnoResult(r.Err)
}

func (e *Emulator) open(pathPtr uint64, flags, mode int32) int64 {
	return e.openCommon(nil, pathPtr, flags, mode)
}

func (e *Emulator) openat(dirfd int32, pathPtr uint64, flags, mode int32) int64 {
	dir, ok := e.resolveDirArg(dirfd)
	if !ok {
		return -int64(unix.EBADF)
	}
	return e.openCommon(dir, pathPtr, flags, mode)
}

func (e *Emulator) openCommon(dir *protocol.VFile, pathPtr uint64, flags, mode int32) int64 {
	reply, err := e.request(protocol.OpFileOpen{Dir: dir, Path: protocol.VString{Ptr: pathPtr}, Flags: flags, Mode: mode})
	if err != nil {
		panic(err)
	}
	r := reply.(protocol.ReplyFile)
	if !r.Ok {
		return errnoResult(r.Err)
	}

	guestFd, err := e.ReopenHostFd(r.Fd, flags)
	if err != nil {
		return -int64(unix.EIO)
	}
	e.installFd(protocol.RemoteFd(guestFd), r.File)
	return int64(guestFd)
}

// ReopenHostFd hands a supervisor-opened host fd to the guest by having
// the guest itself reopen the tracer's own fd through
// /proc/<tracer-pid>/fd/<n>: the tracer and guest share a procfs view,
// so this sidesteps the fact that an SCM_RIGHTS fd only exists in the
// tracer's table, never the guest's (SPEC_FULL.md §4.4/§4.6). The
// loader reuses this for the file-backed segments of an executable.
func (e *Emulator) ReopenHostFd(hostFd protocol.SysFd, flags int32) (int32, error) {
	defer unix.Close(int(hostFd))

	path := fmt.Sprintf("/proc/%d/fd/%d\x00", e.Tracer, hostFd)
	pad, err := e.stageScratchString(path)
	if err != nil {
		return 0, err
	}
	defer pad.Close()

	keepFlags := flags &^ (unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC)
	ret, err := e.Tramp.Syscall(unix.SYS_OPENAT, [6]uint64{
		uint64(uint32(atFDCWD)), pad.Addr(), uint64(uint32(keepFlags)), 0, 0, 0,
	})
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("emulator: remote reopen failed: errno %d", -ret)
	}
	return int32(ret), nil
}

func (e *Emulator) closeFd(fd protocol.RemoteFd) int64 {
	if _, ok := e.lookupFd(fd); !ok {
		return -int64(unix.EBADF)
	}
	e.dropFd(fd)
	ret, err := e.Tramp.Syscall(unix.SYS_CLOSE, [6]uint64{uint64(uint32(fd))})
	if err != nil || ret < 0 {
		return -int64(unix.EIO)
	}
	return 0
}

func (e *Emulator) dup(fd protocol.RemoteFd) int64 {
	if _, ok := e.lookupFd(fd); !ok {
		return -int64(unix.EBADF)
	}
	ret, err := e.Tramp.Syscall(unix.SYS_DUP, [6]uint64{uint64(uint32(fd))})
	if err != nil || ret < 0 {
		return -int64(unix.EIO)
	}
	if err := e.mustDupEntry(fd, protocol.RemoteFd(int32(ret))); err != nil {
		return -int64(unix.EIO)
	}
	return ret
}

func (e *Emulator) dup2(from, to protocol.RemoteFd) int64 {
	if _, ok := e.lookupFd(from); !ok {
		return -int64(unix.EBADF)
	}
	ret, err := e.Tramp.Syscall(unix.SYS_DUP2, [6]uint64{uint64(uint32(from)), uint64(uint32(to))})
	if err != nil || ret < 0 {
		return -int64(unix.EIO)
	}
	if err := e.mustDupEntry(from, to); err != nil {
		return -int64(unix.EIO)
	}
	return ret
}

// getdents64 reads from the directory memfd the supervisor built for
// the fd's VFile, by issuing the real getdents64 remotely against the
// guest's own (already open) descriptor.
func (e *Emulator) getdents64(fd protocol.RemoteFd, buf, count uint64) int64 {
	if _, ok := e.lookupFd(fd); !ok {
		return -int64(unix.EBADF)
	}
	ret, err := e.Tramp.Syscall(unix.SYS_GETDENTS64, [6]uint64{uint64(uint32(fd)), buf, count})
	if err != nil {
		return -int64(unix.EIO)
	}
	return ret
}
