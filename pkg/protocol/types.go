/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

// VPid is the 32-bit virtual process id the supervisor hands out, in
// bijection with the tracer's SysPid for the task's lifetime
// (SPEC_FULL.md §3).
type VPid uint32

func (v VPid) Encode(e *Encoder) error { return e.U32(uint32(v)) }

func DecodeVPid(d *Decoder) (VPid, error) {
	v, err := d.U32()
	return VPid(v), err
}

// SysPid is the host-kernel pid the tracer observes via fork/clone and
// waitid.
type SysPid int32

func (p SysPid) Encode(e *Encoder) error { return e.I32(int32(p)) }

func DecodeSysPid(d *Decoder) (SysPid, error) {
	v, err := d.I32()
	return SysPid(v), err
}

// VFile is an opaque VFS node handle, immutable once issued by lookup.
type VFile struct {
	Inode uint64
}

func (f VFile) Encode(e *Encoder) error { return e.U64(f.Inode) }

func DecodeVFile(d *Decoder) (VFile, error) {
	v, err := d.U64()
	return VFile{Inode: v}, err
}

// VString is a pointer into the guest's address space; resolving its
// bytes requires the task's mem fd (SPEC_FULL.md §4.2).
type VString struct {
	Ptr uint64
}

func (s VString) Encode(e *Encoder) error { return e.U64(s.Ptr) }

func DecodeVString(d *Decoder) (VString, error) {
	v, err := d.U64()
	return VString{Ptr: v}, err
}

// VStringBuffer is a (ptr, len) pair into guest memory that the
// supervisor fills, used by GetWorkingDir and ReadLink.
type VStringBuffer struct {
	Ptr uint64
	Len uint64
}

func (b VStringBuffer) Encode(e *Encoder) error {
	if err := e.U64(b.Ptr); err != nil {
		return err
	}
	return e.U64(b.Len)
}

func DecodeVStringBuffer(d *Decoder) (VStringBuffer, error) {
	ptr, err := d.U64()
	if err != nil {
		return VStringBuffer{}, err
	}
	length, err := d.U64()
	if err != nil {
		return VStringBuffer{}, err
	}
	return VStringBuffer{Ptr: ptr, Len: length}, nil
}

// RemoteFd is a descriptor number valid in one specific guest process.
type RemoteFd int32

// SysFd is a host file descriptor; ownership transfers with the message
// that carries it; the receiver is responsible for closing it.
type SysFd int

// Errno is a negated POSIX errno value, the form in which emulated
// syscalls report failure to the guest (SPEC_FULL.md §4.6/§7).
type Errno int32

func (e Errno) Encode(enc *Encoder) error { return enc.I32(int32(e)) }

func DecodeErrno(d *Decoder) (Errno, error) {
	v, err := d.I32()
	return Errno(v), err
}

// Signal is a Linux signal number.
type Signal int32

func (s Signal) Encode(e *Encoder) error { return e.I32(int32(s)) }

func DecodeSignal(d *Decoder) (Signal, error) {
	v, err := d.I32()
	return Signal(v), err
}

// LogLevel is the five-level wire log level, Trace=0 through Error=4,
// kept apart from logrus so the protocol package does not import it.
// Its numbering is not logrus's; levels map to logrus by name.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) Encode(e *Encoder) error { return e.U8(uint8(l)) }

func DecodeLogLevel(d *Decoder) (LogLevel, error) {
	v, err := d.U8()
	if err != nil {
		return 0, err
	}
	if v > uint8(LogError) {
		return 0, ErrInvalidValue
	}
	return LogLevel(v), nil
}

// LogMessage is a guest-emitted diagnostic line, always ASCII/UTF-8 and
// length-bounded by the IPC byte buffer itself; it is carried as a plain
// byte sequence with an explicit length prefix rather than the
// unsupported "string" wire type.
type LogMessage []byte

func (m LogMessage) Encode(e *Encoder) error {
	if err := e.Usize(uint64(len(m))); err != nil {
		return err
	}
	return e.Bytes(m)
}

func DecodeLogMessage(d *Decoder) (LogMessage, error) {
	n, err := d.Usize()
	if err != nil {
		return nil, err
	}
	p, err := d.Bytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return LogMessage(out), nil
}

// FileStat is the subset of struct stat the supervisor computes for a
// VFS node and returns to the tracer for stat/lstat/fstat emulation.
type FileStat struct {
	Inode uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint64
	Mtime int64
	Nlink uint32
	Rdev  uint64 // encodes (major, minor) for Char/Block nodes
}

func (s FileStat) Encode(e *Encoder) error {
	for _, step := range []func() error{
		func() error { return e.U64(s.Inode) },
		func() error { return e.U32(s.Mode) },
		func() error { return e.U32(s.UID) },
		func() error { return e.U32(s.GID) },
		func() error { return e.U64(s.Size) },
		func() error { return e.I64(s.Mtime) },
		func() error { return e.U32(s.Nlink) },
		func() error { return e.U64(s.Rdev) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func DecodeFileStat(d *Decoder) (FileStat, error) {
	var s FileStat
	var err error
	if s.Inode, err = d.U64(); err != nil {
		return s, err
	}
	if s.Mode, err = d.U32(); err != nil {
		return s, err
	}
	if s.UID, err = d.U32(); err != nil {
		return s, err
	}
	if s.GID, err = d.U32(); err != nil {
		return s, err
	}
	if s.Size, err = d.U64(); err != nil {
		return s, err
	}
	if s.Mtime, err = d.I64(); err != nil {
		return s, err
	}
	if s.Nlink, err = d.U32(); err != nil {
		return s, err
	}
	if s.Rdev, err = d.U64(); err != nil {
		return s, err
	}
	return s, nil
}

// ProcessHandle is the pair of host fds the supervisor hands back for
// OpenProcess: the guest's /proc/pid/mem and /proc/pid/maps files,
// opened once and reused for the task's entire lifetime.
type ProcessHandle struct {
	Mem  SysFd
	Maps SysFd
}

// FollowLinks selects whether path resolution follows a terminal
// symlink (SPEC_FULL.md §4.7).
type FollowLinks bool

const (
	Follow   FollowLinks = true
	NoFollow FollowLinks = false
)
