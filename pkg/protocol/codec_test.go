/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func encodeToSand(t *testing.T, m ToSand) *Buffer {
	t.Helper()
	buf := NewBuffer(0, 0)
	assert.NilError(t, m.Encode(NewEncoder(buf)))
	return buf
}

func TestOpenProcessReplyEncoding(t *testing.T) {
	// SPEC_FULL.md §8 literal: MessageToSand::Task{ VPid(0x66669999),
	// OpenProcessReply{ mem: fd10, maps: fd20 } } encodes as the
	// discriminant byte for Task (0x00), the VPid little-endian, then the
	// OpenProcessReply discriminant (0x00) with no further bytes (the two
	// fds travel out of band).
	msg := ToSandTask{
		Task: VPid(0x66669999),
		Op:   ReplyOpenProcess{Handle: ProcessHandle{Mem: 10, Maps: 20}},
	}
	buf := encodeToSand(t, msg)
	assert.DeepEqual(t, buf.Bytes(), []byte{0x00, 0x99, 0x99, 0x66, 0x66, 0x00})
	assert.DeepEqual(t, buf.Fds(), []int{10, 20})
}

func TestFromSandRoundTrip(t *testing.T) {
	cases := []FromSand{
		{Task: 7, Op: OpOpenProcess{Pid: 42}},
		{Task: 7, Op: OpFileAccess{Dir: nil, Path: VString{Ptr: 0x1000}, Mode: 4}},
		{Task: 7, Op: OpFileOpen{Dir: &VFile{Inode: 3}, Path: VString{Ptr: 0x2000}, Flags: 0x241, Mode: 0644}},
		{Task: 7, Op: OpFileStat{File: &VFile{Inode: 9}, Path: nil, FollowLinks: true}},
		{Task: 7, Op: OpReadLink{Path: VString{Ptr: 1}, Buf: VStringBuffer{Ptr: 2, Len: 64}}},
		{Task: 7, Op: OpProcessKill{Target: 99, Sig: 9}},
		{Task: 7, Op: OpChangeWorkingDir{Path: VString{Ptr: 1}}},
		{Task: 7, Op: OpGetWorkingDir{Buf: VStringBuffer{Ptr: 1, Len: 4096}}},
		{Task: 7, Op: OpExited{Code: 1}},
		{Task: 7, Op: OpLog{Level: LogWarn, Msg: LogMessage("boom")}},
	}
	for _, c := range cases {
		buf := NewBuffer(0, 0)
		assert.NilError(t, c.Encode(NewEncoder(buf)))
		dec := NewDecoder(buf)
		got, err := DecodeFromSand(dec)
		assert.NilError(t, err)
		assert.DeepEqual(t, got, c)
		assert.Equal(t, dec.Consumed(), buf.Len())
	}
}

func TestToTaskRoundTrip(t *testing.T) {
	cases := []ToTaskOp{
		ReplyOpenProcess{Handle: ProcessHandle{Mem: 5, Maps: 6}},
		ReplyFile{Ok: true, File: VFile{Inode: 1}, Fd: 3},
		ReplyFile{Ok: false, Err: -2},
		ReplyFileStat{Ok: true, File: VFile{Inode: 2}, Stat: FileStat{Inode: 2, Mode: 0100644, Size: 10, Nlink: 1}},
		ReplyFileStat{Ok: false, Err: -2},
		ReplySize{Ok: true, Size: 12},
		ReplySize{Ok: false, Err: -1},
		Reply{Ok: true},
		Reply{Ok: false, Err: -13},
	}
	for _, c := range cases {
		buf := NewBuffer(0, 0)
		assert.NilError(t, c.Encode(NewEncoder(buf)))
		dec := NewDecoder(buf)
		got, err := DecodeToTaskOp(dec)
		assert.NilError(t, err)
		assert.DeepEqual(t, got, c)
	}
}

func TestDecodeRewindsOnPartialInput(t *testing.T) {
	full := FromSand{Task: 1, Op: OpExited{Code: 7}}
	buf := NewBuffer(0, 0)
	assert.NilError(t, full.Encode(NewEncoder(buf)))
	whole := append([]byte(nil), buf.Bytes()...)

	// Feed one byte short of the full message: decode must fail with
	// ErrUnexpectedEnd and must not have mutated the buffer (the "rewind"
	// property), so a retry after the remaining byte arrives succeeds.
	short := NewBuffer(0, 0)
	assert.NilError(t, short.FillFrom(whole[:len(whole)-1], nil))
	dec := NewDecoder(short)
	_, err := DecodeFromSand(dec)
	assert.Assert(t, is.ErrorIs(err, ErrUnexpectedEnd))
	assert.Equal(t, short.Len(), len(whole)-1)

	assert.NilError(t, short.FillFrom(whole[len(whole)-1:], nil))
	dec2 := NewDecoder(short)
	got, err := DecodeFromSand(dec2)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, full)
	short.Advance(dec2.Consumed(), dec2.ConsumedFds())
	assert.Equal(t, short.Len(), 0)
}

func TestBufferFullRejectsAppend(t *testing.T) {
	buf := NewBuffer(4, 1)
	assert.NilError(t, buf.AppendBytes([]byte{1, 2, 3, 4}))
	assert.Assert(t, is.ErrorIs(buf.AppendBytes([]byte{5}), ErrBufferFull))
	assert.NilError(t, buf.AppendFd(10))
	assert.Assert(t, is.ErrorIs(buf.AppendFd(11), ErrBufferFull))
}

func TestStorageKeyPathsAreInjective(t *testing.T) {
	a := KeyManifest{Registry: "docker.io", Repo: "library/alpine", Version: "latest"}
	b := KeyManifest{Registry: "docker.io-", Repo: "library/alpine", Version: "latest"}
	assert.Assert(t, a.Path() != b.Path())

	buf := NewBuffer(0, 0)
	assert.NilError(t, a.Encode(NewEncoder(buf)))
	dec := NewDecoder(buf)
	got, err := DecodeStorageKey(dec)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, StorageKey(a))
}

func TestInitArgsRoundTrip(t *testing.T) {
	args := InitArgs{
		Dir:      "/",
		Filename: "/bin/sh",
		Argv:     []string{"/bin/sh", "-c", "echo hi"},
		Envp:     []string{"PATH=/bin", "HOME=/root"},
	}
	raw := EncodeInitArgs(args)
	got, err := DecodeInitArgs(raw)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, args)
}

func TestInitArgsEmptyArgvEnvp(t *testing.T) {
	args := InitArgs{Dir: "/", Filename: "/bin/true"}
	raw := EncodeInitArgs(args)
	got, err := DecodeInitArgs(raw)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, args)
}

func TestInitArgsTruncatedIsInvalid(t *testing.T) {
	args := InitArgs{Dir: "/", Filename: "/bin/true", Argv: []string{"/bin/true"}}
	raw := EncodeInitArgs(args)
	_, err := DecodeInitArgs(raw[:len(raw)-1])
	assert.ErrorContains(t, err, "")
}
