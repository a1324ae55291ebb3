/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package ipc

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/sandpit/sandrun/pkg/protocol"
)

func socketpair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NilError(t, err)

	toConn := func(fd int) *Conn {
		f := os.NewFile(uintptr(fd), "sandrun-test-socket")
		c, err := net.FileConn(f)
		assert.NilError(t, err)
		f.Close()
		return New(c.(*net.UnixConn))
	}
	return toConn(fds[0]), toConn(fds[1])
}

func TestWriteReadFromSandRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	msg := protocol.FromSand{Task: 42, Op: protocol.OpExited{Code: 0}}
	assert.NilError(t, a.WriteFromSand(msg))

	got, err := b.ReadFromSand()
	assert.NilError(t, err)
	assert.DeepEqual(t, got, msg)
}

func TestWriteReadToSandCarriesFds(t *testing.T) {
	a, b := socketpair(t)
	defer a.Close()
	defer b.Close()

	devnull, err := os.Open(os.DevNull)
	assert.NilError(t, err)
	defer devnull.Close()

	msg := protocol.ToSandTask{
		Task: 1,
		Op:   protocol.ReplyOpenProcess{Handle: protocol.ProcessHandle{Mem: protocol.SysFd(devnull.Fd()), Maps: protocol.SysFd(devnull.Fd())}},
	}
	assert.NilError(t, a.WriteToSand(msg))

	got, err := b.ReadToSand()
	assert.NilError(t, err)
	reply, ok := got.(protocol.ToSandTask)
	assert.Assert(t, ok)
	assert.Equal(t, reply.Task, protocol.VPid(1))
	op, ok := reply.Op.(protocol.ReplyOpenProcess)
	assert.Assert(t, ok)
	assert.Assert(t, op.Handle.Mem >= 0)
	unix.Close(int(op.Handle.Mem))
	unix.Close(int(op.Handle.Maps))
}

func TestReadReturnsEOFOnPeerClose(t *testing.T) {
	a, b := socketpair(t)
	defer b.Close()
	a.Close()

	_, err := b.ReadFromSand()
	assert.Assert(t, IsEOF(err))
}
