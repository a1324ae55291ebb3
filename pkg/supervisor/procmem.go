/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package supervisor

import (
	"bytes"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
)

// maxGuestString bounds how far readString will chase a missing NUL
// terminator before giving up, the same ceiling PATH_MAX-based kernels
// apply to path arguments.
const maxGuestString = 4096

// procMem is the supervisor's own handle onto a task's address space,
// opened from the same /proc/<SysPid>/mem path it also hands the task's
// tracer via ReplyOpenProcess; both descriptors stay open independently,
// since sending one over SCM_RIGHTS dups it rather than moving it.
type procMem struct {
	f *os.File
}

func openProcMem(sysPid protocol.SysPid) (*procMem, error) {
	f, err := os.OpenFile("/proc/"+strconv.Itoa(int(sysPid))+"/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open mem for pid %d", sysPid)
	}
	return &procMem{f: f}, nil
}

func (m *procMem) Close() error {
	return m.f.Close()
}

// readString reads the NUL-terminated string a VString points at.
func (m *procMem) readString(s protocol.VString) (string, error) {
	var out []byte
	buf := make([]byte, 256)
	for offset := uint64(0); offset < maxGuestString; offset += uint64(len(buf)) {
		n, err := m.f.ReadAt(buf, int64(s.Ptr+offset))
		if n == 0 && err != nil {
			return "", errors.Wrapf(err, "read guest string at 0x%x", s.Ptr)
		}
		chunk := buf[:n]
		if idx := bytes.IndexByte(chunk, 0); idx >= 0 {
			out = append(out, chunk[:idx]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		if err != nil {
			return "", errors.Wrapf(err, "read guest string at 0x%x", s.Ptr)
		}
	}
	return "", errors.Errorf("guest string at 0x%x exceeds %d bytes without a NUL terminator", s.Ptr, maxGuestString)
}

// writeBuffer copies data into the guest buffer b, truncating silently
// to b.Len the way the real readlink(2) truncates an oversized target
// rather than failing the call.
func (m *procMem) writeBuffer(b protocol.VStringBuffer, data []byte) (uint64, error) {
	n := uint64(len(data))
	if n > b.Len {
		n = b.Len
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := m.f.WriteAt(data[:n], int64(b.Ptr)); err != nil {
		return 0, errors.Wrapf(err, "write guest buffer at 0x%x", b.Ptr)
	}
	return n, nil
}

// writeBufferWithNUL copies data plus a trailing NUL into b, failing
// with ERANGE if data plus its NUL does not fit, matching getcwd(2).
func (m *procMem) writeBufferWithNUL(b protocol.VStringBuffer, data string) (uint64, error) {
	need := uint64(len(data)) + 1
	if need > b.Len {
		return 0, unix.ERANGE
	}
	payload := append([]byte(data), 0)
	if _, err := m.f.WriteAt(payload, int64(b.Ptr)); err != nil {
		return 0, errors.Wrapf(err, "write guest buffer at 0x%x", b.Ptr)
	}
	return need, nil
}
