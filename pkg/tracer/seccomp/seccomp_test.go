/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package seccomp

import (
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestStage1ProgramAllowsReadAndDefaultsToTrace(t *testing.T) {
	prog := Stage1Program()
	assert.Assert(t, len(prog) > 0)
	assert.Assert(t, len(prog) <= 0xffff)

	sawAllowRead := false
	for i, instr := range prog {
		if instr.Code == bpfJMP|bpfJEQ|bpfK && instr.K == uint32(unix.SYS_READ) {
			if i+1 < len(prog) && prog[i+1].K == RetAllow {
				sawAllowRead = true
			}
		}
	}
	assert.Assert(t, sawAllowRead)

	// The program must end in a RET instruction (the default action).
	last := prog[len(prog)-1]
	assert.Equal(t, last.Code, uint16(bpfRET|bpfK))
	assert.Equal(t, last.K, RetTrace)
}

func TestStage2ProgramTracesOpenAndDefaultsToTrap(t *testing.T) {
	prog := Stage2Program()
	sawTraceOpen := false
	for i, instr := range prog {
		if instr.Code == bpfJMP|bpfJEQ|bpfK && instr.K == uint32(unix.SYS_OPENAT) {
			if i+1 < len(prog) && prog[i+1].K == RetTrace {
				sawTraceOpen = true
			}
		}
	}
	assert.Assert(t, sawTraceOpen)

	last := prog[len(prog)-1]
	assert.Equal(t, last.K, RetTrap)
}
