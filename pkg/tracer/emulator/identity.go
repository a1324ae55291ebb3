/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package emulator

import "golang.org/x/sys/unix"

// utsFieldLen matches struct utsname's per-field size on linux/amd64.
const utsFieldLen = 65

func unameField(s string) []byte {
	b := make([]byte, utsFieldLen)
	copy(b, s)
	return b
}

// uname reports a fixed identity for every guest: SPEC_FULL.md §4.6
// pins sysname/release/machine so `uname -a` output is reproducible
// across hosts.
func (e *Emulator) uname(buf uint64) int64 {
	fields := [][]byte{
		unameField("Linux"),
		unameField("host"),
		unameField("4.0.0-bandsocks"),
		unameField("#1 SMP"),
		unameField("x86_64"),
		unameField(""),
	}
	out := make([]byte, 0, utsFieldLen*len(fields))
	for _, f := range fields {
		out = append(out, f...)
	}
	if err := e.Mem.WriteArbitrary(buf, out); err != nil {
		return -int64(unix.EFAULT)
	}
	return 0
}
