/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package bootstrap

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fullSeal is the seal set SPEC_FULL.md §4.3 requires of the tracer's
// own memfd image: no further seals, no shrink, no grow, no write.
const fullSeal = unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// IsSealedSelf reports whether the running executable is a memfd
// carrying fullSeal, the condition InferMode requires of both
// bootstrap stages.
func IsSealedSelf() bool {
	f, err := unix.Open("/proc/self/exe", unix.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer unix.Close(f)

	seals, err := unix.FcntlInt(uintptr(f), unix.F_GET_SEALS, 0)
	if err != nil {
		return false
	}
	return seals&fullSeal == fullSeal
}

// SealMemfd applies fullSeal to fd, the supervisor-created memfd that
// will become /proc/self/exe for the spawned tracer.
func SealMemfd(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, fullSeal); err != nil {
		return errors.Wrap(err, "bootstrap: seal tracer memfd")
	}
	return nil
}

// Tracer process exit codes (SPEC_FULL.md §7): the supervisor reads
// these back via wait4 to distinguish clean shutdown from the flavor
// of failure that killed the tracer.
const (
	ExitOK           = 0
	ExitPanic        = 120
	ExitDisconnected = 121
	ExitIOError      = 122
	ExitOutOfMemory  = 123
)
