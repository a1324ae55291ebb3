/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package errdefs collects the sentinel errors shared across the
// supervisor and tracer and the predicates used to recover them after
// they have been wrapped with github.com/pkg/errors at a subsystem
// boundary.
package errdefs

import (
	stderrors "errors"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

const signalKilled = "signal: killed"

var (
	// ErrNotFound is returned by lookups (VFS, task table, blob store) that
	// find nothing at the requested key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a write would clobber an existing
	// entry that the caller did not ask to overwrite.
	ErrAlreadyExists = errors.New("already exists")
	// ErrClosed is returned by operations attempted on a connection or
	// resource that has already been torn down.
	ErrClosed = errors.New("closed")
	// ErrInvariant marks a violation of an invariant the spec declares
	// fatal (VPid/SysPid bijection, ptrace trampoline signal ordering).
	// Callers that see this should abort the container, not retry.
	ErrInvariant = errors.New("invariant violation")
)

// IsNotFound returns true if err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err is, or wraps, ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsClosed returns true if err is, or wraps, ErrClosed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsSignalKilled returns true if the error text indicates the child process
// was killed by a signal, e.g. because it was reaped by EXITKILL.
func IsSignalKilled(err error) bool {
	return strings.Contains(err.Error(), signalKilled)
}

// IsConnectionClosed returns true if err is due to use of an already-closed
// network connection, the case a supervisor shutdown produces on its IPC
// socket.
func IsConnectionClosed(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}

// IsEBUSY reports whether err unwraps to EBUSY, the errno a mount-busy
// teardown race produces.
func IsEBUSY(err error) bool {
	return stderrors.Is(err, syscall.EBUSY)
}
