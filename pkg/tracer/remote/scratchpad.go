/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package remote

import "fmt"

// Scratchpad is a single guest-anonymous page allocated through a
// Trampoline, used to stage host-supplied bytes for syscalls that take
// a pointer argument (SPEC_FULL.md §4.4). It must be freed exactly
// once; a Scratchpad that is garbage collected without Close is a
// programmer error, not a recoverable condition.
type Scratchpad struct {
	addr   uint64
	size   uint64
	closed bool
	tramp  *Trampoline
}

// PageSize is the only page size this core supports.
const PageSize = 4096

// NewScratchpad mmaps one anonymous page in the guest via tramp.
func NewScratchpad(tramp *Trampoline) (*Scratchpad, error) {
	addr, err := tramp.MmapAnonymous(0, PageSize)
	if err != nil {
		return nil, err
	}
	return &Scratchpad{addr: addr, size: PageSize, tramp: tramp}, nil
}

// Addr is the scratchpad's address in guest memory.
func (s *Scratchpad) Addr() uint64 { return s.addr }

// Write stages p into the scratchpad via the owning Memory.
func (s *Scratchpad) Write(mem *Memory, p []byte) error {
	if uint64(len(p)) > s.size {
		return fmt.Errorf("remote: scratchpad write of %d bytes exceeds page size", len(p))
	}
	return mem.WriteArbitrary(s.addr, p)
}

// Close unmaps the scratchpad. It must be called exactly once; calling
// it twice or never is a programmer error the caller must not make —
// mirroring the spec's "drop without explicit free aborts" rule, a
// second Close panics rather than silently succeeding.
func (s *Scratchpad) Close() error {
	if s.closed {
		panic("remote: scratchpad closed twice")
	}
	s.closed = true
	return s.tramp.Munmap(s.addr, s.size)
}
