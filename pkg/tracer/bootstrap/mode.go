/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package bootstrap implements the tracer binary's own two-stage
// startup (SPEC_FULL.md §4.3): mode inference from argv/envp/seal
// status, the stage1-seccomp-then-self-re-exec dance, and the stage2
// execve(0,0,0) that traps back into the parent as the first guest
// task.
package bootstrap

import (
	"strconv"
	"strings"
)

// Mode is which of the two bootstrap stages a process invocation is.
type Mode int

const (
	ModeUnrecognized Mode = iota
	ModeStage1
	ModeStage2
)

// InferMode classifies a process invocation per the literal criteria
// in SPEC_FULL.md §4.3: argv/envp shape plus whether the running
// executable is a sealed memfd. Anything else is ModeUnrecognized —
// the bootstrap refuses to guess.
func InferMode(argv, envp []string, sealed bool) Mode {
	if !sealed {
		return ModeUnrecognized
	}
	switch {
	case len(argv) == 1 && argv[0] == "sand" && hasSingleValidFDEnv(envp):
		return ModeStage1
	case len(argv) == 1 && argv[0] == "sand-exec" && len(envp) == 0:
		return ModeStage2
	default:
		return ModeUnrecognized
	}
}

// hasSingleValidFDEnv reports whether envp is exactly one `FD=<n>`
// entry with n > 2 (never stdin/stdout/stderr).
func hasSingleValidFDEnv(envp []string) bool {
	if len(envp) != 1 {
		return false
	}
	fd, ok := parseFDEnv(envp[0])
	return ok && fd > 2
}

// parseFDEnv parses a single "FD=<n>" environment entry.
func parseFDEnv(entry string) (int, bool) {
	const prefix = "FD="
	if !strings.HasPrefix(entry, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(entry, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
