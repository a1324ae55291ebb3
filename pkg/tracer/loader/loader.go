/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package loader implements execve's program-image construction
// (SPEC_FULL.md §4.8): interpreter-script detection, ELF64 parsing and
// segment mapping through the remote-syscall trampoline, and the final
// argv/envp/auxv stack layout.
package loader

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/sandpit/sandrun/pkg/tracer/emulator"
)

// maxInterpreterDepth bounds #! recursion so a script that names itself
// (or another script) as its own interpreter cannot loop forever.
const maxInterpreterDepth = 4

// Loader is the stateless emulator.Loader this core wires into every
// task's Emulator.
type Loader struct{}

// New builds a Loader.
func New() *Loader { return &Loader{} }

// Exec implements emulator.Loader.
func (l *Loader) Exec(e *emulator.Emulator, path string, argv, envp []string) error {
	return l.exec(e, path, argv, envp, 0)
}

func (l *Loader) exec(e *emulator.Emulator, path string, argv, envp []string, depth int) error {
	if depth > maxInterpreterDepth {
		return errors.New("loader: interpreter recursion too deep")
	}

	f, _, err := e.OpenFileForLoader(path)
	if err != nil {
		return errors.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close()

	var magic [2]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return errors.Wrapf(err, "loader: read magic of %s", path)
	}

	if magic[0] == '#' && magic[1] == '!' {
		interp, interpArg, err := parseShebang(f)
		if err != nil {
			return errors.Wrapf(err, "loader: %s", path)
		}
		return l.exec(e, interp, shebangArgv(interp, interpArg, path, argv), envp, depth+1)
	}

	return loadELFExecutable(e, f, path, argv, envp)
}

// shebangArgv builds the argv execve would see after the kernel's own
// #! rewrite: [interpreter, optional-arg, script-path, original-argv[1:]...].
func shebangArgv(interp, interpArg, scriptPath string, argv []string) []string {
	rest := argv
	if len(rest) > 0 {
		rest = rest[1:] // argv[0] is replaced by scriptPath below
	}
	out := make([]string, 0, len(rest)+3)
	out = append(out, interp)
	if interpArg != "" {
		out = append(out, interpArg)
	}
	out = append(out, scriptPath)
	return append(out, rest...)
}

// parseShebang reads the #! line, bounded to 255 bytes to match the
// Linux kernel's BINPRM_BUF_SIZE convention, and splits it into the
// interpreter path and its single optional argument.
func parseShebang(f *os.File) (interp, arg string, err error) {
	const maxLine = 255
	buf := make([]byte, maxLine)
	n, readErr := f.ReadAt(buf, 0)
	if readErr != nil && n == 0 {
		return "", "", errors.Wrap(readErr, "read shebang line")
	}
	line := string(buf[:n])
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "#!"))
	if line == "" {
		return "", "", errors.New("empty shebang interpreter")
	}

	fields := strings.SplitN(line, " ", 2)
	interp = fields[0]
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return interp, arg, nil
}
