/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package loader

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
)

func writeTemp(t *testing.T, content string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "shebang")
	assert.NilError(t, err)
	_, err = f.WriteString(content)
	assert.NilError(t, err)
	_, err = f.Seek(0, 0)
	assert.NilError(t, err)
	return f
}

func TestParseShebangWithArgument(t *testing.T) {
	f := writeTemp(t, "#!/usr/bin/env python3\nprint('hi')\n")
	defer f.Close()

	interp, arg, err := parseShebang(f)
	assert.NilError(t, err)
	assert.Equal(t, interp, "/usr/bin/env")
	assert.Equal(t, arg, "python3")
}

func TestParseShebangWithoutArgument(t *testing.T) {
	f := writeTemp(t, "#!/bin/sh\necho hi\n")
	defer f.Close()

	interp, arg, err := parseShebang(f)
	assert.NilError(t, err)
	assert.Equal(t, interp, "/bin/sh")
	assert.Equal(t, arg, "")
}

func TestParseShebangRejectsEmptyInterpreter(t *testing.T) {
	f := writeTemp(t, "#!\n")
	defer f.Close()

	_, _, err := parseShebang(f)
	assert.ErrorContains(t, err, "empty shebang interpreter")
}

func TestShebangArgvPlacesScriptPathAfterInterpreter(t *testing.T) {
	argv := shebangArgv("/bin/sh", "", "/usr/local/bin/run.sh", []string{"run.sh", "a", "b"})
	assert.DeepEqual(t, argv, []string{"/bin/sh", "/usr/local/bin/run.sh", "a", "b"})
}

func TestShebangArgvKeepsInterpreterArgument(t *testing.T) {
	argv := shebangArgv("/usr/bin/env", "python3", "/srv/app.py", []string{"app.py"})
	assert.DeepEqual(t, argv, []string{"/usr/bin/env", "python3", "/srv/app.py"})
}

func TestExecRejectsRunawayInterpreterRecursion(t *testing.T) {
	l := New()
	err := l.exec(nil, "/bin/loop", nil, nil, maxInterpreterDepth+1)
	assert.ErrorContains(t, err, "recursion too deep")
}
