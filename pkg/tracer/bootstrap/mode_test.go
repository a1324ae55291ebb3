/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package bootstrap

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestInferModeStage1(t *testing.T) {
	mode := InferMode([]string{"sand"}, []string{"FD=3"}, true)
	assert.Equal(t, mode, ModeStage1)
}

func TestInferModeStage2(t *testing.T) {
	mode := InferMode([]string{"sand-exec"}, nil, true)
	assert.Equal(t, mode, ModeStage2)
}

func TestInferModeRejectsUnsealed(t *testing.T) {
	assert.Equal(t, InferMode([]string{"sand"}, []string{"FD=3"}, false), ModeUnrecognized)
	assert.Equal(t, InferMode([]string{"sand-exec"}, nil, false), ModeUnrecognized)
}

func TestInferModeRejectsReservedFD(t *testing.T) {
	mode := InferMode([]string{"sand"}, []string{"FD=2"}, true)
	assert.Equal(t, mode, ModeUnrecognized)
}

func TestInferModeRejectsExtraEnv(t *testing.T) {
	mode := InferMode([]string{"sand"}, []string{"FD=3", "PATH=/bin"}, true)
	assert.Equal(t, mode, ModeUnrecognized)
}

func TestInferModeRejectsExtraArgs(t *testing.T) {
	assert.Equal(t, InferMode([]string{"sand", "extra"}, []string{"FD=3"}, true), ModeUnrecognized)
	assert.Equal(t, InferMode([]string{"sand-exec", "extra"}, nil, true), ModeUnrecognized)
}

func TestInferModeStage2RejectsNonEmptyEnv(t *testing.T) {
	mode := InferMode([]string{"sand-exec"}, []string{"FD=3"}, true)
	assert.Equal(t, mode, ModeUnrecognized)
}

func TestParseFDEnv(t *testing.T) {
	fd, ok := parseFDEnv("FD=7")
	assert.Assert(t, ok)
	assert.Equal(t, fd, 7)

	_, ok = parseFDEnv("PATH=/bin")
	assert.Assert(t, !ok)

	_, ok = parseFDEnv("FD=notanumber")
	assert.Assert(t, !ok)
}

func TestHasSingleValidFDEnv(t *testing.T) {
	assert.Assert(t, hasSingleValidFDEnv([]string{"FD=3"}))
	assert.Assert(t, !hasSingleValidFDEnv([]string{"FD=2"}))
	assert.Assert(t, !hasSingleValidFDEnv([]string{"FD=3", "FD=4"}))
	assert.Assert(t, !hasSingleValidFDEnv(nil))
}
