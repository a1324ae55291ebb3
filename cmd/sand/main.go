/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Command sand is the tracer binary: the supervisor loads it as a
// sealed memfd and runs it through its own two-stage bootstrap
// (SPEC_FULL.md §4.3). It is never invoked directly by a user.
package main

import (
	"os"

	"github.com/sandpit/sandrun/pkg/tracer/bootstrap"
)

func main() {
	os.Exit(bootstrap.Main())
}
