/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 * Copyright (c) 2023. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package log is the thin accessor the rest of the module imports instead
// of calling logrus directly, the same L/G(ctx) indirection the teacher
// imports from containerd/log. It exists so a context can carry a
// request-scoped *logrus.Entry (a per-task vpid, for instance) without
// every call site having to know about logrus.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// RFC3339NanoFixed is the fixed-width timestamp layout used for all log
// output, so column alignment survives nanosecond jitter.
const RFC3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

type loggerKey struct{}

// L is the package-wide logger. It wraps the logrus standard logger,
// which logging.SetUp configures in place; WithTask/WithField derive a
// child entry from it.
var L = logrus.NewEntry(logrus.StandardLogger())

// WithLogger returns a copy of ctx carrying entry, retrievable with G.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// G returns the logger stored in ctx, or L if none was attached.
func G(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return L
}

// WithTask returns a logger tagged with the guest task's virtual pid, the
// per-task "log settings" field the spec's Task record carries.
func WithTask(vpid uint32) *logrus.Entry {
	return L.WithField("vpid", vpid)
}
