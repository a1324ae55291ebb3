/*
 * Copyright (c) 2021. Ant Financial. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandpit/sandrun/pkg/errdefs"
	"github.com/sandpit/sandrun/pkg/protocol"
)

func TestContainerLifecycle(t *testing.T) {
	rootDir := t.TempDir()

	db, err := NewDatabase(rootDir)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.TODO()
	c1 := &ContainerRecord{ID: "c1", InitVPid: 1, StartedAt: time.Now()}
	c2 := &ContainerRecord{ID: "c2", InitVPid: 2, StartedAt: time.Now()}
	require.NoError(t, db.SaveContainer(ctx, c1))
	require.NoError(t, db.SaveContainer(ctx, c2))

	// duplicate ID must fail
	require.Error(t, db.SaveContainer(ctx, c1))

	require.NoError(t, db.RecordExit(ctx, "c1", 0, time.Now()))

	seen := make(map[string]*ContainerRecord)
	require.NoError(t, db.WalkContainers(ctx, func(r *ContainerRecord) error {
		seen[r.ID] = r
		return nil
	}))
	require.Len(t, seen, 2)
	require.NotNil(t, seen["c1"].ExitCode)
	require.Equal(t, int32(0), *seen["c1"].ExitCode)
	require.Nil(t, seen["c2"].ExitCode)

	require.NoError(t, db.DeleteContainer(ctx, "c2"))
	seen = make(map[string]*ContainerRecord)
	require.NoError(t, db.WalkContainers(ctx, func(r *ContainerRecord) error {
		seen[r.ID] = r
		return nil
	}))
	require.Len(t, seen, 1)
}

func TestRecordExitOfUnknownContainerFails(t *testing.T) {
	db, err := NewDatabase(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	err = db.RecordExit(context.TODO(), "ghost", 1, time.Now())
	require.True(t, errdefs.IsNotFound(err))
}

func TestVPidAllocationRoundTrip(t *testing.T) {
	db, err := NewDatabase(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.TODO()
	require.NoError(t, db.AllocateVPid(ctx, protocol.VPid(7), "c1"))
	require.NoError(t, db.AllocateVPid(ctx, protocol.VPid(7), "c2"))
	require.Error(t, db.AllocateVPid(ctx, protocol.VPid(7), "c1"))
	require.NoError(t, db.ReleaseVPid(ctx, "c1", protocol.VPid(7)))
	require.NoError(t, db.AllocateVPid(ctx, protocol.VPid(7), "c1"))
}

func TestNewDatabaseCreatesRootDir(t *testing.T) {
	root := t.TempDir() + "/nested/path"
	db, err := NewDatabase(root)
	require.NoError(t, err)
	defer db.Close()
	_, err = os.Stat(root)
	require.NoError(t, err)
}
