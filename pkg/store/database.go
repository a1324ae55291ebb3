/*
 * Copyright (c) 2021. Ant Financial. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store holds the supervisor's own bookkeeping: VPid pool
// allocation records and exit-code history for containers it has
// spawned, kept in a bolt file under the ephemeral cache root for the
// lifetime of the supervisor process (SPEC_FULL.md §11). Nothing here
// is read back across a supervisor restart.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/sandpit/sandrun/pkg/errdefs"
	"github.com/sandpit/sandrun/pkg/protocol"
)

const databaseFileName = "sandrun.db"

// Bucket hierarchy:
//
//	v1:
//	  containers  - one record per container, keyed by container ID
//	  vpids       - one record per allocated VPid, keyed by its decimal string
var (
	v1RootBucket    = []byte("v1")
	containersBucket = []byte("containers")
	vpidsBucket      = []byte("vpids")
)

// ContainerRecord is the bookkeeping the supervisor keeps per container:
// when it started, which VPid its initial task holds, and how it ended.
type ContainerRecord struct {
	ID        string
	InitVPid  protocol.VPid
	StartedAt time.Time
	ExitCode  *int32
	ExitedAt  *time.Time
}

// VPidRecord marks one VPid as allocated to a container, so a restart
// mid-run (were one ever recovered from) would not double-issue it.
type VPidRecord struct {
	VPid        protocol.VPid
	ContainerID string
}

// Database is the supervisor's bolt-backed metadata store.
type Database struct {
	db *bolt.DB
}

// NewDatabase creates or opens the database file under rootDir.
func NewDatabase(rootDir string) (*Database, error) {
	f := filepath.Join(rootDir, databaseFileName)
	if err := ensureDirectory(filepath.Dir(f)); err != nil {
		return nil, err
	}

	opts := bolt.Options{Timeout: 4 * time.Second}
	db, err := bolt.Open(f, 0600, &opts)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db}
	if err := d.initDatabase(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return d, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

func getContainersBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(containersBucket)
}

func getVPidsBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(vpidsBucket)
}

func (db *Database) initDatabase() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(v1RootBucket)
		if err != nil {
			return err
		}
		if _, err := bk.CreateBucketIfNotExists(containersBucket); err != nil {
			return errors.Wrapf(err, "bucket %s", containersBucket)
		}
		if _, err := bk.CreateBucketIfNotExists(vpidsBucket); err != nil {
			return errors.Wrapf(err, "bucket %s", vpidsBucket)
		}
		return nil
	})
}

func (db *Database) Close() error {
	if err := db.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close boltdb")
	}
	return nil
}

func putObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	keyBytes := []byte(key)
	if bucket.Get(keyBytes) != nil {
		return errdefs.ErrAlreadyExists
	}
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return errors.Wrapf(bucket.Put(keyBytes, value), "put key %s", key)
}

func updateObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return errors.Wrapf(bucket.Put([]byte(key), value), "put key %s", key)
}

func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	value := bucket.Get([]byte(key))
	if value == nil {
		return errdefs.ErrNotFound
	}
	return errors.Wrapf(json.Unmarshal(value, obj), "unmarshal %s", key)
}

// SaveContainer records a newly spawned container. Returns
// errdefs.ErrAlreadyExists if id is already recorded.
func (db *Database) SaveContainer(ctx context.Context, r *ContainerRecord) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return putObject(getContainersBucket(tx), r.ID, r)
	})
}

// RecordExit stores a container's exit code once its tracer process has
// been reaped.
func (db *Database) RecordExit(ctx context.Context, id string, code int32, at time.Time) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bucket := getContainersBucket(tx)
		var r ContainerRecord
		if err := getObject(bucket, id, &r); err != nil {
			return err
		}
		r.ExitCode = &code
		r.ExitedAt = &at
		return updateObject(bucket, id, &r)
	})
}

// DeleteContainer removes a container's record.
func (db *Database) DeleteContainer(ctx context.Context, id string) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrapf(getContainersBucket(tx).Delete([]byte(id)), "delete container %s", id)
	})
}

// WalkContainers iterates every recorded container.
func (db *Database) WalkContainers(ctx context.Context, cb func(r *ContainerRecord) error) error {
	return db.db.View(func(tx *bolt.Tx) error {
		return getContainersBucket(tx).ForEach(func(key, value []byte) error {
			var r ContainerRecord
			if err := json.Unmarshal(value, &r); err != nil {
				return errors.Wrapf(err, "unmarshal %s", key)
			}
			return cb(&r)
		})
	})
}

// AllocateVPid records that vpid has been handed out to containerID.
// VPids themselves are assigned by the tracer's own task table; this is
// the durable trail of who held what, kept for the container's own
// exit-code history lookups. VPid numbering restarts at 1 within each
// container's own tracer, so the key is scoped by containerID to keep
// concurrent containers from colliding on the same VPid.
func (db *Database) AllocateVPid(ctx context.Context, vpid protocol.VPid, containerID string) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return putObject(getVPidsBucket(tx), vpidKey(containerID, vpid), &VPidRecord{VPid: vpid, ContainerID: containerID})
	})
}

// ReleaseVPid removes vpid's allocation record once its task has exited.
func (db *Database) ReleaseVPid(ctx context.Context, containerID string, vpid protocol.VPid) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(getVPidsBucket(tx).Delete([]byte(vpidKey(containerID, vpid))), "release vpid")
	})
}

func vpidKey(containerID string, vpid protocol.VPid) string {
	return containerID + "/" + strconv.FormatUint(uint64(vpid), 10)
}
