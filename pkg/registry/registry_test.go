/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package registry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/storage"
)

const sampleManifest = `{
  "schemaVersion": 2,
  "config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "sha256:` +
	`e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", "size": 2},
  "layers": [
    {"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
     "digest": "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", "size": 100}
  ]
}`

func TestResolveServesCachedManifest(t *testing.T) {
	store := storage.New(t.TempDir())
	key := protocol.KeyManifest{Registry: "index.docker.io", Repo: "library/busybox", Version: "latest"}
	require.NoError(t, store.Insert(key, bytes.NewBufferString(sampleManifest)))

	c := New(store, "")
	img, err := c.Resolve(context.Background(), "index.docker.io/library/busybox:latest")
	require.NoError(t, err)
	require.Len(t, img.Layers, 1)
	require.EqualValues(t, 100, img.Layers[0].Size)
}

func TestResolveMissReportsPullNotImplemented(t *testing.T) {
	store := storage.New(t.TempDir())
	c := New(store, "")
	_, err := c.Resolve(context.Background(), "index.docker.io/library/busybox:latest")
	require.ErrorIs(t, err, ErrPullNotImplemented)
}

func TestResolveAppliesDefaultRegistry(t *testing.T) {
	store := storage.New(t.TempDir())
	key := protocol.KeyManifest{Registry: "mirror.example.com", Repo: "library/alpine", Version: "3.18"}
	require.NoError(t, store.Insert(key, bytes.NewBufferString(sampleManifest)))

	c := New(store, "mirror.example.com")
	img, err := c.Resolve(context.Background(), "library/alpine:3.18")
	require.NoError(t, err)
	require.Len(t, img.Layers, 1)
}
