/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package registry is the thin boundary between the supervisor's
// container-lifecycle code and an OCI image registry. Network pulling,
// authentication, and manifest retrieval over the wire are out of
// scope (SPEC_FULL.md §1); what this package gives the rest of the
// repository is a real, ecosystem-typed surface — go-containerregistry
// reference parsing and image-spec manifest/config shapes — so that a
// future registry client slots in without pkg/vfs or pkg/tarlayer ever
// changing.
package registry

import (
	"context"
	"encoding/json"

	"github.com/google/go-containerregistry/pkg/name"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/storage"
)

// ErrPullNotImplemented marks a manifest miss that would otherwise
// require reaching out to a network registry: a real client fills
// this case in, this one reports it plainly instead of pretending to
// succeed.
var ErrPullNotImplemented = errors.New("registry: network pull not implemented")

// Layer is the minimal surface pkg/tarlayer needs from one image layer:
// enough to locate its cached blob. DiffID holds the same digest as
// Digest; no uncompressed digest is recorded.
type Layer struct {
	Digest    digest.Digest
	DiffID    digest.Digest
	Size      int64
	MediaType string
}

// Image is a resolved manifest plus its ordered layer list, expressed
// entirely in go-containerregistry/image-spec value types.
type Image struct {
	Ref    name.Reference
	Config ocispec.Image
	Layers []Layer
}

// Client resolves image references against the manifests pkg/storage
// already holds. It never performs a network fetch itself.
type Client struct {
	store       *storage.Store
	defaultHost string
}

// New returns a Client that resolves manifests out of store, applying
// defaultHost (SPEC_FULL.md's RegistryConfig.DefaultHost) to any bare
// reference with no registry component.
func New(store *storage.Store, defaultHost string) *Client {
	return &Client{store: store, defaultHost: defaultHost}
}

// manifest is the subset of the OCI image manifest pkg/storage caches
// under a KeyManifest entry: a config descriptor plus the ordered list
// of layer descriptors (compressed digests only).
type manifest struct {
	Config      ocispec.Descriptor   `json:"config"`
	Layers      []ocispec.Descriptor `json:"layers"`
	ConfigImage ocispec.Image        `json:"-"`
}

// Resolve parses ref and looks up its manifest in the cache. A cache
// miss surfaces as ErrPullNotImplemented; it is the caller's job to
// decide whether that is fatal or a reason to fall back to some other
// already-unpacked image source.
func (c *Client) Resolve(ctx context.Context, ref string) (*Image, error) {
	var opts []name.Option
	if c.defaultHost != "" {
		opts = append(opts, name.WithDefaultRegistry(c.defaultHost))
	}
	r, err := name.ParseReference(ref, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: parse reference %q", ref)
	}

	key := protocol.KeyManifest{
		Registry: r.Context().RegistryStr(),
		Repo:     r.Context().RepositoryStr(),
		Version:  r.Identifier(),
	}
	if !c.store.Has(key) {
		return nil, errors.Wrapf(ErrPullNotImplemented, "resolve %q", ref)
	}

	f, err := c.store.Open(key)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: open cached manifest for %q", ref)
	}
	defer f.Close()

	var m manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "registry: decode cached manifest for %q", ref)
	}

	img := &Image{Ref: r, Config: m.ConfigImage}
	for _, l := range m.Layers {
		img.Layers = append(img.Layers, Layer{
			Digest:    l.Digest,
			DiffID:    l.Digest,
			Size:      l.Size,
			MediaType: l.MediaType,
		})
	}
	log.L.Debugf("registry: resolved %q to %d cached layers", ref, len(img.Layers))
	return img, nil
}

// BlobKey returns the storage key a layer's compressed content is
// cached under.
func (l Layer) BlobKey() protocol.StorageKey {
	return protocol.KeyBlob{Digest: l.Digest}
}
