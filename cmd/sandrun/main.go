/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Command sandrun is the user-facing front end: it resolves an OCI
// image into a virtual filesystem, spawns the tracer process against
// it, and reports the guest's exit code (SPEC_FULL.md §6, §10.4).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/sandpit/sandrun/internal/config"
	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/internal/logging"
	"github.com/sandpit/sandrun/pkg/metrics"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/registry"
	"github.com/sandpit/sandrun/pkg/storage"
	"github.com/sandpit/sandrun/pkg/store"
	"github.com/sandpit/sandrun/pkg/supervisor"
	"github.com/sandpit/sandrun/pkg/tarlayer"
	"github.com/sandpit/sandrun/pkg/vfs"
	"github.com/sandpit/sandrun/version"
)

func main() {
	app := &cli.App{
		Name:    "sandrun",
		Usage:   "run an unmodified OCI container image without kernel namespaces",
		Version: version.String(),
		Commands: []*cli.Command{
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("sandrun failed")
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run IMAGE inside the sandbox",
		ArgsUsage: "IMAGE -- ARGV...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cache-dir", Value: "cache", Usage: "content-addressed cache root"},
			&cli.BoolFlag{Name: "ephemeral-cache", Usage: "remove the cache directory on exit"},
			&cli.BoolFlag{Name: "offline", Usage: "never attempt a registry fetch, serve only cached manifests"},
			&cli.StringSliceFlag{Name: "env", Usage: "KEY=VALUE, repeatable"},
			&cli.StringFlag{Name: "entrypoint", Usage: "override the image's configured entrypoint"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn, or error"},
			&cli.StringFlag{Name: "tracer-path", Usage: "path to the sand binary (default: next to sandrun)"},
			&cli.StringFlag{Name: "registry", Usage: "default registry host for bare image references"},
			&cli.BoolFlag{Name: "metrics", Usage: "serve a prometheus /v1/metrics endpoint"},
			&cli.StringFlag{Name: "metrics-address", Usage: "address for --metrics to listen on"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	image, argv := splitImageAndArgv(c.Args().Slice())
	if image == "" {
		return cli.Exit("sandrun run: IMAGE is required", 2)
	}

	cfg := config.Default()
	cfg.Cache.Dir = c.String("cache-dir")
	cfg.Cache.Ephemeral = c.Bool("ephemeral-cache")
	cfg.Cache.Offline = c.Bool("offline")
	cfg.Log.Level = c.String("log-level")
	cfg.Log.Stdout = true
	cfg.Registry.DefaultHost = c.String("registry")
	cfg.Run.TracerPath = c.String("tracer-path")
	cfg.Metrics.Enable = c.Bool("metrics")
	if addr := c.String("metrics-address"); addr != "" {
		cfg.Metrics.Address = addr
	}
	for _, kv := range c.StringSlice("env") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return cli.Exit(fmt.Sprintf("sandrun run: invalid --env %q, want KEY=VALUE", kv), 2)
		}
		if cfg.Run.Env == nil {
			cfg.Run.Env = map[string]string{}
		}
		cfg.Run.Env[k] = v
	}
	if ep := c.String("entrypoint"); ep != "" {
		cfg.Run.Entrypoint = []string{ep}
	}

	if err := logging.SetUp(cfg.Log.Level, cfg.Log.Stdout, cfg.Log.Dir, nil); err != nil {
		return errors.Wrap(err, "sandrun: configure logging")
	}
	if cfg.Cache.Ephemeral {
		defer os.RemoveAll(cfg.Cache.Dir)
	}

	exitCode, err := runContainer(c.Context, cfg, image, argv)
	if err != nil {
		return err
	}
	// os.Exit skips deferred calls, so the ephemeral cache is removed here.
	if cfg.Cache.Ephemeral {
		os.RemoveAll(cfg.Cache.Dir)
	}
	os.Exit(exitCode)
	return nil
}

// splitImageAndArgv separates "IMAGE -- ARGV..." the way the CLI surface
// names it: everything before a literal "--" (or the sole remaining
// argument, if there is no "--") is the image reference.
func splitImageAndArgv(args []string) (string, []string) {
	for i, a := range args {
		if a == "--" {
			return firstOrEmpty(args[:i]), args[i+1:]
		}
	}
	return firstOrEmpty(args), nil
}

func firstOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runContainer(ctx context.Context, cfg config.Config, image string, argv []string) (int, error) {
	tracerPath, err := supervisor.ResolveTracerPath(cfg.Run.TracerPath)
	if err != nil {
		return 0, err
	}

	db, err := store.NewDatabase(cfg.Cache.Dir)
	if err != nil {
		return 0, errors.Wrap(err, "sandrun: open container database")
	}
	defer db.Close()

	if cfg.Metrics.Enable {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Address); err != nil {
				log.L.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	blobs := storage.New(cfg.Cache.Dir)
	fs, err := buildFilesystem(ctx, cfg, blobs, image)
	if err != nil {
		return 0, err
	}

	entrypoint := cfg.Run.Entrypoint
	if len(entrypoint) == 0 {
		entrypoint = []string{"/bin/sh"}
	}
	filename := entrypoint[0]
	fullArgv := append(append([]string{}, entrypoint...), argv...)

	container, err := supervisor.StartContainer(tracerPath, db, supervisor.ContainerSpec{
		Filesystem: fs,
		Blobs:      blobs,
		Dir:        "/",
		Filename:   filename,
		Argv:       fullArgv,
		Envp:       envSlice(cfg.Run.Env),
		LogLevel:   logLevelFor(cfg.Log.Level),
	})
	if err != nil {
		return 0, errors.Wrap(err, "sandrun: start container")
	}

	code, err := container.Run()
	if err != nil {
		return 0, errors.Wrap(err, "sandrun: run container")
	}
	log.L.WithField("container", container.ID).Infof("exited with code %d", code)
	return code, nil
}

// layerFetchConcurrency bounds how many layers tarlayer.ExtractLayers may
// decompress, parse, and blob-hash at once. A handful in flight is enough
// to hide per-layer gzip/tar CPU behind the cache's disk I/O without
// starving a modest supervisor host the way unbounded fan-out would.
const layerFetchConcurrency = 4

// buildFilesystem resolves image against the cache's manifest store and
// materializes every layer. A manifest the cache has never seen fails
// with registry.ErrPullNotImplemented: fetching it over the network is
// out of scope, so the operator must have already populated the cache (a
// prior pull, or an offline-loaded image).
func buildFilesystem(ctx context.Context, cfg config.Config, blobs *storage.Store, image string) (*vfs.Filesystem, error) {
	client := registry.New(blobs, cfg.Registry.DefaultHost)
	img, err := client.Resolve(ctx, image)
	if err != nil {
		return nil, errors.Wrapf(err, "sandrun: resolve %q", image)
	}

	fs := vfs.New()
	mat := tarlayer.New(fs, blobs)

	opens := make([]func() (io.ReadCloser, error), len(img.Layers))
	for i, layer := range img.Layers {
		layer := layer
		opens[i] = func() (io.ReadCloser, error) {
			f, err := blobs.Open(layer.BlobKey())
			if err != nil {
				return nil, errors.Wrapf(err, "sandrun: open layer %s", layer.Digest)
			}
			return f, nil
		}
	}
	if err := mat.ExtractLayers(ctx, layerFetchConcurrency, opens); err != nil {
		return nil, errors.Wrapf(err, "sandrun: materialize layers for %q", image)
	}
	return fs, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func logLevelFor(level string) protocol.LogLevel {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return protocol.LogInfo
	}
	switch lvl {
	case logrus.TraceLevel:
		return protocol.LogTrace
	case logrus.DebugLevel:
		return protocol.LogDebug
	case logrus.WarnLevel:
		return protocol.LogWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return protocol.LogError
	default:
		return protocol.LogInfo
	}
}
