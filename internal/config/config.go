/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package config loads the supervisor's TOML configuration file and merges
// it with command-line overrides, the same file-then-flags layering the
// teacher's own internal/config performs for its daemon.
package config

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config is the supervisor's full runtime configuration. Argument parsing
// itself (building this struct from os.Args) is out of spec scope; this
// type is the destination both a TOML file and CLI flags populate.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Cache    CacheConfig    `toml:"cache"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Registry RegistryConfig `toml:"registry"`
	Run      RunConfig      `toml:"run"`
}

// LogConfig controls internal/logging.SetUp.
type LogConfig struct {
	Dir                 string `toml:"dir"`
	Level               string `toml:"level"`
	Stdout              bool   `toml:"stdout"`
	RotateLogCompress   bool   `toml:"rotate_compress"`
	RotateLogLocalTime  bool   `toml:"rotate_local_time"`
	RotateLogMaxAge     int    `toml:"rotate_max_age"`
	RotateLogMaxBackups int    `toml:"rotate_max_backups"`
	RotateLogMaxSize    int    `toml:"rotate_max_size"`
}

// CacheConfig describes the content-addressed on-disk cache laid out in
// SPEC_FULL.md §6 (blobs/, parts/, manifest/, tmp/).
type CacheConfig struct {
	Dir       string        `toml:"dir"`
	Ephemeral bool          `toml:"ephemeral"`
	Offline   bool          `toml:"offline"`
	GCPeriod  time.Duration `toml:"gc_period"`
}

// MetricsConfig gates the optional prometheus endpoint (SPEC_FULL.md §11).
type MetricsConfig struct {
	Enable  bool   `toml:"enable"`
	Address string `toml:"address"`
}

// RegistryConfig holds the few registry knobs that reach the core: the
// rest of registry auth/pull logic is an external collaborator out of
// scope for this repository.
type RegistryConfig struct {
	DefaultHost string `toml:"default_host"`
}

// RunConfig holds container-run defaults the CLI front end may override
// per invocation (entrypoint, env, tracer binary path).
type RunConfig struct {
	Entrypoint []string          `toml:"entrypoint"`
	Env        map[string]string `toml:"env"`
	// TracerPath names the "sand" binary the supervisor seals into a
	// memfd and spawns for every container. Empty means "sand" next to
	// the supervisor's own executable.
	TracerPath string `toml:"tracer_path"`
}

// Default returns the built-in configuration applied before any file or
// flag override is layered on top.
func Default() Config {
	return Config{
		Log: LogConfig{
			Dir:                 "logs",
			Level:               "info",
			RotateLogMaxAge:     7,
			RotateLogMaxBackups: 5,
			RotateLogMaxSize:    50,
		},
		Cache: CacheConfig{
			Dir:      "cache",
			GCPeriod: 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9469",
		},
	}
}

// LoadFile decodes a TOML configuration file at path over the built-in
// defaults. A missing file is not an error; the defaults are returned
// unchanged, mirroring the teacher's tolerant config-file handling.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config file %s", path)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	return cfg, nil
}
