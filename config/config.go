/*
Copyright © 2024 the HABSIM authors.
This file is part of HABSIM.

HABSIM is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

HABSIM is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with HABSIM.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package config loads process configuration from environment variables
// prefixed HABSIM_, with defaults suitable for local development.
package config

import (
	"fmt"
	"time"

	"github.com/lnashier/viper"
)

// Config holds everything the worker process needs to wire its components.
// Every field is settable by an environment variable named HABSIM_<FIELD>
// (e.g. HABSIM_BUCKET_URL), matching inmap's INMAP_<var> convention.
type Config struct {
	// BucketURL is a gocloud.dev/blob URL (e.g. "s3://my-bucket",
	// "gs://my-bucket", or "file:///var/habsim/artifacts" for local/test
	// use) pointing at the object store holding GEFS cycle artifacts.
	BucketURL string

	// CacheDir is the local directory diskcache stores downloaded
	// artifacts in.
	CacheDir string
	// MaxCacheFiles bounds how many artifact files diskcache keeps on
	// disk at once.
	MaxCacheFiles int

	// ProgressDir is the shared directory progress snapshots are
	// mirrored to, so any worker can answer a status query.
	ProgressDir string
	// ProgressLinger is how long a finished request's progress entry is
	// kept before being reaped.
	ProgressLinger time.Duration

	// LocalPointerPath is the path to the advisory-locked file recording
	// which cycle this worker currently has active.
	LocalPointerPath string
	// RemotePointerName is the object name of the "latest complete cycle"
	// pointer in the bucket.
	RemotePointerName string

	// NormalSimCap and EnsembleSimCap are K_norm and K_ens: the simulator
	// cache's capacity in normal and ensemble mode.
	NormalSimCap   int
	EnsembleSimCap int
	// MaxEnsembleTTL bounds how long an ensemble request may hold the
	// capacity bump before it auto-trims back to NormalSimCap.
	MaxEnsembleTTL time.Duration

	// WorkerCount is the configured worker count. The ensemble
	// orchestrator's fan-out is bounded by EnsembleSimCap and the CPU
	// count, not by this field.
	WorkerCount int

	// EnsemblePassword, if non-empty, must be presented by a caller
	// before an ensemble request (an expensive, multi-member fan-out) is
	// accepted.
	EnsemblePassword string
}

// defaults mirror what a local development deployment needs with no
// environment variables set at all.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"bucket_url":          "file:///var/habsim/artifacts",
		"cache_dir":           "/var/habsim/cache",
		"max_cache_files":     64,
		"progress_dir":        "/var/habsim/progress",
		"progress_linger":     "5m",
		"local_pointer_path":  "/var/habsim/cycle.pointer",
		"remote_pointer_name": "latest.txt",
		"normal_sim_cap":      8,
		"ensemble_sim_cap":    28,
		"max_ensemble_ttl":    "2m",
		"worker_count":        16,
		"ensemble_password":   "",
	}
}

// Load reads Config from HABSIM_-prefixed environment variables, falling
// back to development defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HABSIM")
	v.AutomaticEnv()

	for key, val := range defaults() {
		v.SetDefault(key, val)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	progressLinger, err := time.ParseDuration(v.GetString("progress_linger"))
	if err != nil {
		return nil, fmt.Errorf("config: HABSIM_PROGRESS_LINGER: %w", err)
	}
	maxEnsembleTTL, err := time.ParseDuration(v.GetString("max_ensemble_ttl"))
	if err != nil {
		return nil, fmt.Errorf("config: HABSIM_MAX_ENSEMBLE_TTL: %w", err)
	}

	return &Config{
		BucketURL:         v.GetString("bucket_url"),
		CacheDir:          v.GetString("cache_dir"),
		MaxCacheFiles:     v.GetInt("max_cache_files"),
		ProgressDir:       v.GetString("progress_dir"),
		ProgressLinger:    progressLinger,
		LocalPointerPath:  v.GetString("local_pointer_path"),
		RemotePointerName: v.GetString("remote_pointer_name"),
		NormalSimCap:      v.GetInt("normal_sim_cap"),
		EnsembleSimCap:    v.GetInt("ensemble_sim_cap"),
		MaxEnsembleTTL:    maxEnsembleTTL,
		WorkerCount:       v.GetInt("worker_count"),
		EnsemblePassword:  v.GetString("ensemble_password"),
	}, nil
}
