// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package version tracks the running agent version.
//
// Agent versions are plain monotonic integers assigned by the owner,
// not semantic versions: the only comparison the mesh ever makes is
// "strictly greater", for upgrade admission and downgrade refusal.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Build is the version compiled into this binary. Overridden at link
// time with -ldflags "-X .../lib/version.Build=N" by the release
// pipeline; the zero default marks development builds.
var Build = "0"

// Record is the persisted running-version state for one agent.
type Record struct {
	path string

	current uint64
}

// Load reads the persisted agent version from path. A missing file
// falls back to the compiled-in Build value, so a fresh install
// reports the version it shipped as.
func Load(path string) (*Record, error) {
	record := &Record{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		build, parseErr := strconv.ParseUint(Build, 10, 64)
		if parseErr != nil {
			return nil, fmt.Errorf("compiled-in version %q is not an integer: %w", Build, parseErr)
		}
		record.current = build
		return record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent version: %w", err)
	}

	current, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("agent version file %s is corrupt: %w", path, err)
	}
	record.current = current
	return record, nil
}

// Current returns the running agent version.
func (r *Record) Current() uint64 { return r.current }

// Advance records that the agent has been upgraded to next. Returns
// an error unless next strictly exceeds the current version — equal
// and lower versions are downgrade attempts and are refused.
func (r *Record) Advance(next uint64) error {
	if next <= r.current {
		return fmt.Errorf("version regression: running v%d, refusing v%d", r.current, next)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".version-*")
	if err != nil {
		return fmt.Errorf("persisting agent version: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := fmt.Fprintf(tmp, "%d\n", next); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persisting agent version: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persisting agent version: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persisting agent version: %w", err)
	}
	r.current = next
	return nil
}
