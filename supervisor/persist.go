// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/realm-foundation/realm/lib/schema"
)

// persistedState is the desired_manifest.toml schema: the merged
// desired set plus the manifest version, rewritten on every accepted
// change.
type persistedState struct {
	Version    uint64               `toml:"version"`
	Components []persistedComponent `toml:"components"`
}

// persistedComponent pairs a spec with its merge provenance so a
// restart rebuilds the same precedence ordering.
type persistedComponent struct {
	Spec         schema.ComponentSpec `toml:"spec"`
	Seq          uint64               `toml:"seq"`
	FromManifest bool                 `toml:"from_manifest"`
}

// persistLocked rewrites desired_manifest.toml. Caller holds s.mu.
func (s *Supervisor) persistLocked() error {
	state := persistedState{Version: s.manifestVersion}
	for _, e := range s.desired {
		state.Components = append(state.Components, persistedComponent{
			Spec:         e.spec,
			Seq:          e.seq,
			FromManifest: e.fromManifest,
		})
	}
	sort.Slice(state.Components, func(i, j int) bool {
		return state.Components[i].Spec.Name < state.Components[j].Spec.Name
	})

	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding desired manifest: %w", err)
	}

	path := s.config.Layout.ManifestPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("persisting desired manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persisting desired manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persisting desired manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persisting desired manifest: %w", err)
	}
	return nil
}

// Restore loads persisted desired state from disk. Components whose
// staged artifact no longer verifies stay desired — reconciliation
// re-requests the blob from the mesh rather than dropping the
// component. A missing or corrupt file starts the agent empty; the
// mesh re-delivers desired state through normal gossip.
func (s *Supervisor) Restore() error {
	data, err := os.ReadFile(s.config.Layout.ManifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading desired manifest: %w", err)
	}

	var state persistedState
	if err := toml.Unmarshal(data, &state); err != nil {
		s.logger.Warn("desired manifest is corrupt, starting empty", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifestVersion = state.Version
	restored := 0
	for _, persisted := range state.Components {
		if err := persisted.Spec.Validate(); err != nil {
			s.logger.Warn("skipping persisted component", "error", err)
			continue
		}
		s.desired[persisted.Spec.Name] = &entry{
			spec:         persisted.Spec,
			seq:          persisted.Seq,
			fromManifest: persisted.FromManifest,
		}
		if persisted.Seq > s.acceptSeq {
			s.acceptSeq = persisted.Seq
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("desired state restored", "version", state.Version, "components", restored)
	}
	return nil
}
