// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesBuild(t *testing.T) {
	record, err := Load(filepath.Join(t.TempDir(), "agent_version"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if record.Current() != 0 {
		t.Errorf("Current = %d, want 0 (development build)", record.Current())
	}
}

func TestAdvanceAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_version")
	record, _ := Load(path)

	if err := record.Advance(5); err != nil {
		t.Fatalf("Advance(5): %v", err)
	}
	if record.Current() != 5 {
		t.Errorf("Current = %d, want 5", record.Current())
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Current() != 5 {
		t.Errorf("reloaded Current = %d, want 5", reloaded.Current())
	}
}

func TestAdvanceRefusesDowngrade(t *testing.T) {
	record, _ := Load(filepath.Join(t.TempDir(), "agent_version"))
	if err := record.Advance(5); err != nil {
		t.Fatalf("Advance(5): %v", err)
	}
	if err := record.Advance(5); err == nil {
		t.Error("Advance to equal version accepted")
	}
	if err := record.Advance(4); err == nil {
		t.Error("Advance to lower version accepted")
	}
	if record.Current() != 5 {
		t.Errorf("Current = %d after refused downgrades, want 5", record.Current())
	}
}
