// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBlobPathFanout(t *testing.T) {
	l := New("/data")
	digest := strings.Repeat("ab", 32)
	got := l.BlobPath(digest)
	want := filepath.Join("/data", "artifacts", "blobs", "ab", "ab", digest)
	if got != want {
		t.Errorf("BlobPath = %q, want %q", got, want)
	}
}

func TestEnsureDirs(t *testing.T) {
	l := New(t.TempDir())
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{l.IdentityDir(), l.ConfigDir(), l.BlobDir(), l.VolumeDir(), l.JobDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("missing %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestDefaultHonorsEnv(t *testing.T) {
	t.Setenv("REALM_DATA_DIR", "/custom/realm")
	l, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if l.Root() != "/custom/realm" {
		t.Errorf("Root = %q, want /custom/realm", l.Root())
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"hello", "ci-controller", "svc.v2", "a", "x_1"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", ".hidden", "has/slash", "has space", "UPPER", "dots..inside", strings.Repeat("a", 129)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestValidateDigest(t *testing.T) {
	if err := ValidateDigest(strings.Repeat("0f", 32)); err != nil {
		t.Errorf("valid digest rejected: %v", err)
	}
	for _, digest := range []string{"", "abcd", strings.Repeat("g", 64), strings.Repeat("AB", 32), "../" + strings.Repeat("a", 61)} {
		if err := ValidateDigest(digest); err == nil {
			t.Errorf("ValidateDigest(%q) = nil, want error", digest)
		}
	}
}
