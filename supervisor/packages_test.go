// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/realm-foundation/realm/lib/schema"
)

// buildPackage assembles a package zip in memory.
func buildPackage(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for name, content := range files {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buffer.Bytes()
}

const packageManifest = `
component: webthing
binary: webthing.wasm
replicas: 1
mounts:
  - kind: static
    source: assets
    guest: /assets
  - kind: state
    source: webthing-db
    guest: /data
    seed: seed
`

func TestDeployPackage(t *testing.T) {
	s, _, artifacts, _ := newTestSupervisor(t)

	pkg := buildPackage(t, map[string]string{
		"realm.yaml":       packageManifest,
		"webthing.wasm":    "pretend wasm bytes",
		"assets/index.txt": "static asset",
		"seed/initial.db":  "seed data",
	})
	packageDigest := artifacts.add(string(pkg))

	overlay := schema.ComponentSpec{Replicas: 2, Start: true}
	if err := s.DeployPackage(packageDigest, overlay); err != nil {
		t.Fatalf("DeployPackage: %v", err)
	}

	spec, ok := s.Component("webthing")
	if !ok {
		t.Fatal("package component not deployed")
	}
	if spec.Replicas != 2 {
		t.Errorf("overlay replicas not applied: %d", spec.Replicas)
	}
	// The binary was re-stored in CAS under its own digest.
	if spec.Digest != digestOf("pretend wasm bytes") {
		t.Errorf("component digest = %s", spec.Digest)
	}
	if !artifacts.Has(spec.Digest) {
		t.Error("component binary not in CAS")
	}

	// Mounts resolved into the extracted tree.
	if len(spec.Mounts) != 2 {
		t.Fatalf("mounts = %+v", spec.Mounts)
	}
	static := spec.Mounts[0]
	if static.Kind != schema.MountStatic || !static.ReadOnly {
		t.Errorf("static mount = %+v", static)
	}
	if content, err := os.ReadFile(filepath.Join(static.Host, "index.txt")); err != nil || string(content) != "static asset" {
		t.Errorf("static mount source unreadable: %v", err)
	}
	state := spec.Mounts[1]
	if state.Kind != schema.MountState || state.Host != "webthing-db" || state.Seed == "" {
		t.Errorf("state mount = %+v", state)
	}
}

func TestPackageIsDetected(t *testing.T) {
	pkg := buildPackage(t, map[string]string{"realm.yaml": "component: x\nbinary: x.wasm\n"})
	if !IsPackage(pkg) {
		t.Error("zip not detected as package")
	}
	if IsPackage([]byte{0x00, 0x61, 0x73, 0x6d}) {
		t.Error("wasm magic detected as package")
	}
}

func TestExtractPackageIdempotent(t *testing.T) {
	s, _, artifacts, _ := newTestSupervisor(t)
	pkg := buildPackage(t, map[string]string{
		"realm.yaml":    packageManifest,
		"webthing.wasm": "bytes",
	})
	digest := artifacts.add(string(pkg))

	first, _, err := s.extractPackage(digest)
	if err != nil {
		t.Fatal(err)
	}
	// Mutate the tree; a second extraction must not redo the work.
	witness := filepath.Join(first, "witness")
	if err := os.WriteFile(witness, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, _, err := s.extractPackage(digest)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("extraction moved: %s vs %s", first, second)
	}
	if _, err := os.Stat(witness); err != nil {
		t.Error("completed extraction was redone")
	}
}

func TestExtractPackageRejectsZipSlip(t *testing.T) {
	s, _, artifacts, _ := newTestSupervisor(t)

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	entry, _ := writer.Create("../escape.txt")
	entry.Write([]byte("evil"))
	writer.Close()
	digest := artifacts.add(buffer.String())

	if _, _, err := s.extractPackage(digest); err == nil {
		t.Error("zip-slip entry extracted")
	}
}
