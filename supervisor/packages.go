// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/realm-foundation/realm/lib/schema"
)

// packageMagic is the zip local-file-header signature. A deployed
// artifact starting with it is a package, not a bare WASM binary.
var packageMagic = []byte{'P', 'K', 0x03, 0x04}

// completeMarker flags a finished extraction; its presence makes
// re-extraction a no-op.
const completeMarker = ".complete"

// IsPackage reports whether artifact bytes are a package zip.
func IsPackage(data []byte) bool {
	return bytes.HasPrefix(data, packageMagic)
}

// DeployPackage extracts a package blob, stores its component binary
// in CAS, and deploys the component it describes. The overlay carries
// the operator's deploy-time choices (replicas, targeting,
// visibility, start); fields the overlay leaves zero fall back to the
// package manifest.
func (s *Supervisor) DeployPackage(packageDigest string, overlay schema.ComponentSpec) error {
	root, manifest, err := s.extractPackage(packageDigest)
	if err != nil {
		return err
	}

	binaryBytes, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(manifest.Binary)))
	if err != nil {
		return fmt.Errorf("package %s: reading binary %s: %w", packageDigest[:16], manifest.Binary, err)
	}
	binaryDigest, err := s.config.Artifacts.Put(binaryBytes)
	if err != nil {
		return fmt.Errorf("package %s: storing binary: %w", packageDigest[:16], err)
	}

	spec := schema.ComponentSpec{
		Name:        manifest.Component,
		Digest:      binaryDigest,
		Replicas:    manifest.Replicas,
		MemoryMaxMB: manifest.MemoryMaxMB,
		Fuel:        manifest.Fuel,
		EpochMillis: manifest.EpochMillis,
		Env:         manifest.Env,
		Visibility:  schema.Visibility(manifest.Visibility),
		Target:      overlay.Target,
		Start:       overlay.Start,
	}
	for _, port := range manifest.Ports {
		spec.Ports = append(spec.Ports, schema.Port{Port: port.Port, Protocol: port.Protocol})
	}
	for _, mount := range manifest.Mounts {
		converted := schema.Mount{Kind: schema.MountKind(mount.Kind), Guest: mount.Guest}
		switch converted.Kind {
		case schema.MountStatic, schema.MountConfig:
			converted.Host = filepath.Join(root, filepath.FromSlash(mount.Source))
			converted.ReadOnly = true
		case schema.MountState:
			converted.Host = mount.Source
			if mount.Seed != "" {
				converted.Seed = filepath.Join(root, filepath.FromSlash(mount.Seed))
			}
		}
		spec.Mounts = append(spec.Mounts, converted)
	}
	if overlay.Replicas > 0 {
		spec.Replicas = overlay.Replicas
	}
	if spec.Replicas == 0 && spec.Start {
		spec.Replicas = 1
	}
	if overlay.MemoryMaxMB > 0 {
		spec.MemoryMaxMB = overlay.MemoryMaxMB
	}
	if overlay.Fuel > 0 {
		spec.Fuel = overlay.Fuel
	}
	if overlay.EpochMillis > 0 {
		spec.EpochMillis = overlay.EpochMillis
	}
	if overlay.Visibility != "" {
		spec.Visibility = overlay.Visibility
	}

	return s.Deploy(spec)
}

// extractPackage materializes a package blob under
// artifacts/packages/<digest>/. Idempotent: a completed extraction is
// reused; a half-finished one (no completion marker) is discarded and
// redone.
func (s *Supervisor) extractPackage(digest string) (string, *schema.PackageManifest, error) {
	root := s.config.Layout.PackagePath(digest)

	if _, err := os.Stat(filepath.Join(root, completeMarker)); err == nil {
		manifest, err := s.readPackageManifest(root)
		return root, manifest, err
	}
	os.RemoveAll(root)

	blob, err := s.config.Artifacts.Get(digest)
	if err != nil {
		return "", nil, fmt.Errorf("package %s: %w", digest[:16], err)
	}
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", nil, fmt.Errorf("package %s: %w", digest[:16], err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating package directory: %w", err)
	}
	for _, file := range reader.File {
		if err := extractZipEntry(root, file); err != nil {
			os.RemoveAll(root)
			return "", nil, fmt.Errorf("package %s: %w", digest[:16], err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, completeMarker), nil, 0o644); err != nil {
		os.RemoveAll(root)
		return "", nil, fmt.Errorf("package %s: %w", digest[:16], err)
	}

	s.logger.Info("package extracted", "digest", digest[:16], "files", len(reader.File))
	manifest, err := s.readPackageManifest(root)
	return root, manifest, err
}

func (s *Supervisor) readPackageManifest(root string) (*schema.PackageManifest, error) {
	data, err := os.ReadFile(filepath.Join(root, schema.PackageManifestName))
	if err != nil {
		return nil, fmt.Errorf("package has no %s: %w", schema.PackageManifestName, err)
	}
	return schema.ParsePackageManifest(data)
}

// extractZipEntry writes one zip entry under root, refusing paths
// that would escape it.
func extractZipEntry(root string, file *zip.File) error {
	name := filepath.FromSlash(file.Name)
	target := filepath.Join(root, name)
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("entry %q escapes the package directory", file.Name)
	}
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	source, err := file.Open()
	if err != nil {
		return err
	}
	defer source.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o400)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, source); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
