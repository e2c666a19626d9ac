// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/realm-foundation/realm/lib/layout"
)

// PackageManifestName is the manifest filename inside a package zip.
const PackageManifestName = "realm.yaml"

// PackageManifest describes a deployable package: the component
// binary, its mounts, and optional seed data for state volumes. It is
// the YAML file at the root of the package zip.
type PackageManifest struct {
	// Component is the component name.
	Component string `yaml:"component"`

	// Binary is the path of the WASM binary within the package.
	Binary string `yaml:"binary"`

	// Replicas, limits, env, ports, visibility mirror ComponentSpec.
	Replicas    int               `yaml:"replicas,omitempty"`
	MemoryMaxMB uint64            `yaml:"memory_max_mb,omitempty"`
	Fuel        uint64            `yaml:"fuel,omitempty"`
	EpochMillis uint64            `yaml:"epoch_ms,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Ports       []PackagePort     `yaml:"ports,omitempty"`
	Visibility  string            `yaml:"visibility,omitempty"`

	// Mounts maps package-relative paths into the guest.
	Mounts []PackageMount `yaml:"mounts,omitempty"`
}

// PackagePort is a port declaration in package YAML, written as a
// mapping such as {port: 8080, protocol: tcp}.
type PackagePort struct {
	Port     uint16 `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

// PackageMount declares a mount in package YAML. For static and
// config mounts, Source is a path inside the package. For state
// mounts, Source names the volume, and Seed optionally names a
// package path whose contents seed the volume on first creation.
type PackageMount struct {
	Kind   string `yaml:"kind"`
	Source string `yaml:"source,omitempty"`
	Guest  string `yaml:"guest"`
	Seed   string `yaml:"seed,omitempty"`
}

// ParsePackageManifest parses and validates a realm.yaml.
func ParsePackageManifest(data []byte) (*PackageManifest, error) {
	var manifest PackageManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", PackageManifestName, err)
	}
	if err := layout.ValidateName(manifest.Component); err != nil {
		return nil, fmt.Errorf("%s component: %w", PackageManifestName, err)
	}
	if manifest.Binary == "" {
		return nil, fmt.Errorf("%s: binary path is required", PackageManifestName)
	}
	for i, mount := range manifest.Mounts {
		if !MountKind(mount.Kind).valid() {
			return nil, fmt.Errorf("%s mount %d: unknown kind %q", PackageManifestName, i, mount.Kind)
		}
		if mount.Guest == "" {
			return nil, fmt.Errorf("%s mount %d: guest path is required", PackageManifestName, i)
		}
	}
	return &manifest, nil
}
