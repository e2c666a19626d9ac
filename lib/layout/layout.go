// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout defines the on-disk data directory schema for a
// Realm agent. Every path the agent persists across restarts derives
// from a single root through this package, so the layout is auditable
// in one place:
//
//	identity/owner.pub        pinned trusted owner public key
//	identity/node.key         per-agent signing key seed
//	identity/node.peer        printable node identifier
//	config/bootstrap.json     bootstrap address list
//	config/listen_port        preferred UDP port
//	config/policy.json        execution policy
//	agent_version             running agent version integer
//	desired_manifest.toml     last accepted merged desired state
//	artifacts/index.json      CAS metadata
//	artifacts/blobs/AA/BB/…   CAS blob files (two-byte prefix fanout)
//	artifacts/packages/<d>/…  extracted package trees
//	work/components/<n>/<r>   per-replica scratch
//	state/components/<v>      persistent volumes
//	jobs/<id>/                job record, logs, captured artifacts
//	query.sock                local query socket (public surface)
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDirName is the directory created under the OS data directory
// when no explicit root is configured.
const DefaultDirName = "realm-agent"

// Layout resolves agent paths under a single data root.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. The directory itself is not
// created; call EnsureDirs before first use.
func New(root string) Layout {
	return Layout{root: root}
}

// Default resolves the data root from the REALM_DATA_DIR environment
// variable, falling back to the OS user config/data directory.
func Default() (Layout, error) {
	if root := os.Getenv("REALM_DATA_DIR"); root != "" {
		return New(root), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolving data directory: %w", err)
	}
	return New(filepath.Join(base, DefaultDirName)), nil
}

// Root returns the data root directory.
func (l Layout) Root() string { return l.root }

// EnsureDirs creates the directory skeleton the agent expects. Blob
// fanout directories are created lazily by the CAS.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{
		l.IdentityDir(),
		l.ConfigDir(),
		l.BlobDir(),
		l.PackageDir(),
		l.WorkDir(),
		l.VolumeDir(),
		l.JobDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// IdentityDir holds key material. Created 0755; the node key file
// itself is written 0600.
func (l Layout) IdentityDir() string { return filepath.Join(l.root, "identity") }

// OwnerKeyPath is the pinned trusted owner public key (hex).
func (l Layout) OwnerKeyPath() string { return filepath.Join(l.IdentityDir(), "owner.pub") }

// NodeKeyPath is the agent's Ed25519 seed.
func (l Layout) NodeKeyPath() string { return filepath.Join(l.IdentityDir(), "node.key") }

// NodePeerPath is the printable node identifier, written for
// operators and external tooling; the agent itself re-derives the ID
// from the key.
func (l Layout) NodePeerPath() string { return filepath.Join(l.IdentityDir(), "node.peer") }

// ConfigDir holds operator-editable configuration.
func (l Layout) ConfigDir() string { return filepath.Join(l.root, "config") }

// BootstrapPath is the bootstrap address list (JSONC).
func (l Layout) BootstrapPath() string { return filepath.Join(l.ConfigDir(), "bootstrap.json") }

// ListenPortPath persists the first bound UDP port so NAT mappings
// stay stable across restarts.
func (l Layout) ListenPortPath() string { return filepath.Join(l.ConfigDir(), "listen_port") }

// PolicyPath is the execution policy file (JSONC).
func (l Layout) PolicyPath() string { return filepath.Join(l.ConfigDir(), "policy.json") }

// AgentVersionPath persists the running agent version integer.
func (l Layout) AgentVersionPath() string { return filepath.Join(l.root, "agent_version") }

// ManifestPath is the last accepted merged desired state (TOML).
func (l Layout) ManifestPath() string { return filepath.Join(l.root, "desired_manifest.toml") }

// ArtifactDir is the CAS root.
func (l Layout) ArtifactDir() string { return filepath.Join(l.root, "artifacts") }

// IndexPath is the CAS metadata index.
func (l Layout) IndexPath() string { return filepath.Join(l.ArtifactDir(), "index.json") }

// BlobDir holds blob files under two-byte prefix fanout directories.
func (l Layout) BlobDir() string { return filepath.Join(l.ArtifactDir(), "blobs") }

// BlobPath returns the file path for a hex digest. The digest must be
// a full lowercase hex SHA-256 (64 characters); callers validate
// before resolving paths.
func (l Layout) BlobPath(digest string) string {
	return filepath.Join(l.BlobDir(), digest[0:2], digest[2:4], digest)
}

// PackageDir holds extracted package trees keyed by package digest.
func (l Layout) PackageDir() string { return filepath.Join(l.ArtifactDir(), "packages") }

// PackagePath returns the extraction directory for a package digest.
func (l Layout) PackagePath(digest string) string {
	return filepath.Join(l.PackageDir(), digest)
}

// WorkDir is the root for per-replica scratch directories.
func (l Layout) WorkDir() string { return filepath.Join(l.root, "work", "components") }

// ReplicaWorkDir returns the scratch directory for one replica of a
// component. No two replicas ever share a directory; the replica ID
// is unique per launch.
func (l Layout) ReplicaWorkDir(component, replicaID string) string {
	return filepath.Join(l.WorkDir(), component, replicaID)
}

// VolumeDir is the root for persistent named volumes.
func (l Layout) VolumeDir() string { return filepath.Join(l.root, "state", "components") }

// VolumePath returns the directory backing a named persistent volume.
// The same name always maps to the same directory, across component
// versions and agent restarts.
func (l Layout) VolumePath(volume string) string {
	return filepath.Join(l.VolumeDir(), volume)
}

// JobDir is the root for per-job state.
func (l Layout) JobDir() string { return filepath.Join(l.root, "jobs") }

// JobPath returns the state directory for one job.
func (l Layout) JobPath(jobID string) string { return filepath.Join(l.JobDir(), jobID) }

// QuerySocketPath is the local Unix socket serving the query surface
// consumed by the CLI and UI.
func (l Layout) QuerySocketPath() string { return filepath.Join(l.root, "query.sock") }

// ValidateName checks that a component, volume, or job name is safe to
// embed in a filesystem path. Rules: non-empty, at most 128 bytes,
// characters restricted to [a-z0-9._-], no leading dot.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("name is %d bytes, maximum is 128", len(name))
	}
	if name[0] == '.' {
		return fmt.Errorf("name %q must not start with '.'", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("invalid character %q at position %d in name %q (allowed: a-z, 0-9, ., _, -)", c, i, name)
		}
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name %q contains '..'", name)
	}
	return nil
}

// ValidateDigest checks that a string is a full lowercase hex SHA-256
// digest. Everything that resolves a blob path goes through this
// first, so a malicious digest can never escape the blob directory.
func ValidateDigest(digest string) error {
	if len(digest) != 64 {
		return fmt.Errorf("digest is %d characters, want 64", len(digest))
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid digest character %q at position %d", c, i)
		}
	}
	return nil
}
