// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/realm-foundation/realm/lib/layout"
	"github.com/realm-foundation/realm/lib/ring"
	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/sandbox"
)

// buildCapabilities translates a component spec's mounts into sandbox
// preopens, creating volumes and work directories as needed. Stdout
// and stderr are captured into the replica's work directory.
func (s *Supervisor) buildCapabilities(name, workDir string, spec *schema.ComponentSpec) (sandbox.Capabilities, error) {
	caps := sandbox.Capabilities{
		Args:       []string{name},
		Env:        spec.Env,
		StdoutPath: filepath.Join(workDir, "stdout.log"),
		StderrPath: filepath.Join(workDir, "stderr.log"),
	}
	for _, path := range []string{caps.StdoutPath, caps.StderrPath} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return caps, fmt.Errorf("creating capture file: %w", err)
		}
	}

	for _, mount := range spec.Mounts {
		switch mount.Kind {
		case schema.MountStatic:
			// Static mounts go through a per-component symlink that
			// is re-pointed atomically when the artifact digest
			// changes, so in-flight requests observe a consistent
			// asset set.
			link, err := s.ensureStaticLink(name, mount.Guest, mount.Host)
			if err != nil {
				return caps, err
			}
			caps.Preopens = append(caps.Preopens, sandbox.Preopen{Host: link, Guest: mount.Guest, ReadOnly: true})

		case schema.MountConfig:
			caps.Preopens = append(caps.Preopens, sandbox.Preopen{Host: mount.Host, Guest: mount.Guest, ReadOnly: true})

		case schema.MountWork:
			// Per-replica scratch, scrubbed on exit. No two replicas
			// ever share a work directory.
			scratch := filepath.Join(workDir, "scratch")
			if err := os.MkdirAll(scratch, 0o755); err != nil {
				return caps, fmt.Errorf("creating work mount: %w", err)
			}
			caps.Preopens = append(caps.Preopens, sandbox.Preopen{Host: scratch, Guest: mount.Guest})

		case schema.MountState:
			volume, err := s.ensureVolume(mount.Host, mount.Seed)
			if err != nil {
				return caps, err
			}
			caps.Preopens = append(caps.Preopens, sandbox.Preopen{Host: volume, Guest: mount.Guest, ReadOnly: mount.ReadOnly})
		}
	}
	return caps, nil
}

// ensureVolume creates the named persistent volume on first
// reference, seeding it once from seedPath if given. The same name
// always resolves to the same directory across component versions
// and agent restarts.
func (s *Supervisor) ensureVolume(name, seedPath string) (string, error) {
	if err := layout.ValidateName(name); err != nil {
		return "", fmt.Errorf("volume name: %w", err)
	}
	path := s.config.Layout.VolumePath(name)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking volume %s: %w", name, err)
	}

	// Create-and-seed through a temp directory and rename, so a crash
	// mid-seed never leaves a half-seeded volume that later passes
	// would treat as already created.
	parent := s.config.Layout.VolumeDir()
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating volume root: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+name+"-seed-*")
	if err != nil {
		return "", fmt.Errorf("staging volume %s: %w", name, err)
	}
	if seedPath != "" {
		if err := copyTree(seedPath, staging); err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("seeding volume %s: %w", name, err)
		}
	}
	if err := os.Rename(staging, path); err != nil {
		os.RemoveAll(staging)
		// A concurrent pass may have won the rename; that is the
		// create-exactly-once outcome we want.
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
		return "", fmt.Errorf("committing volume %s: %w", name, err)
	}

	s.logger.Info("volume created", "volume", name, "seeded", seedPath != "")
	return path, nil
}

// ClearVolume destroys a persistent volume. The only code path that
// ever deletes volume data.
func (s *Supervisor) ClearVolume(name string) error {
	if err := layout.ValidateName(name); err != nil {
		return fmt.Errorf("volume name: %w", err)
	}
	path := s.config.Layout.VolumePath(name)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("clearing volume %s: %w", name, err)
	}
	s.logger.Info("volume cleared", "volume", name)
	return nil
}

// Volumes lists existing persistent volumes with their sizes.
func (s *Supervisor) Volumes() ([]VolumeInfo, error) {
	entries, err := os.ReadDir(s.config.Layout.VolumeDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	var volumes []VolumeInfo
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		volumes = append(volumes, VolumeInfo{
			Name: dirEntry.Name(),
			Size: treeSize(filepath.Join(s.config.Layout.VolumeDir(), dirEntry.Name())),
		})
	}
	return volumes, nil
}

// VolumeInfo describes one persistent volume.
type VolumeInfo struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// ensureStaticLink maintains the atomic static-mount indirection:
// a stable symlink per (component, guest path) re-pointed with
// symlink-then-rename whenever the source changes.
func (s *Supervisor) ensureStaticLink(component, guest, source string) (string, error) {
	linkDir := filepath.Join(s.config.Layout.WorkDir(), component)
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return "", fmt.Errorf("creating static link directory: %w", err)
	}
	link := filepath.Join(linkDir, "static-"+sanitizeGuest(guest))

	if current, err := os.Readlink(link); err == nil && current == source {
		return link, nil
	}
	staging := link + ".next"
	os.Remove(staging)
	if err := os.Symlink(source, staging); err != nil {
		return "", fmt.Errorf("staging static link: %w", err)
	}
	if err := os.Rename(staging, link); err != nil {
		os.Remove(staging)
		return "", fmt.Errorf("swapping static link: %w", err)
	}
	return link, nil
}

// sanitizeGuest flattens a guest path into a filename-safe token.
func sanitizeGuest(guest string) string {
	out := make([]byte, 0, len(guest))
	for i := 0; i < len(guest); i++ {
		c := guest[i]
		if c == '/' || c == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// copyTree copies src's tree into dst (which must exist).
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, relative)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, source); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// treeSize sums file sizes under root, best-effort.
func treeSize(root string) uint64 {
	var total uint64
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// appendFileLines pushes each line of a capture file into the log
// bus for source.
func appendFileLines(bus *ring.Bus, source, path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			bus.Append(source, line)
		}
	}
}
