// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"

	"github.com/realm-foundation/realm/lib/layout"
)

// Default runtime limits applied when a component spec leaves the
// field zero. The fuel default is deliberately finite; a spec that
// wants unmetered execution sets UnlimitedFuel explicitly.
const (
	DefaultMemoryMaxMB = 64
	DefaultFuel        = 5_000_000
	DefaultEpochMillis = 100
)

// UnlimitedFuel disables fuel metering for an instance. Explicit
// opt-in only — an absent fuel field means DefaultFuel, not
// unlimited.
const UnlimitedFuel = ^uint64(0)

// MountKind classifies a capability mount.
type MountKind string

const (
	// MountStatic is a read-only package asset, swapped atomically
	// when the component's artifact digest changes.
	MountStatic MountKind = "static"

	// MountConfig is read-only initial configuration.
	MountConfig MountKind = "config"

	// MountWork is read-write per-replica scratch, scrubbed when the
	// replica exits.
	MountWork MountKind = "work"

	// MountState is a read-write persistent named volume, created on
	// first reference and destroyed only by explicit operator action.
	MountState MountKind = "state"
)

// valid reports whether the kind is one of the four known values.
func (k MountKind) valid() bool {
	switch k {
	case MountStatic, MountConfig, MountWork, MountState:
		return true
	}
	return false
}

// Mount declares one capability-scoped directory mapping from the
// host into the guest. An instance can only reach directories its
// spec declares — there is no ambient filesystem access.
type Mount struct {
	// Host is the host path (for static/config mounts) or the volume
	// name (for state mounts). Work mounts leave it empty; the
	// supervisor allocates a per-replica directory.
	Host string `json:"host,omitempty"`

	// Guest is the path the instance sees.
	Guest string `json:"guest"`

	// ReadOnly forces the preopen read-only regardless of kind.
	// Static and config mounts are read-only whether or not this is
	// set.
	ReadOnly bool `json:"ro,omitempty"`

	// Kind selects the mount lifecycle.
	Kind MountKind `json:"kind"`

	// Seed is a host path whose tree seeds a state mount's volume the
	// one time it is created. Ignored for other kinds.
	Seed string `json:"seed,omitempty"`
}

// Port declares a service port, e.g. {Port: 8080, Protocol: "tcp"}.
type Port struct {
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"` // "tcp" or "udp"
}

// Visibility controls whether a component's service ports bind
// locally only or publicly.
type Visibility string

const (
	VisibilityLocal  Visibility = "local"
	VisibilityPublic Visibility = "public"
)

// Targeting selects which nodes an operation applies to. Empty
// targeting matches every node. Node IDs and tags are OR within each
// list and AND across the two lists when both are present; a platform
// string, when set, must equal the node's platform exactly.
type Targeting struct {
	NodeIDs  []string `json:"node_ids,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Platform string   `json:"platform,omitempty"`
}

// Matches reports whether a node with the given identity, roles, and
// platform is selected.
func (t Targeting) Matches(nodeID string, roles []string, platform string) bool {
	if len(t.NodeIDs) > 0 {
		found := false
		for _, id := range t.NodeIDs {
			if id == nodeID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(t.Tags) > 0 {
		found := false
		for _, tag := range t.Tags {
			for _, role := range roles {
				if tag == role {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if t.Platform != "" && t.Platform != platform {
		return false
	}
	return true
}

// ComponentSpec is a named deployable unit: an artifact digest plus
// runtime limits and capabilities.
type ComponentSpec struct {
	// Name identifies the component within a manifest. Must satisfy
	// layout.ValidateName.
	Name string `json:"name"`

	// Digest is the SHA-256 of the WASM artifact.
	Digest string `json:"digest"`

	// Replicas is the desired replica count on each selected node.
	// Zero is valid (staged but not running).
	Replicas int `json:"replicas"`

	// MemoryMaxMB caps the instance's linear memory in MiB.
	// Zero means DefaultMemoryMaxMB.
	MemoryMaxMB uint64 `json:"memory_max_mb,omitempty"`

	// Fuel is the CPU budget in abstract units per execution. Zero
	// means DefaultFuel; UnlimitedFuel disables metering.
	Fuel uint64 `json:"fuel,omitempty"`

	// EpochMillis is the wall-clock preemption interval in
	// milliseconds. Zero means DefaultEpochMillis.
	EpochMillis uint64 `json:"epoch_ms,omitempty"`

	// Env is the environment visible to the instance.
	Env map[string]string `json:"env,omitempty"`

	// Ports lists service ports.
	Ports []Port `json:"ports,omitempty"`

	// Mounts lists capability mounts.
	Mounts []Mount `json:"mounts,omitempty"`

	// Target selects the nodes this component runs on.
	Target Targeting `json:"target,omitempty"`

	// Visibility controls port binding scope. Empty means local.
	Visibility Visibility `json:"visibility,omitempty"`

	// Start controls whether the component runs immediately. A false
	// value stages the artifact without launching replicas.
	Start bool `json:"start"`
}

// EffectiveMemoryMaxMB returns the memory cap with the default
// applied.
func (c *ComponentSpec) EffectiveMemoryMaxMB() uint64 {
	if c.MemoryMaxMB == 0 {
		return DefaultMemoryMaxMB
	}
	return c.MemoryMaxMB
}

// EffectiveFuel returns the fuel budget with the default applied.
func (c *ComponentSpec) EffectiveFuel() uint64 {
	if c.Fuel == 0 {
		return DefaultFuel
	}
	return c.Fuel
}

// EffectiveEpochMillis returns the epoch interval with the default
// applied.
func (c *ComponentSpec) EffectiveEpochMillis() uint64 {
	if c.EpochMillis == 0 {
		return DefaultEpochMillis
	}
	return c.EpochMillis
}

// Validate checks structural invariants: valid name, well-formed
// digest, non-negative replicas, known mount kinds, state mounts
// naming valid volumes.
func (c *ComponentSpec) Validate() error {
	if err := layout.ValidateName(c.Name); err != nil {
		return fmt.Errorf("component name: %w", err)
	}
	if err := layout.ValidateDigest(c.Digest); err != nil {
		return fmt.Errorf("component %s digest: %w", c.Name, err)
	}
	if c.Replicas < 0 {
		return fmt.Errorf("component %s: replicas %d is negative", c.Name, c.Replicas)
	}
	for i, mount := range c.Mounts {
		if !mount.Kind.valid() {
			return fmt.Errorf("component %s mount %d: unknown kind %q", c.Name, i, mount.Kind)
		}
		if mount.Guest == "" {
			return fmt.Errorf("component %s mount %d: guest path is empty", c.Name, i)
		}
		if mount.Kind == MountState {
			if err := layout.ValidateName(mount.Host); err != nil {
				return fmt.Errorf("component %s mount %d volume name: %w", c.Name, i, err)
			}
		}
	}
	for i, port := range c.Ports {
		if port.Protocol != "tcp" && port.Protocol != "udp" {
			return fmt.Errorf("component %s port %d: protocol %q is not tcp or udp", c.Name, i, port.Protocol)
		}
	}
	switch c.Visibility {
	case "", VisibilityLocal, VisibilityPublic:
	default:
		return fmt.Errorf("component %s: unknown visibility %q", c.Name, c.Visibility)
	}
	return nil
}
