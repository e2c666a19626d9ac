// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"

	"github.com/realm-foundation/realm/lib/schema"
)

// Limits are the per-execution resource bounds. Zero values mean the
// schema defaults; Fuel == schema.UnlimitedFuel disables metering.
type Limits struct {
	// MemoryMaxMB caps linear memory in MiB.
	MemoryMaxMB uint64

	// Fuel is the abstract CPU budget for the execution.
	Fuel uint64

	// EpochMillis is the wall-clock deadline granularity: the
	// instance is preempted once this much time elapses without the
	// deadline being re-armed.
	EpochMillis uint64
}

// withDefaults fills zero fields from the schema defaults.
func (l Limits) withDefaults() Limits {
	if l.MemoryMaxMB == 0 {
		l.MemoryMaxMB = schema.DefaultMemoryMaxMB
	}
	if l.Fuel == 0 {
		l.Fuel = schema.DefaultFuel
	}
	if l.EpochMillis == 0 {
		l.EpochMillis = schema.DefaultEpochMillis
	}
	return l
}

// LimitsFor extracts the sandbox limits from a component spec.
func LimitsFor(spec *schema.ComponentSpec) Limits {
	return Limits{
		MemoryMaxMB: spec.EffectiveMemoryMaxMB(),
		Fuel:        spec.EffectiveFuel(),
		EpochMillis: spec.EffectiveEpochMillis(),
	}
}

// Preopen grants the instance access to one host directory at a
// guest path.
type Preopen struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// Capabilities is everything an instance may touch. No field is
// ambient: an empty Capabilities value grants nothing beyond pure
// computation.
type Capabilities struct {
	// Args are the command arguments (argv[0] is the instance name).
	Args []string

	// Env is the environment map.
	Env map[string]string

	// Preopens are the directory capabilities.
	Preopens []Preopen

	// StdinPath, if set, is a host file streamed as stdin.
	StdinPath string

	// StdoutPath and StderrPath, if set, are host files capturing
	// the instance's output. The caller reads them after the
	// execution (or tails them during it).
	StdoutPath string
	StderrPath string
}

// validate checks that every declared capability can actually be
// granted. A mount whose host directory is missing is a capability
// error, not a silent no-op — the instance's spec promised it.
func (c *Capabilities) validate() error {
	for _, preopen := range c.Preopens {
		info, err := os.Stat(preopen.Host)
		if err != nil {
			return fmt.Errorf("%w: preopen %s: %v", ErrCapabilityDenied, preopen.Guest, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: preopen %s: %s is not a directory", ErrCapabilityDenied, preopen.Guest, preopen.Host)
		}
	}
	if c.StdinPath != "" {
		if _, err := os.Stat(c.StdinPath); err != nil {
			return fmt.Errorf("%w: stdin: %v", ErrCapabilityDenied, err)
		}
	}
	return nil
}
