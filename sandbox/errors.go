// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "errors"

// Sentinel errors for the sandbox's failure surface. The supervisor
// and scheduler match with errors.Is to decide retry and backoff.
var (
	// ErrFuelExhausted: the instance consumed its entire CPU fuel
	// budget.
	ErrFuelExhausted = errors.New("fuel exhausted")

	// ErrDeadline: the epoch deadline elapsed before the instance
	// finished (or the execution was cancelled).
	ErrDeadline = errors.New("epoch deadline exceeded")

	// ErrMemoryExhausted: the instance requested linear memory
	// beyond its ceiling. An out-of-bounds memory access trap is
	// also reported as this error.
	ErrMemoryExhausted = errors.New("memory limit exceeded")

	// ErrMissingEntryPoint: the module has no command entry point.
	// Logged and treated as a clean completion by callers that probe
	// modules of unknown shape.
	ErrMissingEntryPoint = errors.New("module has no entry point")

	// ErrTrap: the instance faulted (unreachable, division by zero,
	// ...). Wrapped with the trap detail.
	ErrTrap = errors.New("wasm trap")

	// ErrCapabilityDenied: a declared capability could not be
	// granted (missing mount source, bad preopen).
	ErrCapabilityDenied = errors.New("capability denied")
)
