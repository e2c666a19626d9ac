// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox executes WASM workloads under strict, explicit
// resource limits.
//
// Three limits are enforced on every execution:
//
//   - Memory ceiling: a store limiter rejects any linear-memory
//     growth that would exceed memory_max_mb.
//   - CPU fuel: execution consumes fuel per instruction; exhaustion
//     terminates the instance with ErrFuelExhausted. A budget of
//     schema.UnlimitedFuel disables metering.
//   - Epoch deadline: a ticker advances the engine epoch every
//     epoch_ms milliseconds; the instance is preempted at the next
//     safe point once the deadline elapses, with ErrDeadline.
//
// Capabilities are explicit: stdio redirections, preopened directory
// mounts (with read-only enforcement), environment, and arguments. An
// instance reaches nothing its capability set does not declare.
//
// The runner is stateless — the supervisor and scheduler hand it a
// binary, limits, and capabilities per execution and own all
// lifecycle decisions (restart, backoff, status). HTTP components are
// invoked per-request: a fresh store per request resets the fuel and
// deadline accounting, and the request travels over the instance's
// stdio in CGI convention.
package sandbox
