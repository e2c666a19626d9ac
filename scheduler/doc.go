// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler admits, places, and executes jobs.
//
// Every node holding a job record runs the same deterministic
// election: among the nodes the job's targeting selects (platform,
// tags, node IDs), the lexicographically lowest node ID wins; the
// job's resource request is not considered. Losers keep the record
// pending and fold in the winner's gossiped status updates; at most
// one node executes per placement decision.
//
// Execution pre-stages declared assets out of CAS into the job's
// sandbox directory (fetching missing blobs from the mesh with
// bounded retry), dispatches to the selected runtime — wasm always,
// native and emulated only when policy allows — captures declared
// artifacts back into CAS, and gossips every lifecycle change.
// Status transitions are monotonic; terminal states are final.
//
// Recurring jobs spawn a fresh derived record each time their cron
// schedule fires. The derived job ID is a pure function of the parent
// ID and the firing time, so every node derives the same record and
// the normal election picks the same single runner.
package scheduler
