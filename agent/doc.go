// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is Realm's control kernel: it wires identity, trust,
// storage, transport, reconciliation, and scheduling into the single
// process that runs on every node.
//
// The kernel's command loop applies one envelope at a time: rate-limit
// by source peer, decode, verify the owner signature (pinning the
// first observed owner, TOFU), deduplicate by payload hash, filter by
// targeting, then apply. Only verified envelopes reach the dedup
// cache. Propagation is the transport's forward-once flood, so an
// accepted envelope reaches the whole mesh without the kernel
// re-publishing it.
//
// The loop also drives the periodic work: status heartbeats, blob
// availability announcements, peer exchange, and upgrade retries.
// Subsystems with their own loops (supervisor, scheduler, transport)
// run as sibling tasks and communicate through method calls that are
// safe from any goroutine; state with a single owner (trust root, CAS
// index, policy) is only reached through its owning type.
//
// The query socket is the public surface the CLI and UI consume:
// one-request-per-connection CBOR over a local Unix socket.
package agent
