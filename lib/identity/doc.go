// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages Realm's two keypairs and the trust root.
//
// The owner key is the operator's long-lived Ed25519 signing keypair;
// its public half is the trust root every mutating command is
// verified against. The node key is the per-agent Ed25519 keypair
// from which the stable node identifier derives.
//
// Trust is established by TOFU: the first valid owner public key an
// agent observes is pinned, and thereafter all commands must verify
// against exactly that key. Pinning a different key once one is
// pinned is an error, never a silent overwrite.
//
// Signatures are always computed over canonical bytes produced by
// lib/codec, never over a semantic object or a human-readable
// serialization.
package identity
