// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines Realm's wire and state types: the signed
// command envelope and its payload variants, component specifications
// and manifests, job specifications and records, status snapshots,
// and the targeting filter.
//
// Wire encoding is canonical CBOR via lib/codec. Struct tags are
// plain json names, which both the CBOR codec and the JSON
// persistence files honor, so a type serializes with the same field
// names everywhere it appears.
//
// Types here are data plus validation — no I/O. Everything that
// touches the disk or the network lives in the packages that own
// those resources.
package schema
