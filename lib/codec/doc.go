// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Realm's canonical CBOR encoding.
//
// Every signed byte sequence in Realm — command envelopes, manifest
// payloads, upgrade records — is produced by this package and nothing
// else. The encoder is configured for Core Deterministic Encoding
// (RFC 8949 §4.2), so the same logical value always serializes to the
// same bytes regardless of which code path built it. Signature
// verification therefore never depends on a particular serializer or
// field ordering.
//
// The decoder accepts standard CBOR and ignores unknown fields, so
// newer agents can add payload fields without breaking older peers.
package codec
