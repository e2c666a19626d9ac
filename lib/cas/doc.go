// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the content-addressed blob store.
//
// Blobs are keyed by the SHA-256 of their contents and stored under a
// two-byte prefix fanout (blobs/aa/bb/<digest>). A single JSON index
// carries size, pin, and last-access metadata. All writes go through
// a temp file and rename, so the store is always either fully
// consistent or missing the blob entirely — never half-written.
//
// Pinned blobs are exempt from garbage collection; GC evicts unpinned
// blobs in LRU order until the store fits a byte target. On open, the
// index is reconciled against the blob directory: orphan files are
// re-indexed, phantom index entries are purged.
//
// The chunk codec splits large blobs into individually-compressed
// chunks for gossip transport and reassembles them with digest
// verification; a partial or corrupt stream never reaches the store.
package cas
