// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"

	"github.com/realm-foundation/realm/lib/cas"
	"github.com/realm-foundation/realm/lib/schema"
)

// artifactSource adapts the agent's CAS plus mesh-fetch plumbing to
// the supervisor's and scheduler's blob interfaces. It is the agent
// itself under another method set — conversions, not copies.
type artifactSource Agent

func (s *artifactSource) Has(digest string) bool { return (*Agent)(s).store.Has(digest) }

func (s *artifactSource) Get(digest string) ([]byte, error) { return (*Agent)(s).store.Get(digest) }

func (s *artifactSource) Put(data []byte) (string, error) { return (*Agent)(s).store.Put(data) }

func (s *artifactSource) PutVerified(data []byte, expected string) error {
	return (*Agent)(s).store.PutVerified(data, expected)
}

// Request asks the mesh for a blob by digest. Non-blocking: the
// answer arrives later as BlobData or a chunk stream and lands in
// CAS, after which the waiting subsystem's next pass proceeds.
func (s *artifactSource) Request(digest string) {
	a := (*Agent)(s)
	envelope, err := schema.Unsigned(schema.KindBlobGet, schema.BlobGetPayload{Digest: digest})
	if err != nil {
		return
	}
	if delivered := a.publishEnvelope(schema.TopicCommand, envelope); delivered == 0 {
		a.logger.Debug("blob request reached no peers, will retry", "digest", short(digest))
	}
}

// serveBlob answers a BlobGet for content this node holds: inline
// for small blobs, a chunk stream otherwise.
func (a *Agent) serveBlob(digest string) {
	data, err := a.store.Get(digest)
	if err != nil {
		if !errors.Is(err, cas.ErrNotFound) {
			a.logger.Warn("serving blob", "digest", short(digest), "error", err)
		}
		return
	}

	if len(data) <= inlineBlobLimit {
		envelope, err := schema.Unsigned(schema.KindBlobData, schema.BlobDataPayload{Digest: digest, Data: data})
		if err != nil {
			return
		}
		a.publishEnvelope(schema.TopicCommand, envelope)
		return
	}

	for _, chunk := range cas.Split(data, cas.CompressionLZ4) {
		envelope, err := schema.Unsigned(schema.KindBlobChunk, schema.BlobChunkPayload{
			Digest:      digest,
			Index:       chunk.Index,
			Total:       chunk.Total,
			Compression: uint8(chunk.Compression),
			Data:        chunk.Data,
		})
		if err != nil {
			return
		}
		a.publishEnvelope(schema.TopicCommand, envelope)
	}
}

// handleBlobChunk feeds a chunk into the reassembler; a completed,
// digest-verified blob lands in CAS and is announced.
func (a *Agent) handleBlobChunk(payload *schema.BlobChunkPayload) {
	blob, err := a.reassembler.Add(payload.Digest, cas.Chunk{
		Index:       payload.Index,
		Total:       payload.Total,
		Compression: cas.Compression(payload.Compression),
		Data:        payload.Data,
	})
	if err != nil {
		a.logger.Warn("chunk stream", "digest", short(payload.Digest), "error", err)
		return
	}
	if blob == nil {
		return // stream incomplete
	}
	if err := a.store.PutVerified(blob, payload.Digest); err != nil {
		a.logger.Warn("reassembled blob rejected", "digest", short(payload.Digest), "error", err)
		return
	}
	a.logger.Info("blob reassembled", "digest", short(payload.Digest), "size", len(blob))
	a.announceBlob(payload.Digest, uint64(len(blob)))
	a.supervisor.Trigger()
}

// recordBlobHave tracks which peers hold which digests. The index is
// advisory — fetches are broadcast — but it feeds the storage view in
// the query surface.
func (a *Agent) recordBlobHave(digest, nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	holders, ok := a.contentIndex[digest]
	if !ok {
		holders = make(map[string]bool)
		a.contentIndex[digest] = holders
	}
	holders[nodeID] = true
}

// announceBlobs advertises a sample of local blobs on the status
// topic so peers learn where content lives.
func (a *Agent) announceBlobs() {
	entries := a.store.List()
	for i, entry := range entries {
		if i >= blobAnnounceSample {
			break
		}
		a.announceBlob(entry.Digest, entry.Size)
	}
}

func (a *Agent) announceBlob(digest string, size uint64) {
	envelope, err := schema.Unsigned(schema.KindBlobHave, schema.BlobHavePayload{Digest: digest, Size: size})
	if err != nil {
		return
	}
	a.publishEnvelope(schema.TopicStatus, envelope)
}
