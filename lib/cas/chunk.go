// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/realm-foundation/realm/lib/clock"
)

// ChunkSize is the uncompressed payload size of one transport chunk.
// 1 MiB keeps each gossip frame well under the frame limit after
// envelope overhead.
const ChunkSize = 1 << 20

// Compression identifies the per-chunk compression algorithm. Tags
// are protocol constants carried in BlobChunk payloads — changing
// them breaks wire compatibility.
type Compression uint8

const (
	// CompressionNone for already-compressed content where another
	// pass adds CPU cost without shrinking anything.
	CompressionNone Compression = 0

	// CompressionLZ4 is the fast default for binary artifacts
	// (WASM modules, executables).
	CompressionLZ4 Compression = 1

	// CompressionZstd for text-like content (logs, configs) where
	// the better ratio pays for the extra CPU.
	CompressionZstd Compression = 2
)

// String returns the tag's human-readable name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cas: zstd encoder init: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cas: zstd decoder init: " + err.Error())
	}
}

// Chunk is one piece of a split blob, ready for transport.
type Chunk struct {
	Index       uint32
	Total       uint32
	Compression Compression
	Data        []byte
}

// Split cuts a blob into compressed transport chunks. A chunk that
// does not shrink under the requested algorithm is sent uncompressed
// (tag none) — the tag travels per chunk, so mixed streams are fine.
func Split(blob []byte, compression Compression) []Chunk {
	total := uint32((len(blob) + ChunkSize - 1) / ChunkSize)
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for index := uint32(0); index < total; index++ {
		start := int(index) * ChunkSize
		end := start + ChunkSize
		if end > len(blob) {
			end = len(blob)
		}
		raw := blob[start:end]
		tag, compressed := compress(raw, compression)
		chunks = append(chunks, Chunk{
			Index:       index,
			Total:       total,
			Compression: tag,
			Data:        compressed,
		})
	}
	return chunks
}

func compress(raw []byte, compression Compression) (Compression, []byte) {
	switch compression {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(raw, buf)
		if err != nil || n == 0 || n >= len(raw) {
			return CompressionNone, raw
		}
		return CompressionLZ4, buf[:n]
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if len(compressed) >= len(raw) {
			return CompressionNone, raw
		}
		return CompressionZstd, compressed
	default:
		return CompressionNone, raw
	}
}

// decompress inflates one chunk payload. The uncompressed size of a
// chunk is bounded by ChunkSize, which caps decompression output
// regardless of what the peer claims.
func decompress(tag Compression, data []byte) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) > ChunkSize {
			return nil, fmt.Errorf("chunk of %d bytes exceeds chunk size", len(data))
		}
		return data, nil
	case CompressionLZ4:
		out := make([]byte, ChunkSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 chunk: %w", err)
		}
		return out[:n], nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, ChunkSize))
		if err != nil {
			return nil, fmt.Errorf("zstd chunk: %w", err)
		}
		if len(out) > ChunkSize {
			return nil, fmt.Errorf("zstd chunk inflated to %d bytes", len(out))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}

// streamTTL is how long a partial chunk stream survives without
// progress before it is discarded.
const streamTTL = 10 * time.Minute

// maxConcurrentStreams bounds in-flight reassemblies so a flood of
// bogus first-chunks cannot exhaust memory.
const maxConcurrentStreams = 32

// Reassembler collects chunks by digest and yields complete verified
// blobs. Partial streams are discarded on timeout or digest mismatch;
// nothing unverified ever reaches the caller.
type Reassembler struct {
	clock clock.Clock

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	total    uint32
	received uint32
	parts    [][]byte
	updated  time.Time
}

// NewReassembler creates an empty reassembler.
func NewReassembler(clk clock.Clock) *Reassembler {
	return &Reassembler{clock: clk, streams: make(map[string]*stream)}
}

// Add feeds one chunk. When the final chunk of a digest arrives, the
// blob is reassembled, verified against the digest, and returned;
// otherwise the first return is nil. A verification failure discards
// the whole stream and returns ErrDigestMismatch so the caller can
// re-request.
func (r *Reassembler) Add(digest string, chunk Chunk) ([]byte, error) {
	raw, err := decompress(chunk.Compression, chunk.Data)
	if err != nil {
		return nil, err
	}
	if chunk.Total == 0 || chunk.Index >= chunk.Total {
		return nil, fmt.Errorf("chunk %d/%d out of range", chunk.Index, chunk.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	current, ok := r.streams[digest]
	if !ok {
		if len(r.streams) >= maxConcurrentStreams {
			return nil, fmt.Errorf("too many concurrent chunk streams")
		}
		current = &stream{total: chunk.Total, parts: make([][]byte, chunk.Total)}
		r.streams[digest] = current
	}
	if current.total != chunk.Total {
		// Conflicting totals for the same digest: the stream is
		// corrupt. Start over with this chunk's claim.
		current = &stream{total: chunk.Total, parts: make([][]byte, chunk.Total)}
		r.streams[digest] = current
	}
	if current.parts[chunk.Index] == nil {
		current.received++
	}
	current.parts[chunk.Index] = raw
	current.updated = r.clock.Now()

	if current.received < current.total {
		return nil, nil
	}

	delete(r.streams, digest)
	var blob []byte
	for _, part := range current.parts {
		blob = append(blob, part...)
	}
	if DigestOf(blob) != digest {
		return nil, fmt.Errorf("reassembled stream for %s: %w", digest, ErrDigestMismatch)
	}
	return blob, nil
}

// pruneLocked drops streams that have seen no progress within the
// TTL. Caller holds r.mu.
func (r *Reassembler) pruneLocked() {
	cutoff := r.clock.Now().Add(-streamTTL)
	for digest, current := range r.streams {
		if current.updated.Before(cutoff) && !current.updated.IsZero() {
			delete(r.streams, digest)
		}
	}
}
