// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// DeployPayload is an ad-hoc single-component deploy. Small artifacts
// ride inline; larger ones are chunked separately and referenced by
// digest.
type DeployPayload struct {
	// Spec is the component to deploy. Spec.Target selects nodes.
	Spec ComponentSpec `json:"spec"`

	// Inline carries the artifact bytes when they fit in one
	// envelope. Must hash to Spec.Digest.
	Inline []byte `json:"inline,omitempty"`
}

// ApplyPayload replaces desired state with a full manifest.
type ApplyPayload struct {
	Manifest Manifest `json:"manifest"`
}

// UpgradePayload replaces the agent binary itself.
type UpgradePayload struct {
	// Platform is the target platform ("linux/amd64" style). Agents
	// on any other platform ignore the upgrade.
	Platform string `json:"platform"`

	// Digest is the SHA-256 of the replacement binary in CAS.
	Digest string `json:"digest"`

	// Version is the upgrade's monotonic version integer. Applied
	// only when it strictly exceeds the running version.
	Version uint64 `json:"version"`

	// Target optionally restricts the upgrade to specific nodes or
	// tags in addition to the platform gate.
	Target Targeting `json:"target,omitempty"`
}

// JobSubmitPayload submits a job to the mesh. Small assets ride
// inline keyed by digest; the rest are fetched through the blob
// protocol during pre-staging.
type JobSubmitPayload struct {
	Spec JobSpec `json:"spec"`

	// InlineAssets maps digest → bytes for assets small enough to
	// travel with the submission.
	InlineAssets map[string][]byte `json:"inline_assets,omitempty"`
}

// JobCancelPayload requests cancellation of a non-terminal job.
type JobCancelPayload struct {
	JobID string `json:"job_id"`
}

// JobStatusPayload gossips a job lifecycle change from the assigned
// node. Observers merge it monotonically (see JobRecord.Merge).
type JobStatusPayload struct {
	JobID        string            `json:"job_id"`
	AssignedNode string            `json:"assigned_node"`
	Status       JobStatus         `json:"status"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	CompletedAt  time.Time         `json:"completed_at,omitzero"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
}

// BlobChunkPayload carries one chunk of a large blob. Chunks are
// compressed individually; the digest names the complete,
// uncompressed blob and is verified after reassembly.
type BlobChunkPayload struct {
	Digest string `json:"digest"`
	Index  uint32 `json:"index"`
	Total  uint32 `json:"total"`

	// Compression is the lib/cas compression tag for Data.
	Compression uint8 `json:"compression"`

	Data []byte `json:"data"`
}

// BlobHavePayload announces that a node holds a blob.
type BlobHavePayload struct {
	Digest string `json:"digest"`
	Size   uint64 `json:"size"`
}

// BlobGetPayload asks the mesh for a blob. Nodes holding it respond
// with BlobData (inline, when small enough) or a chunk stream.
type BlobGetPayload struct {
	Digest string `json:"digest"`
}

// BlobDataPayload answers a BlobGet with the full blob inline.
type BlobDataPayload struct {
	Digest string `json:"digest"`
	Data   []byte `json:"data"`
}

// StatusQueryPayload asks matching nodes to publish a StatusReply.
type StatusQueryPayload struct {
	// QueryID correlates replies; the first reply per query wins at
	// the caller.
	QueryID string `json:"query_id"`

	// Target filters which nodes answer. Empty means all.
	Target Targeting `json:"target,omitempty"`
}

// StatusReplyPayload answers a status query with a node snapshot.
type StatusReplyPayload struct {
	QueryID  string   `json:"query_id"`
	Snapshot Snapshot `json:"snapshot"`
}

// PeerExchangePayload gossips known peer listener addresses on the
// peers topic.
type PeerExchangePayload struct {
	// NodeID identifies the announcing node.
	NodeID string `json:"node_id"`

	// Addresses are "host:port" QUIC listener addresses.
	Addresses []string `json:"addresses"`
}

// VolumeClearPayload destroys a persistent volume by name. The only
// way volume data ever goes away.
type VolumeClearPayload struct {
	Volume string `json:"volume"`

	// Target restricts which nodes clear the volume.
	Target Targeting `json:"target,omitempty"`
}
