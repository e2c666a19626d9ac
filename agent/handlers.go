// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/status"
	"github.com/realm-foundation/realm/supervisor"
	"github.com/realm-foundation/realm/transport"
)

// handleMessage applies one inbound gossip frame. The pipeline is
// fixed: rate limit → decode → verify → dedup → target → apply. A
// frame that fails any stage is dropped; verification failures are
// logged because they are either an attack or an operator error, and
// the transport's flood has already stopped at this node for frames
// we do not re-publish.
//
// Verification runs before the dedup cache is touched. The dedup key
// hashes only (kind, payload) — not the signature — so an unverified
// envelope must never seed the cache: a forged frame carrying a
// predicted payload would otherwise poison the key and silently drop
// the genuine owner-signed command for the whole TTL.
func (a *Agent) handleMessage(ctx context.Context, message transport.Message) {
	if !a.limiter(message.From).Allow() {
		return
	}

	envelope, err := schema.DecodeEnvelope(message.Payload)
	if err != nil {
		a.logger.Debug("dropping malformed envelope", "from", short(message.From), "error", err)
		return
	}

	if envelope.Kind.RequiresOwner() {
		if err := a.trust.VerifyOwner(envelope.OwnerKey, schema.SigningBytes(envelope.Kind, envelope.Payload), envelope.Signature); err != nil {
			a.logger.Warn("rejecting envelope",
				"kind", envelope.Kind.String(),
				"from", short(message.From),
				"error", err,
			)
			return
		}
	}

	// Dedup by payload hash, verified envelopes only: the same
	// signed envelope applied N times within the window applies
	// exactly once.
	hash := blake3.Sum256(schema.SigningBytes(envelope.Kind, envelope.Payload))
	if _, seen := a.dedup.Get(string(hash[:])); seen {
		return
	}
	a.dedup.Add(string(hash[:]), struct{}{})

	a.dispatch(ctx, envelope, message)
}

// dispatch routes a verified envelope to its subsystem.
func (a *Agent) dispatch(ctx context.Context, envelope *schema.Envelope, message transport.Message) {
	switch envelope.Kind {
	case schema.KindDeploy:
		var payload schema.DeployPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			a.logger.Warn("deploy payload", "error", err)
			return
		}
		a.handleDeploy(&payload)

	case schema.KindApply:
		var payload schema.ApplyPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			a.logger.Warn("apply payload", "error", err)
			return
		}
		if err := a.supervisor.ApplyManifest(payload.Manifest); err != nil {
			if errors.Is(err, supervisor.ErrVersionRegression) {
				a.logger.Info("manifest ignored", "error", err)
			} else {
				a.logger.Warn("manifest rejected", "error", err)
			}
		}

	case schema.KindUpgrade:
		var payload schema.UpgradePayload
		if err := envelope.DecodePayload(&payload); err != nil {
			a.logger.Warn("upgrade payload", "error", err)
			return
		}
		a.handleUpgrade(ctx, &payload)

	case schema.KindJobSubmit:
		var payload schema.JobSubmitPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			a.logger.Warn("job submit payload", "error", err)
			return
		}
		if err := a.scheduler.Submit(ctx, payload.Spec, payload.InlineAssets); err != nil {
			a.logger.Warn("job rejected", "job", payload.Spec.ID, "error", err)
		}

	case schema.KindJobCancel:
		var payload schema.JobCancelPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		if err := a.scheduler.Cancel(payload.JobID); err != nil {
			a.logger.Debug("job cancel", "job", payload.JobID, "error", err)
		}

	case schema.KindJobStatus:
		var payload schema.JobStatusPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.scheduler.MergeStatus(&payload)

	case schema.KindBlobChunk:
		var payload schema.BlobChunkPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.handleBlobChunk(&payload)

	case schema.KindBlobHave:
		var payload schema.BlobHavePayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.recordBlobHave(payload.Digest, message.Origin)

	case schema.KindBlobGet:
		var payload schema.BlobGetPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.serveBlob(payload.Digest)

	case schema.KindBlobData:
		var payload schema.BlobDataPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		if err := a.store.PutVerified(payload.Data, payload.Digest); err != nil {
			a.logger.Warn("inline blob rejected", "digest", short(payload.Digest), "error", err)
			return
		}
		a.supervisor.Trigger()

	case schema.KindStatusQuery:
		var payload schema.StatusQueryPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		if payload.Target.Matches(a.NodeID(), a.options.Roles, status.Platform()) {
			a.publishStatusReply(payload.QueryID)
		}

	case schema.KindStatusReply:
		var payload schema.StatusReplyPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.handleStatusReply(&payload)

	case schema.KindPeerExchange:
		var payload schema.PeerExchangePayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		a.transport.AddCandidates(payload.Addresses...)

	case schema.KindVolumeClear:
		var payload schema.VolumeClearPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return
		}
		if payload.Target.Matches(a.NodeID(), a.options.Roles, status.Platform()) {
			if err := a.supervisor.ClearVolume(payload.Volume); err != nil {
				a.logger.Warn("volume clear", "volume", payload.Volume, "error", err)
			}
		}

	default:
		a.logger.Debug("unknown payload kind", "kind", uint8(envelope.Kind))
	}
}

// handleDeploy stages an ad-hoc deploy: inline artifact bytes land in
// CAS (verified against the spec digest), then the supervisor takes
// the spec. The supervisor's own target matching decides whether this
// node runs replicas; non-matching nodes still track the spec so
// status reporting is mesh-wide.
func (a *Agent) handleDeploy(payload *schema.DeployPayload) {
	if len(payload.Inline) > 0 {
		if err := a.store.PutVerified(payload.Inline, payload.Spec.Digest); err != nil {
			a.logger.Warn("deploy artifact rejected", "component", payload.Spec.Name, "error", err)
			return
		}
		a.announceBlob(payload.Spec.Digest, uint64(len(payload.Inline)))
	}

	// A zip artifact is a package: extract it and deploy the
	// component it describes, with the command's spec as the
	// operator overlay.
	if artifact, err := a.store.Get(payload.Spec.Digest); err == nil && supervisor.IsPackage(artifact) {
		if err := a.supervisor.DeployPackage(payload.Spec.Digest, payload.Spec); err != nil {
			a.logger.Warn("package deploy rejected", "digest", short(payload.Spec.Digest), "error", err)
		}
		return
	}

	if err := a.supervisor.Deploy(payload.Spec); err != nil {
		a.logger.Warn("deploy rejected", "component", payload.Spec.Name, "error", err)
	}
}

// handleStatusReply merges a peer snapshot into the node view and
// completes any waiting local query (first reply wins; later replies
// only refresh the view).
func (a *Agent) handleStatusReply(payload *schema.StatusReplyPayload) {
	if payload.Snapshot.NodeID == "" || payload.Snapshot.NodeID == a.NodeID() {
		return
	}
	a.mu.Lock()
	a.nodeView[payload.Snapshot.NodeID] = payload.Snapshot
	var waiter chan schema.Snapshot
	if payload.QueryID != "" {
		waiter = a.pendingQueries[payload.QueryID]
	}
	a.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- payload.Snapshot:
		default:
		}
	}
}

// publishHeartbeat gossips this node's snapshot on the status topic.
func (a *Agent) publishHeartbeat() {
	a.publishStatusReply("")
}

func (a *Agent) publishStatusReply(queryID string) {
	envelope, err := schema.Unsigned(schema.KindStatusReply, schema.StatusReplyPayload{
		QueryID:  queryID,
		Snapshot: a.reporter.Snapshot(),
	})
	if err != nil {
		return
	}
	a.publishEnvelope(schema.TopicStatus, envelope)
}

// publishJobStatus gossips a job lifecycle change.
func (a *Agent) publishJobStatus(update schema.JobStatusPayload) {
	envelope, err := schema.Unsigned(schema.KindJobStatus, update)
	if err != nil {
		return
	}
	a.publishEnvelope(schema.TopicCommand, envelope)
}

// publishPeerExchange gossips known peer addresses on the peers
// topic.
func (a *Agent) publishPeerExchange() {
	addresses := a.transport.KnownAddresses()
	if len(addresses) == 0 {
		return
	}
	envelope, err := schema.Unsigned(schema.KindPeerExchange, schema.PeerExchangePayload{
		NodeID:    a.NodeID(),
		Addresses: addresses,
	})
	if err != nil {
		return
	}
	a.publishEnvelope(schema.TopicPeers, envelope)
}

// publishEnvelope encodes and publishes an envelope, marking its
// payload hash seen so our own flood echo is ignored.
func (a *Agent) publishEnvelope(topic string, envelope *schema.Envelope) int {
	data, err := envelope.Encode()
	if err != nil {
		a.logger.Error("encoding envelope", "kind", envelope.Kind.String(), "error", err)
		return 0
	}
	hash := blake3.Sum256(schema.SigningBytes(envelope.Kind, envelope.Payload))
	a.dedup.Add(string(hash[:]), struct{}{})
	return a.transport.Publish(topic, data)
}

func short(value string) string {
	if len(value) > 12 {
		return value[:12]
	}
	return value
}
