// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"crypto/ed25519"
	"fmt"

	"github.com/realm-foundation/realm/lib/codec"
)

// Topic names for mesh gossip. Version-suffixed so incompatible
// protocol revisions can coexist during a rolling upgrade.
const (
	// TopicCommand carries signed command envelopes and blob traffic.
	TopicCommand = "realm/cmd/v1"

	// TopicStatus carries node status heartbeats, query replies, and
	// blob availability announcements.
	TopicStatus = "realm/status/v1"

	// TopicPeers carries peer-exchange address gossip.
	TopicPeers = "realm/peers/v1"
)

// PayloadKind tags the payload variant inside an envelope. The tag
// byte is part of the signed bytes, so a signature over a Deploy
// payload can never be replayed as an Apply.
//
// Values are protocol constants — never renumber.
type PayloadKind uint8

const (
	KindDeploy       PayloadKind = 1
	KindApply        PayloadKind = 2
	KindUpgrade      PayloadKind = 3
	KindJobSubmit    PayloadKind = 4
	KindJobCancel    PayloadKind = 5
	KindJobStatus    PayloadKind = 6
	KindBlobChunk    PayloadKind = 7
	KindBlobHave     PayloadKind = 8
	KindBlobGet      PayloadKind = 9
	KindBlobData     PayloadKind = 10
	KindStatusQuery  PayloadKind = 11
	KindStatusReply  PayloadKind = 12
	KindPeerExchange PayloadKind = 13
	KindVolumeClear  PayloadKind = 14
)

// String returns the kind's wire-stable name for logs and errors.
func (k PayloadKind) String() string {
	switch k {
	case KindDeploy:
		return "deploy"
	case KindApply:
		return "apply"
	case KindUpgrade:
		return "upgrade"
	case KindJobSubmit:
		return "job-submit"
	case KindJobCancel:
		return "job-cancel"
	case KindJobStatus:
		return "job-status"
	case KindBlobChunk:
		return "blob-chunk"
	case KindBlobHave:
		return "blob-have"
	case KindBlobGet:
		return "blob-get"
	case KindBlobData:
		return "blob-data"
	case KindStatusQuery:
		return "status-query"
	case KindStatusReply:
		return "status-reply"
	case KindPeerExchange:
		return "peer-exchange"
	case KindVolumeClear:
		return "volume-clear"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RequiresOwner reports whether envelopes of this kind mutate agent
// state and therefore must carry a valid owner signature. The
// remaining kinds are node-origin gossip (status, blob availability,
// peer exchange) that carries no authority.
func (k PayloadKind) RequiresOwner() bool {
	switch k {
	case KindDeploy, KindApply, KindUpgrade, KindJobSubmit, KindJobCancel, KindVolumeClear:
		return true
	}
	return false
}

// Rebroadcasts reports whether this kind counts as a rebroadcast
// kind: every kind except status replies. The agent does not consult
// it and never re-publishes an envelope; propagation is the
// transport's forward-once flood, which forwards every unseen frame
// whatever its kind and whether or not the agent accepts it.
func (k PayloadKind) Rebroadcasts() bool {
	return k != KindStatusReply
}

// Envelope is the signed command wrapper that travels the mesh:
// {owner_pub, signature, kind, payload}. The signature covers exactly
// SigningBytes(kind, payload) — the canonical payload bytes prefixed
// with the variant tag, nothing else.
//
// The envelope encodes with fixed integer keys (keyasint): the field
// numbering is the wire contract, independent of Go field names, and
// the canonical encoder gives the tuple one byte sequence per value.
//
// For unsigned gossip kinds, OwnerKey and Signature are empty.
type Envelope struct {
	OwnerKey  []byte           `cbor:"1,keyasint,omitempty"`
	Signature []byte           `cbor:"2,keyasint,omitempty"`
	Kind      PayloadKind      `cbor:"3,keyasint"`
	Payload   codec.RawMessage `cbor:"4,keyasint"`
}

// SigningBytes returns the exact byte sequence an envelope signature
// covers: the one-byte variant tag followed by the canonical payload
// bytes. payload must already be canonical CBOR.
func SigningBytes(kind PayloadKind, payload []byte) []byte {
	signed := make([]byte, 0, 1+len(payload))
	signed = append(signed, byte(kind))
	signed = append(signed, payload...)
	return signed
}

// Signer produces detached signatures over canonical bytes. Satisfied
// by identity.Key; declared here so schema does not import identity.
type Signer interface {
	Sign(message []byte) []byte
	Public() ed25519.PublicKey
}

// Seal encodes payload canonically, signs it with key, and returns
// the complete envelope.
func Seal(key Signer, kind PayloadKind, payload any) (*Envelope, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Envelope{
		OwnerKey:  key.Public(),
		Signature: key.Sign(SigningBytes(kind, raw)),
		Kind:      kind,
		Payload:   raw,
	}, nil
}

// Unsigned builds an envelope for a gossip kind that carries no owner
// authority. Returns an error if kind requires a signature.
func Unsigned(kind PayloadKind, payload any) (*Envelope, error) {
	if kind.RequiresOwner() {
		return nil, fmt.Errorf("kind %s requires an owner signature", kind)
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return &Envelope{Kind: kind, Payload: raw}, nil
}

// Encode serializes the envelope canonically for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return codec.Marshal(e)
}

// DecodeEnvelope parses a wire envelope. Signature verification is
// the caller's job — decoding is deliberately cheap so malformed
// envelopes are dropped before any crypto runs.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if envelope.Kind == 0 {
		return nil, fmt.Errorf("envelope has no payload kind")
	}
	return &envelope, nil
}

// DecodePayload decodes the envelope's payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Kind, err)
	}
	return nil
}
