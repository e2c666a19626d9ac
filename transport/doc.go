// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is Realm's peer-to-peer layer: authenticated,
// encrypted point-to-point channels over a single UDP port, with
// topic-based gossip on top.
//
// Channels are QUIC connections. Both directions share one UDP
// socket, so the port persisted at first bind serves listening and
// dialing alike and NAT mappings stay stable. Every connection
// authenticates with a self-signed TLS certificate carrying the
// node's Ed25519 identity key; the peer's node ID is derived from
// that key during the handshake, so a connection is cryptographically
// bound to the node it claims to be.
//
// Gossip floods frames across the overlay: each frame carries a
// publisher-unique message ID, receivers deliver a frame to local
// subscribers at most once and forward unseen frames to every peer
// except the one it arrived from.
//
// Discovery runs in layers, concurrently: local UDP broadcast
// beacons (zero-config LANs), the operator's bootstrap list, a
// periodic routing refresh that re-dials known addresses, and
// peer-exchange gossip handled above this package. Dial failures back
// off exponentially; a persistently unreachable address leaves the
// active candidate set but bootstrap entries are re-seeded on every
// refresh.
package transport
