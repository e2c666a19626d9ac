// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/realm-foundation/realm/lib/codec"
)

// peerSendBuffer is the per-peer outbound frame queue depth. A peer
// that cannot drain this many frames is effectively dead and gets
// disconnected rather than back-pressuring the whole mesh.
const peerSendBuffer = 128

// peer is one live connection. Frames travel on a single
// bidirectional stream opened by the dialer; a dedicated writer
// goroutine serializes sends.
type peer struct {
	nodeID  string
	address string // dialable listener address, from the greeting
	conn    quic.Connection
	stream  quic.Stream

	sendCh    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// setupConnection completes the application handshake on a new QUIC
// connection (either direction), registers the peer, and starts its
// read/write loops.
func (t *Transport) setupConnection(ctx context.Context, conn quic.Connection, dialer bool) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// The TLS layer already verified the certificate shape; derive
	// the peer's identity from it.
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		conn.CloseWithError(1, "no peer certificate")
		return fmt.Errorf("connection carries no peer certificate")
	}
	nodeID, err := peerNodeID([][]byte{state.PeerCertificates[0].Raw})
	if err != nil {
		conn.CloseWithError(1, "bad identity certificate")
		return err
	}
	if nodeID == t.nodeID {
		conn.CloseWithError(2, "self connection")
		return fmt.Errorf("refusing connection to self")
	}

	var stream quic.Stream
	if dialer {
		stream, err = conn.OpenStreamSync(handshakeCtx)
	} else {
		stream, err = conn.AcceptStream(handshakeCtx)
	}
	if err != nil {
		conn.CloseWithError(3, "stream setup failed")
		return fmt.Errorf("opening gossip stream with %s: %w", nodeID, err)
	}

	// Exchange greetings. Writes and reads are concurrent so neither
	// side deadlocks waiting for the other to speak first.
	hello := greeting{NodeID: t.nodeID, ListenPort: t.port}
	writeErr := make(chan error, 1)
	go func() { writeErr <- writeLengthPrefixed(stream, hello) }()

	var peerHello greeting
	if err := readLengthPrefixed(stream, &peerHello); err != nil {
		conn.CloseWithError(3, "greeting failed")
		return fmt.Errorf("reading greeting from %s: %w", nodeID, err)
	}
	if err := <-writeErr; err != nil {
		conn.CloseWithError(3, "greeting failed")
		return fmt.Errorf("sending greeting to %s: %w", nodeID, err)
	}
	if peerHello.NodeID != nodeID {
		conn.CloseWithError(4, "identity mismatch")
		return fmt.Errorf("peer claims %s but certificate proves %s", peerHello.NodeID, nodeID)
	}

	address := ""
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil && peerHello.ListenPort > 0 {
		address = net.JoinHostPort(host, strconv.Itoa(peerHello.ListenPort))
	}

	p := &peer{
		nodeID:  nodeID,
		address: address,
		conn:    conn,
		stream:  stream,
		sendCh:  make(chan []byte, peerSendBuffer),
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.CloseWithError(0, "shutting down")
		return fmt.Errorf("transport is shut down")
	}
	if _, exists := t.peers[nodeID]; exists {
		// Simultaneous dial produced a second connection to the same
		// node; the one registered first wins.
		t.mu.Unlock()
		conn.CloseWithError(0, "duplicate connection")
		return nil
	}
	t.peers[nodeID] = p
	t.mu.Unlock()

	t.logger.Info("peer connected", "peer", shortID(nodeID), "address", address, "inbound", !dialer)

	go p.writeLoop()
	go t.readLoop(p)
	return nil
}

// shortID abbreviates a node ID for logs.
func shortID(nodeID string) string {
	if len(nodeID) > 12 {
		return nodeID[:12]
	}
	return nodeID
}

// send queues a frame for the peer. Returns false if the peer's
// queue is full or the peer is gone.
func (p *peer) send(f *frame) bool {
	data, err := codec.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendCh <- data:
		return true
	default:
		p.close()
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			if err := writeRaw(p.stream, data); err != nil {
				p.close()
				return
			}
		}
	}
}

// readLoop reads frames until the connection dies, then unregisters
// the peer.
func (t *Transport) readLoop(p *peer) {
	defer func() {
		p.close()
		t.mu.Lock()
		if t.peers[p.nodeID] == p {
			delete(t.peers, p.nodeID)
		}
		t.mu.Unlock()
		t.logger.Info("peer disconnected", "peer", shortID(p.nodeID))
	}()

	for {
		var f frame
		if err := readLengthPrefixed(p.stream, &f); err != nil {
			return
		}
		t.handleFrame(&f, p.nodeID)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.CloseWithError(0, "closing")
	})
}

// writeLengthPrefixed CBOR-encodes v and writes it with a 4-byte
// big-endian length prefix.
func writeLengthPrefixed(w io.Writer, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return writeRaw(w, data)
}

func writeRaw(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readLengthPrefixed reads one length-prefixed CBOR value into v.
// Frames beyond MaxFrameSize are a protocol violation.
func readLengthPrefixed(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return codec.Unmarshal(data, v)
}
