// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quic-go/quic-go"
	"github.com/zeebo/blake3"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/identity"
)

// MaxFrameSize bounds one gossip frame on the wire. Large blobs are
// chunked well below this by lib/cas; anything bigger is a protocol
// violation and drops the connection.
const MaxFrameSize = 10 << 20

// seenCacheSize bounds the flood-dedup message-ID cache.
const seenCacheSize = 30_000

// Timer cadences. Dial maintenance wakes frequently; the routing
// refresh re-seeds bootstrap addresses on the slow cadence so a
// partitioned node keeps probing its way back in.
const (
	dialInterval           = 5 * time.Second
	routingRefreshInterval = 120 * time.Second
	maxDialBackoff         = 5 * time.Minute
	dialTimeout            = 10 * time.Second
	handshakeTimeout       = 10 * time.Second
)

// dropAfterFailures removes a non-bootstrap candidate from the active
// set. Bootstrap addresses are never dropped.
const dropAfterFailures = 8

// Config configures a Transport.
type Config struct {
	// Key is the node identity; the transport certificate and node ID
	// derive from it.
	Key *identity.Key

	// ListenPort is the UDP port to bind. Zero lets the kernel pick;
	// the caller persists the resulting Port() for the next start.
	ListenPort int

	// BeaconPort enables local-network broadcast discovery when
	// non-zero.
	BeaconPort int

	// Bootstrap is the operator-configured address list. Entries are
	// re-seeded into the dial candidates on every routing refresh and
	// never dropped.
	Bootstrap []string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Message is a gossip frame delivered to a subscriber.
type Message struct {
	// Topic the frame was published on.
	Topic string

	// Origin is the node ID of the publisher.
	Origin string

	// From is the node ID of the peer that delivered the frame —
	// the rate-limiting key for inbound traffic.
	From string

	// Payload is the application payload (a wire envelope).
	Payload []byte
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	// NodeID is the peer's cryptographically verified identity.
	NodeID string

	// Address is the peer's dialable listener address ("host:port"),
	// learned from its connection greeting. Gossiped in peer
	// exchange.
	Address string
}

// frame is the gossip wire format on a connection's stream.
type frame struct {
	ID      []byte `json:"id"`
	Topic   string `json:"topic"`
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// greeting is the first message on every new connection, both
// directions. The node ID must match the TLS-derived identity; the
// listen port gives the acceptor a dialable address for the peer.
type greeting struct {
	NodeID     string `json:"node_id"`
	ListenPort int    `json:"listen_port"`
}

// candidate is a known address with dial backoff state.
type candidate struct {
	address   string
	bootstrap bool
	failures  int
	nextDial  time.Time
	dialing   bool
}

// Transport is the mesh transport for one node. Create with New,
// then call Run; Publish and Subscribe are safe from any goroutine
// once New returns.
type Transport struct {
	config   Config
	logger   *slog.Logger
	clock    clock.Clock
	nodeID   string
	port     int
	udp      *net.UDPConn
	quicTr   *quic.Transport
	listener *quic.Listener
	tlsConf  *tls.Config
	quicConf *quic.Config

	seq  atomic.Uint64
	seen *lru.Cache[string, struct{}]

	mu          sync.Mutex
	peers       map[string]*peer
	candidates  map[string]*candidate
	subscribers map[string]map[int]chan Message
	nextSubID   int
	closed      bool
}

// New binds the UDP socket and prepares the transport. Run must be
// called to start accepting and dialing. A bind failure on an
// explicit port is permanent — the caller exits non-zero.
func New(config Config) (*Transport, error) {
	if config.Key == nil {
		return nil, fmt.Errorf("transport: node key is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	cert, err := identityCertificate(config.Key.Private())
	if err != nil {
		return nil, err
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: config.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("binding UDP port %d: %w", config.ListenPort, err)
	}

	quicTr := &quic.Transport{Conn: udp}
	tlsConf := tlsConfig(cert)
	quicConf := &quic.Config{
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
	listener, err := quicTr.Listen(tlsConf, quicConf)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("starting QUIC listener: %w", err)
	}

	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		listener.Close()
		udp.Close()
		return nil, err
	}

	t := &Transport{
		config:      config,
		logger:      config.Logger,
		clock:       config.Clock,
		nodeID:      config.Key.NodeID(),
		port:        udp.LocalAddr().(*net.UDPAddr).Port,
		udp:         udp,
		quicTr:      quicTr,
		listener:    listener,
		tlsConf:     tlsConf,
		quicConf:    quicConf,
		seen:        seen,
		peers:       make(map[string]*peer),
		candidates:  make(map[string]*candidate),
		subscribers: make(map[string]map[int]chan Message),
	}
	t.AddCandidates(config.Bootstrap...)
	for _, address := range config.Bootstrap {
		if c, ok := t.candidates[address]; ok {
			c.bootstrap = true
		}
	}
	return t, nil
}

// LocalNodeID returns this node's identifier.
func (t *Transport) LocalNodeID() string { return t.nodeID }

// Port returns the bound UDP port. The caller persists it so the
// next start reuses the same NAT mapping.
func (t *Transport) Port() int { return t.port }

// PeerCount returns the number of connected peers.
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Peers returns the connected peer set.
func (t *Transport) Peers() []PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		infos = append(infos, PeerInfo{NodeID: p.nodeID, Address: p.address})
	}
	return infos
}

// KnownAddresses returns the current dial candidate addresses plus
// connected peer addresses — the set gossiped in peer exchange.
func (t *Transport) KnownAddresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var addresses []string
	for _, p := range t.peers {
		if p.address != "" && !seen[p.address] {
			seen[p.address] = true
			addresses = append(addresses, p.address)
		}
	}
	for address := range t.candidates {
		if !seen[address] {
			seen[address] = true
			addresses = append(addresses, address)
		}
	}
	return addresses
}

// AddCandidates adds dial candidates (from bootstrap, beacons, or
// peer exchange). Known addresses and the node's own listener are
// ignored.
func (t *Transport) AddCandidates(addresses ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, address := range addresses {
		if address == "" {
			continue
		}
		if _, exists := t.candidates[address]; exists {
			continue
		}
		t.candidates[address] = &candidate{address: address, nextDial: t.clock.Now()}
	}
}

// Subscribe returns a channel of messages published on topic by
// other nodes, and a cancel function. Delivery is at-most-once per
// message ID while that ID is held in the seen cache, which keeps the
// seenCacheSize most recent IDs; an ID evicted from it can be
// delivered again.
func (t *Transport) Subscribe(topic string) (<-chan Message, func()) {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan Message, 256)
	if t.subscribers[topic] == nil {
		t.subscribers[topic] = make(map[int]chan Message)
	}
	t.subscribers[topic][id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers[topic], id)
			close(ch)
			t.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish broadcasts payload on topic to all connected peers.
// Returns the number of peers the frame was handed to — zero means
// the mesh is currently unreachable and the caller decides whether
// to retry.
func (t *Transport) Publish(topic string, payload []byte) int {
	f := frame{
		ID:      t.nextMessageID(),
		Topic:   topic,
		Origin:  t.nodeID,
		Payload: payload,
	}
	// Mark our own ID seen so the flood cannot echo it back to us.
	t.seen.Add(string(f.ID), struct{}{})
	return t.fanOut(&f, "")
}

// nextMessageID derives a publisher-unique 16-byte message ID from
// the node ID and a monotonic sequence number.
func (t *Transport) nextMessageID() []byte {
	hasher := blake3.New()
	hasher.Write([]byte(t.nodeID))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], t.seq.Add(1))
	hasher.Write(seq[:])
	return hasher.Sum(nil)[:16]
}

// fanOut sends a frame to every connected peer except excludeNodeID.
func (t *Transport) fanOut(f *frame, excludeNodeID string) int {
	t.mu.Lock()
	targets := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.nodeID != excludeNodeID {
			targets = append(targets, p)
		}
	}
	t.mu.Unlock()

	delivered := 0
	for _, p := range targets {
		if p.send(f) {
			delivered++
		}
	}
	return delivered
}

// handleFrame processes one inbound frame: dedup, local delivery,
// forward-once flood.
func (t *Transport) handleFrame(f *frame, fromNodeID string) {
	if len(f.ID) == 0 || f.Origin == t.nodeID {
		return
	}
	if present, _ := t.seen.ContainsOrAdd(string(f.ID), struct{}{}); present {
		return
	}

	t.mu.Lock()
	for _, ch := range t.subscribers[f.Topic] {
		select {
		case ch <- Message{Topic: f.Topic, Origin: f.Origin, From: fromNodeID, Payload: f.Payload}:
		default:
			// Subscriber is saturated; at-most-once means drop, not
			// block the read loop.
		}
	}
	t.mu.Unlock()

	t.fanOut(f, fromNodeID)
}

// Run accepts inbound connections, maintains outbound dials, and
// runs discovery beacons until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.acceptLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t.dialLoop(ctx)
	}()

	if t.config.BeaconPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runBeacon(ctx)
		}()
	}

	<-ctx.Done()
	t.close()
	wg.Wait()
	return nil
}

func (t *Transport) close() {
	t.mu.Lock()
	t.closed = true
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	t.listener.Close()
	t.udp.Close()
}

// acceptLoop accepts inbound QUIC connections.
func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		go t.setupConnection(ctx, conn, false)
	}
}

// dialLoop dials due candidates and periodically re-seeds bootstrap
// addresses (the routing refresh).
func (t *Transport) dialLoop(ctx context.Context) {
	dialTick := t.clock.NewTicker(dialInterval)
	defer dialTick.Stop()
	refreshTick := t.clock.NewTicker(routingRefreshInterval)
	defer refreshTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTick.C:
			t.AddCandidates(t.config.Bootstrap...)
			t.mu.Lock()
			for _, address := range t.config.Bootstrap {
				if c, ok := t.candidates[address]; ok {
					c.bootstrap = true
				}
			}
			t.mu.Unlock()
		case <-dialTick.C:
			t.dialDue(ctx)
		}
	}
}

// dialDue starts dials for candidates whose backoff has elapsed and
// that are not already connected.
func (t *Transport) dialDue(ctx context.Context) {
	now := t.clock.Now()

	t.mu.Lock()
	connected := make(map[string]bool, len(t.peers))
	for _, p := range t.peers {
		connected[p.address] = true
	}
	var due []*candidate
	for _, c := range t.candidates {
		if c.dialing || connected[c.address] || now.Before(c.nextDial) {
			continue
		}
		c.dialing = true
		due = append(due, c)
	}
	t.mu.Unlock()

	for _, c := range due {
		go t.dialCandidate(ctx, c)
	}
}

func (t *Transport) dialCandidate(ctx context.Context, c *candidate) {
	err := t.Dial(ctx, c.address)

	t.mu.Lock()
	defer t.mu.Unlock()
	c.dialing = false
	if err == nil {
		c.failures = 0
		return
	}
	c.failures++
	backoff := dialInterval << min(c.failures, 6)
	if backoff > maxDialBackoff {
		backoff = maxDialBackoff
	}
	c.nextDial = t.clock.Now().Add(backoff)
	if c.failures >= dropAfterFailures && !c.bootstrap {
		delete(t.candidates, c.address)
		t.logger.Info("dropping unreachable peer address", "address", c.address, "failures", c.failures)
		return
	}
	t.logger.Debug("dial failed", "address", c.address, "failures", c.failures, "error", err)
}

// Dial connects to a peer listener address and registers the peer.
// Returns nil if a connection to that node already exists.
func (t *Transport) Dial(ctx context.Context, address string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", address, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := t.quicTr.Dial(dialCtx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}
	return t.setupConnection(ctx, conn, true)
}
