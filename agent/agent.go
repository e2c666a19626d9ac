// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/realm-foundation/realm/lib/cas"
	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/config"
	"github.com/realm-foundation/realm/lib/identity"
	"github.com/realm-foundation/realm/lib/layout"
	"github.com/realm-foundation/realm/lib/ring"
	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/lib/version"
	"github.com/realm-foundation/realm/sandbox"
	"github.com/realm-foundation/realm/scheduler"
	"github.com/realm-foundation/realm/status"
	"github.com/realm-foundation/realm/supervisor"
	"github.com/realm-foundation/realm/transport"
)

// Cadences of the kernel's periodic work.
const (
	heartbeatInterval    = 5 * time.Second
	blobAnnounceInterval = 60 * time.Second
	peerExchangeInterval = 60 * time.Second
	gcInterval           = 10 * time.Minute
)

// Envelope dedup cache: bounded size with TTL. Submitting the same
// signed envelope N times within the window applies once.
const (
	dedupCacheSize = 30_000
	dedupCacheTTL  = 30 * time.Minute
)

// Per-source-peer envelope rate limit.
const (
	peerRateLimit = 50 // envelopes per second
	peerRateBurst = 200
)

// inlineBlobLimit is the largest blob answered inline to a BlobGet;
// larger blobs go out as chunk streams.
const inlineBlobLimit = 8 << 20

// blobAnnounceSample is how many blobs each announce tick advertises.
const blobAnnounceSample = 8

// DefaultGCTarget is the CAS size target enforced by the periodic GC
// pass.
const DefaultGCTarget = 4 << 30

// Options configures an Agent.
type Options struct {
	Layout layout.Layout

	// Roles are this node's advertised tags.
	Roles []string

	// BeaconPort enables local broadcast discovery (0 disables).
	BeaconPort int

	// GCTarget is the CAS size target in bytes. Zero means
	// DefaultGCTarget.
	GCTarget uint64

	// OnUpgradeApplied runs after a binary upgrade has been applied
	// and the version record advanced. The default requests process
	// exit so the service manager restarts into the new binary.
	OnUpgradeApplied func()

	Logger *slog.Logger
	Clock  clock.Clock
}

// Agent is one Realm node.
type Agent struct {
	options Options
	logger  *slog.Logger
	clock   clock.Clock
	layout  layout.Layout

	key     *identity.Key
	trust   *identity.TrustStore
	version *version.Record
	policy  *config.PolicyStore

	store       *cas.Store
	reassembler *cas.Reassembler
	transport   *transport.Transport
	supervisor  *supervisor.Supervisor
	scheduler   *scheduler.Scheduler
	logs        *ring.Bus
	reporter    *status.Reporter

	dedup *expirable.LRU[string, struct{}]

	mu             sync.Mutex
	limiters       map[string]*rate.Limiter
	nodeView       map[string]schema.Snapshot
	contentIndex   map[string]map[string]bool
	pendingQueries map[string]chan schema.Snapshot
	pendingUpgrade *schema.UpgradePayload

	shutdown context.CancelFunc
}

// New constructs an agent: loads or creates the node identity, opens
// the trust root and stores, binds the transport, and wires the
// subsystems. Identity or bind failures are fatal — they are the only
// errors that should exit the process non-zero.
func New(options Options) (*Agent, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.GCTarget == 0 {
		options.GCTarget = DefaultGCTarget
	}

	l := options.Layout
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}

	key, err := identity.LoadOrCreateNodeKey(l.NodeKeyPath(), l.NodePeerPath())
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}
	trust, err := identity.OpenTrustStore(l.OwnerKeyPath())
	if err != nil {
		return nil, fmt.Errorf("trust root: %w", err)
	}
	versionRecord, err := version.Load(l.AgentVersionPath())
	if err != nil {
		return nil, fmt.Errorf("agent version: %w", err)
	}
	policy, err := config.OpenPolicyStore(l.PolicyPath(), options.Logger)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	store, err := cas.Open(l, options.Clock)
	if err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}

	bootstrap, err := config.LoadBootstrap(l.BootstrapPath())
	if err != nil {
		return nil, err
	}
	listenPort, err := config.LoadListenPort(l.ListenPortPath())
	if err != nil {
		return nil, err
	}

	mesh, err := transport.New(transport.Config{
		Key:        key,
		ListenPort: listenPort,
		BeaconPort: options.BeaconPort,
		Bootstrap:  bootstrap.Addresses,
		Logger:     options.Logger,
		Clock:      options.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	agent := &Agent{
		options:        options,
		logger:         options.Logger,
		clock:          options.Clock,
		layout:         l,
		key:            key,
		trust:          trust,
		version:        versionRecord,
		policy:         policy,
		store:          store,
		reassembler:    cas.NewReassembler(options.Clock),
		transport:      mesh,
		logs:           ring.NewBus(ring.DefaultCapacity, options.Clock),
		dedup:          expirable.NewLRU[string, struct{}](dedupCacheSize, nil, dedupCacheTTL),
		limiters:       make(map[string]*rate.Limiter),
		nodeView:       make(map[string]schema.Snapshot),
		contentIndex:   make(map[string]map[string]bool),
		pendingQueries: make(map[string]chan schema.Snapshot),
	}

	runner := sandbox.NewRunner(options.Logger)
	agent.supervisor = supervisor.New(supervisor.Config{
		Layout:    l,
		Runner:    runner,
		Artifacts: (*artifactSource)(agent),
		Logs:      agent.logs,
		Clock:     options.Clock,
		Logger:    options.Logger,
		NodeID:    key.NodeID(),
		Roles:     options.Roles,
		Platform:  status.Platform(),
	})
	agent.scheduler = scheduler.New(scheduler.Config{
		Layout:        l,
		Blobs:         (*artifactSource)(agent),
		Runner:        runner,
		Policy:        policy.Current,
		PeerSnapshots: agent.peerSnapshots,
		PublishStatus: agent.publishJobStatus,
		Logs:          agent.logs,
		Clock:         options.Clock,
		Logger:        options.Logger,
		NodeID:        key.NodeID(),
		Roles:         options.Roles,
		Platform:      status.Platform(),
		EmulatorPath:  findEmulator(),
	})
	agent.reporter = status.NewReporter(status.Sources{
		NodeID:       key.NodeID(),
		Roles:        options.Roles,
		AgentVersion: versionRecord.Current,
		TrustedOwner: func() string {
			if trusted := trust.Trusted(); trusted != nil {
				return identity.EncodeKey(trusted)
			}
			return ""
		},
		Components: agent.supervisor.Statuses,
		JobCounts:  agent.scheduler.Counts,
		PeerCount:  mesh.PeerCount,
	}, options.Clock, options.Logger)

	if options.OnUpgradeApplied == nil {
		options.OnUpgradeApplied = func() {
			agent.logger.Info("upgrade applied, shutting down for restart")
			if agent.shutdown != nil {
				agent.shutdown()
			}
		}
		agent.options.OnUpgradeApplied = options.OnUpgradeApplied
	}
	return agent, nil
}

// NodeID returns this agent's node identifier.
func (a *Agent) NodeID() string { return a.key.NodeID() }

// Run starts every subsystem and processes mesh traffic until ctx is
// cancelled. Returns nil on clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.shutdown = cancel

	// The bound port is persisted so restarts keep the same NAT
	// mapping.
	if err := config.SaveListenPort(a.layout.ListenPortPath(), a.transport.Port()); err != nil {
		return fmt.Errorf("persisting listen port: %w", err)
	}

	if err := a.policy.Watch(ctx); err != nil {
		a.logger.Warn("policy watch unavailable", "error", err)
	}
	if err := a.supervisor.Restore(); err != nil {
		a.logger.Warn("desired state restore failed", "error", err)
	}
	if err := a.scheduler.Restore(); err != nil {
		a.logger.Warn("job index restore failed", "error", err)
	}

	commands, cancelCommands := a.transport.Subscribe(schema.TopicCommand)
	defer cancelCommands()
	statuses, cancelStatuses := a.transport.Subscribe(schema.TopicStatus)
	defer cancelStatuses()
	peers, cancelPeers := a.transport.Subscribe(schema.TopicPeers)
	defer cancelPeers()

	var background sync.WaitGroup
	for _, task := range []func(context.Context){
		func(ctx context.Context) { a.transport.Run(ctx) },
		func(ctx context.Context) { a.supervisor.Run(ctx) },
		func(ctx context.Context) { a.scheduler.Run(ctx) },
		func(ctx context.Context) { a.serveQueries(ctx) },
	} {
		background.Add(1)
		go func() {
			defer background.Done()
			task(ctx)
		}()
	}

	a.logger.Info("agent started",
		"node", a.NodeID(),
		"port", a.transport.Port(),
		"version", a.version.Current(),
		"roles", a.options.Roles,
	)

	heartbeat := a.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	announce := a.clock.NewTicker(blobAnnounceInterval)
	defer announce.Stop()
	exchange := a.clock.NewTicker(peerExchangeInterval)
	defer exchange.Stop()
	gc := a.clock.NewTicker(gcInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			background.Wait()
			a.logger.Info("agent stopped")
			return nil
		case message := <-commands:
			a.handleMessage(ctx, message)
		case message := <-statuses:
			a.handleMessage(ctx, message)
		case message := <-peers:
			a.handleMessage(ctx, message)
		case <-heartbeat.C:
			a.publishHeartbeat()
			a.retryPendingUpgrade(ctx)
		case <-announce.C:
			a.announceBlobs()
		case <-exchange.C:
			a.publishPeerExchange()
		case <-gc.C:
			if err := a.store.GC(a.options.GCTarget); err != nil {
				a.logger.Warn("CAS garbage collection", "error", err)
			}
		}
	}
}

// peerSnapshots returns the latest known snapshot per peer for
// scheduler elections.
func (a *Agent) peerSnapshots() []schema.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshots := make([]schema.Snapshot, 0, len(a.nodeView))
	for _, snapshot := range a.nodeView {
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// limiter returns the rate limiter for a source peer.
func (a *Agent) limiter(nodeID string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.limiters[nodeID]
	if !ok {
		limiter = rate.NewLimiter(peerRateLimit, peerRateBurst)
		a.limiters[nodeID] = limiter
	}
	return limiter
}

// findEmulator locates a user-mode emulator for emulated jobs.
func findEmulator() string {
	for _, candidate := range []string{"qemu-x86_64", "qemu-aarch64", "qemu-arm", "qemu-riscv64"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}
