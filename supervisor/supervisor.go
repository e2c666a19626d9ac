// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/layout"
	"github.com/realm-foundation/realm/lib/ring"
	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/sandbox"
)

// ErrVersionRegression is returned when a manifest's version does not
// strictly exceed the last accepted version.
var ErrVersionRegression = errors.New("manifest version regression")

// reconcileInterval is the periodic reconcile tick. Change triggers
// and replica exits also wake the loop, so the tick is a safety net,
// not the primary driver.
const reconcileInterval = 2 * time.Second

// restartBackoffCeiling caps the delay between restarts of a
// crash-looping component.
const restartBackoffCeiling = 60 * time.Second

// stopGrace bounds how long stopAll waits for cancelled replicas to
// exit. Cancelling a replica's context interrupts its instance at the
// next epoch check; there is no separate cooperative stop phase.
const stopGrace = 5 * time.Second

// InstanceRunner executes one WASM instance to completion. Satisfied
// by *sandbox.Runner; tests substitute fakes.
type InstanceRunner interface {
	Run(ctx context.Context, binary []byte, limits sandbox.Limits, caps sandbox.Capabilities) (sandbox.Result, error)
}

// ArtifactSource resolves content digests. The local CAS answers Has
// and Get; Request asks the mesh to deliver a missing blob, without
// blocking the reconcile pass.
type ArtifactSource interface {
	Has(digest string) bool
	Get(digest string) ([]byte, error)
	Put(data []byte) (string, error)
	Request(digest string)
}

// Config wires a Supervisor.
type Config struct {
	Layout    layout.Layout
	Runner    InstanceRunner
	Artifacts ArtifactSource
	Logs      *ring.Bus
	Clock     clock.Clock
	Logger    *slog.Logger

	// NodeID and Roles drive target selection.
	NodeID string
	Roles  []string

	// Platform is the node's platform string.
	Platform string
}

// entry is one desired component with its acceptance ordering.
type entry struct {
	spec schema.ComponentSpec

	// seq orders acceptance: later accepted entries win over earlier
	// ones for the same name. Ties cannot happen (seq is unique).
	seq uint64

	// fromManifest marks manifest entries, which vanish when a newer
	// manifest omits the name. Ad-hoc deploys survive until a
	// manifest supersedes them by name with a later seq.
	fromManifest bool
}

// replica is one running instance.
type replica struct {
	id     string
	digest string
	cancel context.CancelFunc
	done   chan struct{}
}

// componentRuntime is the supervisor's per-component bookkeeping.
type componentRuntime struct {
	replicas     []*replica
	restartCount uint64
	failures     int
	nextRestart  time.Time
}

// Supervisor reconciles desired and running state. All mutation goes
// through its methods; the reconcile loop is the single writer of
// replica state.
type Supervisor struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	wake chan struct{}

	mu              sync.Mutex
	manifestVersion uint64
	acceptSeq       uint64
	desired         map[string]*entry
	runtimes        map[string]*componentRuntime
	replicaSeq      uint64

	// httpHandlers maps component name → staged binary for
	// components that implement the incoming-HTTP-handler interface.
	// These are invoked per-request by the gateway rather than
	// running a persistent entry point.
	httpHandlers map[string][]byte
}

// New creates a Supervisor. Call Restore before Run to resurrect
// persisted desired state.
func New(config Config) *Supervisor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Supervisor{
		config:       config,
		logger:       config.Logger,
		clock:        config.Clock,
		wake:         make(chan struct{}, 1),
		desired:      make(map[string]*entry),
		runtimes:     make(map[string]*componentRuntime),
		httpHandlers: make(map[string][]byte),
	}
}

// ManifestVersion returns the last accepted manifest version.
func (s *Supervisor) ManifestVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifestVersion
}

// ApplyManifest replaces manifest-derived desired state with a
// strictly newer manifest. Returns ErrVersionRegression for equal or
// lower versions — observing M₁ after M₂ (v₁ < v₂) leaves the
// effective state equal to applying M₂ alone.
func (s *Supervisor) ApplyManifest(manifest schema.Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if manifest.Version <= s.manifestVersion {
		current := s.manifestVersion
		s.mu.Unlock()
		return fmt.Errorf("%w: have v%d, got v%d", ErrVersionRegression, current, manifest.Version)
	}
	s.manifestVersion = manifest.Version

	// Drop previous manifest entries; components absent from the new
	// manifest are removed by reconciliation.
	for name, existing := range s.desired {
		if existing.fromManifest {
			delete(s.desired, name)
		}
	}
	for _, spec := range manifest.Components {
		s.acceptSeq++
		s.desired[spec.Name] = &entry{spec: spec, seq: s.acceptSeq, fromManifest: true}
	}
	err := s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("manifest accepted", "version", manifest.Version, "components", len(manifest.Components))
	s.Trigger()
	return err
}

// Deploy upserts a single ad-hoc component. The deploy wins over any
// earlier entry of the same name, manifest or deploy, until a later
// manifest supersedes it.
func (s *Supervisor) Deploy(spec schema.ComponentSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.acceptSeq++
	s.desired[spec.Name] = &entry{spec: spec, seq: s.acceptSeq}
	err := s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("component deployed", "component", spec.Name, "digest", spec.Digest[:16], "replicas", spec.Replicas)
	s.Trigger()
	return err
}

// Trigger wakes the reconcile loop without waiting for the tick.
func (s *Supervisor) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives reconciliation until ctx is cancelled, then stops all
// replicas.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.reconcile(ctx)
	}
}

// reconcile performs one convergence pass.
func (s *Supervisor) reconcile(ctx context.Context) {
	s.mu.Lock()
	now := s.clock.Now()

	type action struct {
		start []launchPlan
		stop  []*replica
		fetch []string
	}
	var plan action

	// Pass 1: desired components on this node.
	for name, e := range s.desired {
		spec := e.spec
		runtime := s.runtimes[name]
		if runtime == nil {
			runtime = &componentRuntime{}
			s.runtimes[name] = runtime
		}

		want := 0
		if spec.Start && spec.Target.Matches(s.config.NodeID, s.config.Roles, s.config.Platform) {
			want = spec.Replicas
		}

		// HTTP handler components are planned like any other;
		// launchReplica detects them and registers the binary for
		// per-request gateway invocation instead of running a loop.
		current := 0
		var stale []*replica
		for _, r := range runtime.replicas {
			if r.digest == spec.Digest {
				current++
			} else {
				stale = append(stale, r)
			}
		}

		starting := 0
		if current < want {
			if !s.config.Artifacts.Has(spec.Digest) {
				// Fetch first; the component stays un-started until
				// the blob lands and a later pass resumes.
				plan.fetch = append(plan.fetch, spec.Digest)
			} else if now.Before(runtime.nextRestart) {
				// Backoff window after a crash; skip this pass.
			} else {
				for i := current; i < want; i++ {
					s.replicaSeq++
					plan.start = append(plan.start, launchPlan{
						name:      name,
						spec:      spec,
						replicaID: fmt.Sprintf("r%d", s.replicaSeq),
					})
					starting++
				}
			}
		}

		// Rolling restart: stop stale replicas only once the new
		// digest is at (or will reach) the desired count.
		if len(stale) > 0 && current+starting >= want {
			plan.stop = append(plan.stop, stale...)
		}

		// Scale down within the current digest.
		if extra := current - want; extra > 0 {
			for _, r := range runtime.replicas {
				if extra == 0 {
					break
				}
				if r.digest == spec.Digest {
					plan.stop = append(plan.stop, r)
					extra--
				}
			}
		}
	}

	// Pass 2: components no longer desired at all.
	for name, runtime := range s.runtimes {
		if _, stillDesired := s.desired[name]; stillDesired {
			continue
		}
		plan.stop = append(plan.stop, runtime.replicas...)
		if len(runtime.replicas) == 0 {
			delete(s.runtimes, name)
			s.removeComponentWork(name)
		}
	}
	s.mu.Unlock()

	for _, digest := range plan.fetch {
		s.config.Artifacts.Request(digest)
	}
	for _, r := range plan.stop {
		r.cancel()
	}
	for _, launch := range plan.start {
		s.launchReplica(ctx, launch)
	}
}

// launchPlan is one replica start decision from a reconcile pass.
type launchPlan struct {
	name      string
	spec      schema.ComponentSpec
	replicaID string
}

// launchReplica prepares directories, volumes, and capabilities, then
// starts the instance goroutine.
func (s *Supervisor) launchReplica(ctx context.Context, plan launchPlan) {
	binary, err := s.config.Artifacts.Get(plan.spec.Digest)
	if err != nil {
		s.logger.Warn("artifact vanished between reconcile and launch", "component", plan.name, "error", err)
		return
	}

	workDir := s.config.Layout.ReplicaWorkDir(plan.name, plan.replicaID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		s.logger.Error("allocating work directory", "component", plan.name, "error", err)
		return
	}

	caps, err := s.buildCapabilities(plan.name, workDir, &plan.spec)
	if err != nil {
		s.logger.Error("building capabilities", "component", plan.name, "error", err)
		s.config.Logs.Append(plan.name, fmt.Sprintf("capability error: %v", err))
		os.RemoveAll(workDir)
		return
	}

	replicaCtx, cancel := context.WithCancel(ctx)
	r := &replica{
		id:     plan.replicaID,
		digest: plan.spec.Digest,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	runtime := s.runtimes[plan.name]
	if runtime == nil {
		runtime = &componentRuntime{}
		s.runtimes[plan.name] = runtime
	}
	runtime.replicas = append(runtime.replicas, r)
	s.mu.Unlock()

	// HTTP-handler components do not run a persistent entry point:
	// the gateway invokes them per request with fresh fuel. The
	// replica slot holds the registration so desired/running counts
	// and scale-down behave like any other component.
	if sandbox.DetectHTTPHandler(binary) {
		s.mu.Lock()
		s.httpHandlers[plan.name] = binary
		s.mu.Unlock()
		s.config.Logs.Append(plan.name, fmt.Sprintf("replica %s registered as HTTP handler (digest %s)", plan.replicaID, plan.spec.Digest[:16]))
		go func() {
			defer close(r.done)
			<-replicaCtx.Done()
			s.mu.Lock()
			delete(s.httpHandlers, plan.name)
			s.mu.Unlock()
			s.finishReplica(plan.name, r, workDir, nil, replicaCtx)
		}()
		return
	}

	s.config.Logs.Append(plan.name, fmt.Sprintf("replica %s starting (digest %s)", plan.replicaID, plan.spec.Digest[:16]))

	go func() {
		defer close(r.done)
		_, runErr := s.config.Runner.Run(replicaCtx, binary, sandbox.LimitsFor(&plan.spec), caps)
		s.flushCapturedOutput(plan.name, caps)
		s.finishReplica(plan.name, r, workDir, runErr, replicaCtx)
	}()
}

// HTTPHandler returns the staged binary, spec, and request
// capabilities for a component registered as an HTTP handler. The
// gateway calls this per inbound request.
func (s *Supervisor) HTTPHandler(name string) ([]byte, schema.ComponentSpec, bool) {
	s.mu.Lock()
	binary, ok := s.httpHandlers[name]
	var spec schema.ComponentSpec
	if e, exists := s.desired[name]; exists {
		spec = e.spec
	} else {
		ok = false
	}
	s.mu.Unlock()
	return binary, spec, ok
}

// finishReplica records a replica exit: scrub the work directory,
// update counters and backoff, and wake the loop to converge again.
func (s *Supervisor) finishReplica(name string, r *replica, workDir string, runErr error, replicaCtx context.Context) {
	os.RemoveAll(workDir)

	s.mu.Lock()
	runtime := s.runtimes[name]
	if runtime != nil {
		for i, existing := range runtime.replicas {
			if existing == r {
				runtime.replicas = append(runtime.replicas[:i], runtime.replicas[i+1:]...)
				break
			}
		}
	}

	stopped := replicaCtx.Err() != nil
	switch {
	case stopped:
		// Deliberate stop: no restart pressure.
		s.config.Logs.Append(name, fmt.Sprintf("replica %s stopped", r.id))
	case runErr != nil:
		if runtime != nil {
			runtime.restartCount++
			runtime.failures++
			delay := backoffDelay(runtime.failures)
			runtime.nextRestart = s.clock.Now().Add(delay)
			s.config.Logs.Append(name, fmt.Sprintf("replica %s crashed: %v (restart in %s)", r.id, runErr, delay))
		}
	default:
		if runtime != nil {
			runtime.failures = 0
			runtime.restartCount++
			runtime.nextRestart = time.Time{}
			s.config.Logs.Append(name, fmt.Sprintf("replica %s exited cleanly", r.id))
		}
	}
	s.mu.Unlock()

	if !stopped {
		s.Trigger()
	}
}

// backoffDelay is the exponential restart delay: 1s, 2s, 4s, ...
// capped at the ceiling. Non-decreasing in the failure count.
func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	shift := failures - 1
	if shift > 10 {
		shift = 10
	}
	delay := time.Second << shift
	if delay > restartBackoffCeiling {
		delay = restartBackoffCeiling
	}
	return delay
}

// stopAll cancels every replica and waits for their exits.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	var all []*replica
	for _, runtime := range s.runtimes {
		all = append(all, runtime.replicas...)
	}
	s.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	deadline := time.After(stopGrace)
	for _, r := range all {
		select {
		case <-r.done:
		case <-deadline:
			return
		}
	}
}

// Statuses reports per-component state for the node snapshot.
func (s *Supervisor) Statuses() []schema.ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]schema.ComponentStatus, 0, len(s.desired))
	for name, e := range s.desired {
		desired := 0
		if e.spec.Start && e.spec.Target.Matches(s.config.NodeID, s.config.Roles, s.config.Platform) {
			desired = e.spec.Replicas
		}
		status := schema.ComponentStatus{
			Name:            name,
			ReplicasDesired: desired,
		}
		if runtime := s.runtimes[name]; runtime != nil {
			status.ReplicasRunning = len(runtime.replicas)
			status.RestartCount = runtime.restartCount
			status.MemoryCurrentBytes = uint64(len(runtime.replicas)) * e.spec.EffectiveMemoryMaxMB() << 20
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Component returns the desired spec for name, if any.
func (s *Supervisor) Component(name string) (schema.ComponentSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.desired[name]
	if !ok {
		return schema.ComponentSpec{}, false
	}
	return e.spec, true
}

// flushCapturedOutput appends the replica's captured stdout/stderr to
// the component's log ring.
func (s *Supervisor) flushCapturedOutput(name string, caps sandbox.Capabilities) {
	for _, path := range []string{caps.StdoutPath, caps.StderrPath} {
		if path == "" {
			continue
		}
		appendFileLines(s.config.Logs, name, path)
	}
}

// removeComponentWork clears the per-component scratch tree once the
// component has no replicas and is no longer desired.
func (s *Supervisor) removeComponentWork(name string) {
	workRoot := s.config.Layout.ReplicaWorkDir(name, "")
	os.RemoveAll(workRoot)
}
