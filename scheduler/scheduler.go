// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/config"
	"github.com/realm-foundation/realm/lib/layout"
	"github.com/realm-foundation/realm/lib/ring"
	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/supervisor"
)

// scheduleInterval is the recurring-schedule evaluation cadence.
const scheduleInterval = 60 * time.Second

// recordFileName is the per-job state file under jobs/<id>/.
const recordFileName = "record.json"

// BlobStore is the scheduler's view of CAS plus mesh fetch.
type BlobStore interface {
	Has(digest string) bool
	Get(digest string) ([]byte, error)
	Put(data []byte) (string, error)
	PutVerified(data []byte, expected string) error
	Request(digest string)
}

// Config wires a Scheduler.
type Config struct {
	Layout layout.Layout
	Blobs  BlobStore

	// Runner executes wasm jobs.
	Runner supervisor.InstanceRunner

	// Policy returns the live execution policy snapshot.
	Policy func() config.Policy

	// PeerSnapshots returns the latest known status snapshot per
	// peer, for election eligibility.
	PeerSnapshots func() []schema.Snapshot

	// PublishStatus gossips a job lifecycle change to the mesh.
	PublishStatus func(update schema.JobStatusPayload)

	Logs   *ring.Bus
	Clock  clock.Clock
	Logger *slog.Logger

	NodeID   string
	Roles    []string
	Platform string

	// EmulatorPath is the user-mode emulator binary for emulated
	// jobs; empty means none installed.
	EmulatorPath string
}

// Scheduler is the node's job index and executor.
type Scheduler struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	mu              sync.Mutex
	jobs            map[string]*schema.JobRecord
	cancels         map[string]context.CancelFunc
	cancelRequested map[string]bool
}

// New creates a Scheduler. Call Restore before Run.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Scheduler{
		config:          cfg,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		jobs:            make(map[string]*schema.JobRecord),
		cancels:         make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
	}
}

// Submit admits a job from a verified envelope. Inline assets are
// verified against their digests and stored. If this node wins the
// placement election the job executes; otherwise the record stays
// pending, waiting on the winner's gossip.
func (s *Scheduler) Submit(ctx context.Context, spec schema.JobSpec, inlineAssets map[string][]byte) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	for digest, data := range inlineAssets {
		if err := s.config.Blobs.PutVerified(data, digest); err != nil {
			return fmt.Errorf("inline asset: %w", err)
		}
	}

	s.mu.Lock()
	if _, exists := s.jobs[spec.ID]; exists {
		s.mu.Unlock()
		return nil // duplicate submission; dedup normally catches this upstream
	}
	record := &schema.JobRecord{
		Spec:        spec,
		Status:      schema.JobPending,
		SubmittedAt: s.clock.Now().UTC(),
	}
	s.jobs[spec.ID] = record
	s.persistLocked(record)
	s.mu.Unlock()

	s.config.Logs.Append(jobSource(spec.ID), fmt.Sprintf("job %q submitted (%s, %s)", spec.Name, spec.Kind, spec.Runtime))

	// Recurring parents never execute directly; their firings spawn
	// derived one-shot records.
	if spec.Kind == schema.JobRecurring {
		return nil
	}
	s.runElection(ctx, spec.ID)
	return nil
}

// runElection decides whether this node executes the job and, if so,
// claims and starts it.
func (s *Scheduler) runElection(ctx context.Context, jobID string) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	if !ok || record.Status != schema.JobPending || record.AssignedNode != "" {
		s.mu.Unlock()
		return
	}
	spec := record.Spec

	if !s.eligibleSelf(&spec) {
		s.mu.Unlock()
		return
	}
	winner := s.electWinner(&spec)
	if winner != s.config.NodeID {
		s.mu.Unlock()
		s.config.Logs.Append(jobSource(jobID), fmt.Sprintf("observing: placement won by %s", shortNode(winner)))
		return
	}

	// Policy gate at admission: a denied runtime fails the job from
	// pending, before anything is claimed, staged, or spawned.
	if reason := s.policyDenial(&spec); reason != "" {
		record.Error = reason
		record.Transition(schema.JobFailed, s.clock.Now().UTC())
		s.persistLocked(record)
		update := s.statusPayloadLocked(record)
		s.mu.Unlock()
		s.config.PublishStatus(update)
		s.config.Logs.Append(jobSource(jobID), reason)
		return
	}

	record.AssignedNode = s.config.NodeID
	if err := record.Transition(schema.JobScheduled, s.clock.Now().UTC()); err != nil {
		s.mu.Unlock()
		return
	}
	s.persistLocked(record)
	update := s.statusPayloadLocked(record)
	s.mu.Unlock()

	s.config.PublishStatus(update)
	s.config.Logs.Append(jobSource(jobID), "placement won, scheduled locally")
	go s.execute(ctx, jobID)
}

// eligibleSelf reports whether this node satisfies the job's
// targeting. The resource request is not checked.
func (s *Scheduler) eligibleSelf(spec *schema.JobSpec) bool {
	return spec.Target.Matches(s.config.NodeID, s.config.Roles, s.config.Platform)
}

// policyDenial returns the PolicyDenied reason for a runtime this
// node's policy forbids, or "" when execution is permitted.
func (s *Scheduler) policyDenial(spec *schema.JobSpec) string {
	policy := s.config.Policy()
	switch spec.Runtime {
	case schema.RuntimeNative:
		if !policy.AllowNativeExecution {
			return "PolicyDenied: native execution is disabled on this node"
		}
	case schema.RuntimeEmulated:
		if !policy.AllowEmulation {
			return "PolicyDenied: emulation is disabled on this node"
		}
		if s.config.EmulatorPath == "" {
			return "PolicyDenied: no user-mode emulator installed"
		}
	}
	return ""
}

// electWinner returns the lowest eligible node ID, considering this
// node and every peer whose last snapshot satisfies the targeting.
// Deterministic: every node holding the same snapshots picks the same
// winner.
func (s *Scheduler) electWinner(spec *schema.JobSpec) string {
	winner := s.config.NodeID
	for _, snapshot := range s.config.PeerSnapshots() {
		if !spec.Target.Matches(snapshot.NodeID, snapshot.Roles, snapshot.Platform) {
			continue
		}
		if snapshot.NodeID < winner {
			winner = snapshot.NodeID
		}
	}
	return winner
}

// Cancel requests cancellation of a non-terminal job. The running
// runtime is stopped gracefully (context cancellation; the native
// runtime escalates to SIGKILL after the grace window).
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", jobID)
	}
	if record.Status.Terminal() {
		s.mu.Unlock()
		return nil // already settled; cancellation is idempotent
	}
	cancel := s.cancels[jobID]
	s.cancelRequested[jobID] = true
	if cancel == nil {
		// Not running here: settle the record directly.
		record.Transition(schema.JobCancelled, s.clock.Now().UTC())
		s.persistLocked(record)
		update := s.statusPayloadLocked(record)
		s.mu.Unlock()
		s.config.PublishStatus(update)
		return nil
	}
	s.mu.Unlock()

	// The execute goroutine observes the cancellation and settles the
	// record as cancelled.
	cancel()
	return nil
}

// MergeStatus folds a gossiped job update into the local index.
// Unknown job IDs are ignored — the record arrives with its own
// JobSubmit.
func (s *Scheduler) MergeStatus(update *schema.JobStatusPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[update.JobID]
	if !ok {
		return
	}
	before := record.Status
	record.Merge(update)
	if record.Status != before || len(update.Artifacts) > 0 {
		s.persistLocked(record)
	}
}

// Get returns a copy of the job record.
func (s *Scheduler) Get(jobID string) (schema.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return schema.JobRecord{}, false
	}
	return *record, true
}

// List returns job records, newest first, optionally filtered by
// status, capped at limit.
func (s *Scheduler) List(statusFilter schema.JobStatus, limit int) []schema.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]schema.JobRecord, 0, len(s.jobs))
	for _, record := range s.jobs {
		if statusFilter != "" && record.Status != statusFilter {
			continue
		}
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// Counts breaks the index down by status for the node snapshot.
func (s *Scheduler) Counts() schema.JobCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts schema.JobCounts
	for _, record := range s.jobs {
		switch record.Status {
		case schema.JobPending:
			counts.Pending++
		case schema.JobScheduled:
			counts.Scheduled++
		case schema.JobRunning:
			counts.Running++
		case schema.JobCompleted:
			counts.Completed++
		case schema.JobFailed:
			counts.Failed++
		case schema.JobCancelled:
			counts.Cancelled++
		}
	}
	return counts
}

// Prune removes terminal job records older than keep. Their captured
// artifacts stay in CAS subject to normal GC.
func (s *Scheduler) Prune(keep time.Duration) {
	cutoff := s.clock.Now().Add(-keep)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range s.jobs {
		if record.Status.Terminal() && record.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			os.RemoveAll(s.config.Layout.JobPath(id))
		}
	}
}

// Run evaluates recurring schedules and re-runs pending elections
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(scheduleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDueSchedules(ctx)
			s.retryPendingElections(ctx)
		}
	}
}

// retryPendingElections re-runs placement for unassigned pending
// jobs — a node that joined late or just learned new peer snapshots
// may now be (or know) the winner.
func (s *Scheduler) retryPendingElections(ctx context.Context) {
	s.mu.Lock()
	var pending []string
	for id, record := range s.jobs {
		if record.Status == schema.JobPending && record.AssignedNode == "" && record.Spec.Kind != schema.JobRecurring {
			pending = append(pending, id)
		}
	}
	s.mu.Unlock()
	for _, id := range pending {
		s.runElection(ctx, id)
	}
}

// statusPayloadLocked builds the gossip payload for a record. Caller
// holds s.mu.
func (s *Scheduler) statusPayloadLocked(record *schema.JobRecord) schema.JobStatusPayload {
	artifacts := make(map[string]string, len(record.Artifacts))
	for name, digest := range record.Artifacts {
		artifacts[name] = digest
	}
	return schema.JobStatusPayload{
		JobID:        record.Spec.ID,
		AssignedNode: record.AssignedNode,
		Status:       record.Status,
		Error:        record.Error,
		StartedAt:    record.StartedAt,
		CompletedAt:  record.CompletedAt,
		Artifacts:    artifacts,
	}
}

// persistLocked writes the job record under jobs/<id>/. Caller holds
// s.mu.
func (s *Scheduler) persistLocked(record *schema.JobRecord) {
	dir := s.config.Layout.JobPath(record.Spec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("creating job directory", "job", record.Spec.ID, "error", err)
		return
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.logger.Error("encoding job record", "job", record.Spec.ID, "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		s.logger.Error("persisting job record", "job", record.Spec.ID, "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		if err := tmp.Close(); err == nil {
			if err := os.Rename(tmpPath, filepath.Join(dir, recordFileName)); err == nil {
				return
			}
		}
	} else {
		tmp.Close()
	}
	os.Remove(tmpPath)
}

// Restore loads persisted job records. Jobs that were mid-flight on
// this node when the agent died are settled as failed — the runtime
// state is gone and at-most-one assignment forbids a silent re-run.
func (s *Scheduler) Restore() error {
	entries, err := os.ReadDir(s.config.Layout.JobDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing job directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.config.Layout.JobPath(dirEntry.Name()), recordFileName))
		if err != nil {
			continue
		}
		var record schema.JobRecord
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("skipping corrupt job record", "job", dirEntry.Name(), "error", err)
			continue
		}
		if record.AssignedNode == s.config.NodeID && !record.Status.Terminal() {
			record.Error = "agent restarted during execution"
			record.Transition(schema.JobFailed, s.clock.Now().UTC())
			s.persistLocked(&record)
		}
		s.jobs[record.Spec.ID] = &record
	}
	s.logger.Info("job index restored", "jobs", len(s.jobs))
	return nil
}

// jobSource is the log-bus source name for a job.
func jobSource(jobID string) string { return "job/" + jobID }

func shortNode(nodeID string) string {
	if len(nodeID) > 12 {
		return nodeID[:12]
	}
	return nodeID
}
