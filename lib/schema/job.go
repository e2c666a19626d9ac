// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"

	"github.com/realm-foundation/realm/lib/layout"
)

// JobKind classifies a job's lifecycle.
type JobKind string

const (
	// JobOneShot runs to completion once.
	JobOneShot JobKind = "one-shot"

	// JobRecurring is re-enqueued as a fresh record each time its
	// cron schedule fires.
	JobRecurring JobKind = "recurring"

	// JobService runs until cancelled; an exit is a failure.
	JobService JobKind = "service"
)

// RuntimeKind selects the execution runtime for a job.
type RuntimeKind string

const (
	// RuntimeWASM executes inside the fuel-metered sandbox. Always
	// permitted.
	RuntimeWASM RuntimeKind = "wasm"

	// RuntimeNative spawns a host child process. Gated by the
	// allow_native_execution policy.
	RuntimeNative RuntimeKind = "native"

	// RuntimeEmulated invokes a user-mode emulator for a foreign
	// platform binary. Gated by the allow_emulation policy.
	RuntimeEmulated RuntimeKind = "emulated"
)

// PreStage names a blob that must be materialized inside the job's
// sandbox directory before execution starts.
type PreStage struct {
	// Digest is the SHA-256 of the asset in CAS.
	Digest string `json:"digest"`

	// Dest is the guest path the asset appears at.
	Dest string `json:"dest"`
}

// ArtifactCapture names a guest path whose contents are stored into
// CAS after the job ends.
type ArtifactCapture struct {
	// Path is the guest path to read after exit.
	Path string `json:"path"`

	// Name is the artifact name recorded on the job.
	Name string `json:"name"`
}

// ResourceRequest is the job's resource ask, used for runtime
// limits. Placement does not consult it.
type ResourceRequest struct {
	// MemoryMB is the memory ceiling in MiB. Zero means the agent
	// default.
	MemoryMB uint64 `json:"memory_mb,omitempty"`

	// CPUPercent is an optional CPU share hint (native runtime only).
	CPUPercent int `json:"cpu_percent,omitempty"`
}

// JobSpec describes a unit of work to place on exactly one node.
type JobSpec struct {
	// ID is assigned by the submitter (UUID). Stable across gossip so
	// all peers agree which job they are talking about.
	ID string `json:"id"`

	// Name is the operator-facing display name.
	Name string `json:"name"`

	// Kind is one-shot, recurring, or service.
	Kind JobKind `json:"kind"`

	// Schedule is the cron expression for recurring jobs.
	Schedule string `json:"schedule,omitempty"`

	// Runtime selects wasm, native, or emulated execution.
	Runtime RuntimeKind `json:"runtime"`

	// Executable is the content digest of the binary to run.
	Executable string `json:"executable"`

	// Args are the process/instance arguments.
	Args []string `json:"args,omitempty"`

	// Env is the runtime environment.
	Env map[string]string `json:"env,omitempty"`

	// Resources is the resource request.
	Resources ResourceRequest `json:"resources,omitempty"`

	// TimeoutSeconds bounds wall-clock execution. Zero means no
	// timeout, for every job kind; there is no agent default.
	TimeoutSeconds uint64 `json:"timeout_seconds,omitempty"`

	// PreStage lists assets to materialize before execution.
	PreStage []PreStage `json:"pre_stage,omitempty"`

	// Capture lists artifacts to collect after exit.
	Capture []ArtifactCapture `json:"capture,omitempty"`

	// Target filters eligible nodes.
	Target Targeting `json:"target,omitempty"`
}

// Validate checks structural job invariants.
func (j *JobSpec) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job has no ID")
	}
	switch j.Kind {
	case JobOneShot, JobService:
	case JobRecurring:
		if j.Schedule == "" {
			return fmt.Errorf("job %s: recurring job has no schedule", j.ID)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.ID, j.Kind)
	}
	switch j.Runtime {
	case RuntimeWASM, RuntimeNative, RuntimeEmulated:
	default:
		return fmt.Errorf("job %s: unknown runtime %q", j.ID, j.Runtime)
	}
	if err := layout.ValidateDigest(j.Executable); err != nil {
		return fmt.Errorf("job %s executable: %w", j.ID, err)
	}
	for i, entry := range j.PreStage {
		if err := layout.ValidateDigest(entry.Digest); err != nil {
			return fmt.Errorf("job %s pre-stage %d: %w", j.ID, i, err)
		}
		if entry.Dest == "" {
			return fmt.Errorf("job %s pre-stage %d: destination is empty", j.ID, i)
		}
	}
	for i, capture := range j.Capture {
		if capture.Path == "" || capture.Name == "" {
			return fmt.Errorf("job %s capture %d: path and name are required", j.ID, i)
		}
	}
	return nil
}

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Rank orders statuses along the lifecycle for monotonic merge:
// gossip can only ever move a record forward. All terminal statuses
// share the top rank; whichever arrives first sticks.
func (s JobStatus) Rank() int {
	switch s {
	case JobPending:
		return 0
	case JobScheduled:
		return 1
	case JobRunning:
		return 2
	case JobCompleted, JobFailed, JobCancelled:
		return 3
	}
	return -1
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool { return s.Rank() == 3 }

// CanTransition reports whether s → next is in the legal transition
// set: pending → scheduled → running → terminal, with failed and
// cancelled reachable from any non-terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobScheduled:
		return s == JobPending
	case JobRunning:
		return s == JobScheduled
	case JobCompleted:
		return s == JobRunning
	case JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobLogLimit bounds the log lines retained on a job record. Older
// lines fall off; the full stream lives in the log bus while the job
// runs.
const JobLogLimit = 200

// JobRecord is a job spec plus its placement and execution state.
type JobRecord struct {
	Spec JobSpec `json:"spec"`

	// AssignedNode is the node ID of the election winner, empty until
	// a node claims the job.
	AssignedNode string `json:"assigned_node,omitempty"`

	Status JobStatus `json:"status"`

	// Error describes why the job failed, when Status is failed.
	Error string `json:"error,omitempty"`

	// ExitCode is the process exit code for native/emulated runtimes.
	ExitCode int `json:"exit_code,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// LastScheduledAt is the last cron firing for recurring jobs.
	LastScheduledAt time.Time `json:"last_scheduled_at,omitzero"`

	// Logs is the bounded tail of captured runtime output.
	Logs []string `json:"logs,omitempty"`

	// Artifacts maps artifact name to CAS digest.
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Transition moves the record to next, enforcing the legal transition
// set. Terminal statuses are final.
func (r *JobRecord) Transition(next JobStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("job %s: illegal transition %s → %s", r.Spec.ID, r.Status, next)
	}
	r.Status = next
	switch next {
	case JobRunning:
		r.StartedAt = now
	case JobCompleted, JobFailed, JobCancelled:
		r.CompletedAt = now
	}
	return nil
}

// AppendLog adds a line to the record's bounded log tail.
func (r *JobRecord) AppendLog(line string) {
	r.Logs = append(r.Logs, line)
	if len(r.Logs) > JobLogLimit {
		r.Logs = r.Logs[len(r.Logs)-JobLogLimit:]
	}
}

// Merge folds a gossiped update into the local view: status advances
// only forward (by Rank), the assigned node is adopted from the first
// claimer, and artifacts are set-union.
func (r *JobRecord) Merge(update *JobStatusPayload) {
	if r.AssignedNode == "" {
		r.AssignedNode = update.AssignedNode
	}
	if update.Status.Rank() > r.Status.Rank() {
		r.Status = update.Status
		r.Error = update.Error
		if !update.StartedAt.IsZero() {
			r.StartedAt = update.StartedAt
		}
		if !update.CompletedAt.IsZero() {
			r.CompletedAt = update.CompletedAt
		}
	}
	for name, digest := range update.Artifacts {
		if r.Artifacts == nil {
			r.Artifacts = make(map[string]string)
		}
		if _, exists := r.Artifacts[name]; !exists {
			r.Artifacts[name] = digest
		}
	}
}
