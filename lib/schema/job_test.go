// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"strings"
	"testing"
	"time"
)

func validJob() JobSpec {
	return JobSpec{
		ID:         "job-1",
		Name:       "build",
		Kind:       JobOneShot,
		Runtime:    RuntimeWASM,
		Executable: strings.Repeat("cd", 32),
	}
}

func TestJobSpecValidate(t *testing.T) {
	spec := validJob()
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	bad := validJob()
	bad.ID = ""
	if err := bad.Validate(); err == nil {
		t.Error("job without ID accepted")
	}

	bad = validJob()
	bad.Kind = JobRecurring
	if err := bad.Validate(); err == nil {
		t.Error("recurring job without schedule accepted")
	}
	bad.Schedule = "*/5 * * * *"
	if err := bad.Validate(); err != nil {
		t.Errorf("recurring job with schedule rejected: %v", err)
	}

	bad = validJob()
	bad.Runtime = "jvm"
	if err := bad.Validate(); err == nil {
		t.Error("unknown runtime accepted")
	}

	bad = validJob()
	bad.PreStage = []PreStage{{Digest: "short", Dest: "/tmp/x"}}
	if err := bad.Validate(); err == nil {
		t.Error("malformed pre-stage digest accepted")
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobPending, JobScheduled},
		{JobPending, JobFailed},
		{JobPending, JobCancelled},
		{JobScheduled, JobRunning},
		{JobScheduled, JobFailed},
		{JobScheduled, JobCancelled},
		{JobRunning, JobCompleted},
		{JobRunning, JobFailed},
		{JobRunning, JobCancelled},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s → %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to JobStatus }{
		{JobPending, JobRunning},
		{JobPending, JobCompleted},
		{JobScheduled, JobCompleted},
		{JobRunning, JobScheduled},
		{JobCompleted, JobRunning},
		{JobCompleted, JobFailed},
		{JobFailed, JobCompleted},
		{JobCancelled, JobRunning},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s → %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestRecordTransitionSetsTimestamps(t *testing.T) {
	record := JobRecord{Spec: validJob(), Status: JobPending}
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	if err := record.Transition(JobScheduled, now); err != nil {
		t.Fatal(err)
	}
	if err := record.Transition(JobRunning, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if !record.StartedAt.Equal(now.Add(time.Second)) {
		t.Errorf("StartedAt = %v", record.StartedAt)
	}
	if err := record.Transition(JobCompleted, now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if !record.CompletedAt.Equal(now.Add(2 * time.Second)) {
		t.Errorf("CompletedAt = %v", record.CompletedAt)
	}

	// Terminal is final.
	if err := record.Transition(JobFailed, now.Add(3*time.Second)); err == nil {
		t.Error("transition out of terminal status accepted")
	}
}

func TestMergeMonotonic(t *testing.T) {
	record := JobRecord{Spec: validJob(), Status: JobRunning, AssignedNode: "aa"}
	record.Artifacts = map[string]string{"out.bin": strings.Repeat("11", 32)}

	// A stale "scheduled" update must not move the record backward.
	record.Merge(&JobStatusPayload{JobID: "job-1", AssignedNode: "aa", Status: JobScheduled})
	if record.Status != JobRunning {
		t.Errorf("stale merge moved status to %s", record.Status)
	}

	// A forward update advances and unions artifacts.
	record.Merge(&JobStatusPayload{
		JobID:        "job-1",
		AssignedNode: "aa",
		Status:       JobCompleted,
		Artifacts:    map[string]string{"log.txt": strings.Repeat("22", 32)},
	})
	if record.Status != JobCompleted {
		t.Errorf("merge did not advance: %s", record.Status)
	}
	if len(record.Artifacts) != 2 {
		t.Errorf("artifact union lost entries: %v", record.Artifacts)
	}

	// Existing artifact entries are never overwritten.
	record.Merge(&JobStatusPayload{
		JobID:     "job-1",
		Status:    JobCompleted,
		Artifacts: map[string]string{"out.bin": strings.Repeat("33", 32)},
	})
	if record.Artifacts["out.bin"] != strings.Repeat("11", 32) {
		t.Error("merge overwrote an existing artifact digest")
	}
}

func TestAppendLogBounded(t *testing.T) {
	record := JobRecord{Spec: validJob(), Status: JobRunning}
	for i := 0; i < JobLogLimit*2; i++ {
		record.AppendLog("line")
	}
	if len(record.Logs) != JobLogLimit {
		t.Errorf("log tail length = %d, want %d", len(record.Logs), JobLogLimit)
	}
}

func TestParsePackageManifest(t *testing.T) {
	manifest, err := ParsePackageManifest([]byte(`
component: hello
binary: hello.wasm
replicas: 2
mounts:
  - kind: static
    source: assets
    guest: /assets
  - kind: state
    source: hello-db
    guest: /data
    seed: seed-data
`))
	if err != nil {
		t.Fatalf("ParsePackageManifest: %v", err)
	}
	if manifest.Component != "hello" || manifest.Binary != "hello.wasm" || manifest.Replicas != 2 {
		t.Errorf("parsed %+v", manifest)
	}
	if len(manifest.Mounts) != 2 || manifest.Mounts[1].Seed != "seed-data" {
		t.Errorf("mounts = %+v", manifest.Mounts)
	}

	if _, err := ParsePackageManifest([]byte("component: x\n")); err == nil {
		t.Error("manifest without binary accepted")
	}
	if _, err := ParsePackageManifest([]byte("component: Bad/Name\nbinary: a.wasm\n")); err == nil {
		t.Error("invalid component name accepted")
	}
}
