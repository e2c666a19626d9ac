// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/sandbox"
)

// preStageAttempts bounds how many times a missing pre-stage blob is
// re-requested from the mesh before the job fails.
const preStageAttempts = 5

// preStageRetryDelay is the wait between pre-stage fetch attempts.
const preStageRetryDelay = 20 * time.Second

// cancelGrace is how long a native process gets after SIGTERM before
// SIGKILL.
const cancelGrace = 5 * time.Second

// execute drives a claimed job from scheduled to a terminal state.
func (s *Scheduler) execute(parentCtx context.Context, jobID string) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	spec := record.Spec

	ctx := parentCtx
	var cancel context.CancelFunc
	if spec.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, time.Duration(spec.TimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	s.cancels[jobID] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	fail := func(reason string) {
		s.settle(jobID, schema.JobFailed, reason, nil)
	}

	// Policy re-check: admission already gated, but the policy may
	// have been tightened between claim and execution.
	if reason := s.policyDenial(&spec); reason != "" {
		fail(reason)
		return
	}

	sandboxDir := filepath.Join(s.config.Layout.JobPath(jobID), "sandbox")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		fail(fmt.Sprintf("allocating sandbox directory: %v", err))
		return
	}

	if err := s.preStage(ctx, &spec, sandboxDir); err != nil {
		fail(err.Error())
		return
	}

	// Running.
	s.mu.Lock()
	if record.Status.CanTransition(schema.JobRunning) {
		record.Transition(schema.JobRunning, s.clock.Now().UTC())
		s.persistLocked(record)
		update := s.statusPayloadLocked(record)
		s.mu.Unlock()
		s.config.PublishStatus(update)
	} else {
		s.mu.Unlock()
		return
	}
	s.config.Logs.Append(jobSource(jobID), "running")

	var runErr error
	var exitCode int
	switch spec.Runtime {
	case schema.RuntimeWASM:
		runErr = s.runWASM(ctx, &spec, sandboxDir)
	case schema.RuntimeNative:
		exitCode, runErr = s.runProcess(ctx, &spec, sandboxDir, "")
	case schema.RuntimeEmulated:
		exitCode, runErr = s.runProcess(ctx, &spec, sandboxDir, s.config.EmulatorPath)
	}

	// Artifact capture happens for every outcome — failed and
	// cancelled jobs keep their partial artifacts for postmortem
	// (unpinned, so normal GC reclaims them eventually).
	artifacts := s.captureArtifacts(jobID, &spec, sandboxDir)

	s.mu.Lock()
	wasCancelled := s.cancelRequested[jobID]
	delete(s.cancelRequested, jobID)
	s.mu.Unlock()

	switch {
	case wasCancelled:
		s.settle(jobID, schema.JobCancelled, "cancelled", artifacts)
	case ctx.Err() != nil && parentCtx.Err() == nil && spec.TimeoutSeconds > 0 && runErr != nil:
		s.settle(jobID, schema.JobFailed, fmt.Sprintf("timeout after %ds", spec.TimeoutSeconds), artifacts)
	case runErr != nil:
		s.settleWithExit(jobID, schema.JobFailed, runErr.Error(), artifacts, exitCode)
	case spec.Kind == schema.JobService:
		// A service runs until cancelled; any exit is a failure.
		s.settleWithExit(jobID, schema.JobFailed, "service exited", artifacts, exitCode)
	default:
		s.settleWithExit(jobID, schema.JobCompleted, "", artifacts, exitCode)
	}
}

// preStage materializes every declared asset inside the sandbox
// directory, fetching missing blobs from the mesh with bounded retry.
func (s *Scheduler) preStage(ctx context.Context, spec *schema.JobSpec, sandboxDir string) error {
	// The executable itself is an implicit pre-stage dependency.
	needed := append([]schema.PreStage{{Digest: spec.Executable, Dest: ""}}, spec.PreStage...)

	for _, entry := range needed {
		if err := s.awaitBlob(ctx, entry.Digest); err != nil {
			return err
		}
		if entry.Dest == "" {
			continue
		}
		data, err := s.config.Blobs.Get(entry.Digest)
		if err != nil {
			return fmt.Errorf("UnavailableArtifact: %s: %v", entry.Digest[:16], err)
		}
		target := filepath.Join(sandboxDir, filepath.FromSlash(strings.TrimPrefix(entry.Dest, "/")))
		if !strings.HasPrefix(target, sandboxDir+string(os.PathSeparator)) {
			return fmt.Errorf("pre-stage destination %q escapes the sandbox", entry.Dest)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("staging %s: %v", entry.Dest, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("staging %s: %v", entry.Dest, err)
		}
		s.config.Logs.Append(jobSource(spec.ID), fmt.Sprintf("staged %s (%d bytes)", entry.Dest, len(data)))
	}
	return nil
}

// awaitBlob waits for a digest to appear in CAS, re-requesting it
// from the mesh between attempts.
func (s *Scheduler) awaitBlob(ctx context.Context, digest string) error {
	for attempt := 0; attempt < preStageAttempts; attempt++ {
		if s.config.Blobs.Has(digest) {
			return nil
		}
		s.config.Blobs.Request(digest)
		select {
		case <-ctx.Done():
			return fmt.Errorf("UnavailableArtifact: %s: %v", digest[:16], ctx.Err())
		case <-s.clock.After(preStageRetryDelay):
		}
	}
	if s.config.Blobs.Has(digest) {
		return nil
	}
	return fmt.Errorf("UnavailableArtifact: %s not retrievable after %d attempts", digest[:16], preStageAttempts)
}

// runWASM executes the job inside the sandbox runner with the job's
// limits and the sandbox directory preopened at /.
func (s *Scheduler) runWASM(ctx context.Context, spec *schema.JobSpec, sandboxDir string) error {
	binary, err := s.config.Blobs.Get(spec.Executable)
	if err != nil {
		return fmt.Errorf("UnavailableArtifact: %v", err)
	}
	caps := sandbox.Capabilities{
		Args:       append([]string{spec.Name}, spec.Args...),
		Env:        spec.Env,
		Preopens:   []sandbox.Preopen{{Host: sandboxDir, Guest: "/"}},
		StdoutPath: filepath.Join(s.config.Layout.JobPath(spec.ID), "stdout.log"),
		StderrPath: filepath.Join(s.config.Layout.JobPath(spec.ID), "stderr.log"),
	}
	for _, path := range []string{caps.StdoutPath, caps.StderrPath} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("creating capture file: %v", err)
		}
	}
	limits := sandbox.Limits{MemoryMaxMB: spec.Resources.MemoryMB}

	_, runErr := s.config.Runner.Run(ctx, binary, limits, caps)
	s.collectOutput(spec.ID, caps.StdoutPath, caps.StderrPath)
	return runErr
}

// runProcess executes a native or emulated job as a child process
// with OS-level resource limits where available.
func (s *Scheduler) runProcess(ctx context.Context, spec *schema.JobSpec, sandboxDir, emulator string) (int, error) {
	executable, err := s.materializeExecutable(spec, sandboxDir)
	if err != nil {
		return 0, err
	}

	name := executable
	args := spec.Args
	if emulator != "" {
		name = emulator
		args = append([]string{executable}, spec.Args...)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = sandboxDir
	cmd.Env = flattenEnv(spec.Env)
	cmd.Cancel = func() error {
		// Graceful stop first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = cancelGrace

	stdoutPath := filepath.Join(s.config.Layout.JobPath(spec.ID), "stdout.log")
	stderrPath := filepath.Join(s.config.Layout.JobPath(spec.ID), "stderr.log")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return 0, fmt.Errorf("creating capture file: %v", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return 0, fmt.Errorf("creating capture file: %v", err)
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning %s: %v", filepath.Base(name), err)
	}

	// OS-level memory cap, where the platform supports applying one
	// to an already-started child.
	if spec.Resources.MemoryMB > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, spec.Resources.MemoryMB); err != nil {
			s.logger.Warn("applying memory rlimit", "job", spec.ID, "error", err)
		}
	}

	waitErr := cmd.Wait()
	s.collectOutput(spec.ID, stdoutPath, stderrPath)
	exitCode := cmd.ProcessState.ExitCode()
	if waitErr != nil {
		return exitCode, fmt.Errorf("process exited: %v", waitErr)
	}
	return exitCode, nil
}

// materializeExecutable copies the executable blob into the sandbox
// directory with the execute bit set.
func (s *Scheduler) materializeExecutable(spec *schema.JobSpec, sandboxDir string) (string, error) {
	data, err := s.config.Blobs.Get(spec.Executable)
	if err != nil {
		return "", fmt.Errorf("UnavailableArtifact: %v", err)
	}
	path := filepath.Join(sandboxDir, "executable")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("materializing executable: %v", err)
	}
	return path, nil
}

// captureArtifacts reads each declared artifact path from the sandbox
// and stores it in CAS. Missing paths are logged and skipped — the
// remaining artifacts still land.
func (s *Scheduler) captureArtifacts(jobID string, spec *schema.JobSpec, sandboxDir string) map[string]string {
	if len(spec.Capture) == 0 {
		return nil
	}
	captured := make(map[string]string)
	for _, capture := range spec.Capture {
		path := filepath.Join(sandboxDir, filepath.FromSlash(strings.TrimPrefix(capture.Path, "/")))
		data, err := os.ReadFile(path)
		if err != nil {
			s.config.Logs.Append(jobSource(jobID), fmt.Sprintf("artifact %s missing: %v", capture.Name, err))
			continue
		}
		digest, err := s.config.Blobs.Put(data)
		if err != nil {
			s.config.Logs.Append(jobSource(jobID), fmt.Sprintf("storing artifact %s: %v", capture.Name, err))
			continue
		}
		captured[capture.Name] = digest
		s.config.Logs.Append(jobSource(jobID), fmt.Sprintf("artifact %s captured (%s)", capture.Name, digest[:16]))
	}
	return captured
}

// settle moves a job to a terminal state, records artifacts, and
// gossips the outcome.
func (s *Scheduler) settle(jobID string, status schema.JobStatus, reason string, artifacts map[string]string) {
	s.settleWithExit(jobID, status, reason, artifacts, 0)
}

func (s *Scheduler) settleWithExit(jobID string, status schema.JobStatus, reason string, artifacts map[string]string, exitCode int) {
	s.mu.Lock()
	record, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	record.Error = reason
	record.ExitCode = exitCode
	for name, digest := range artifacts {
		if record.Artifacts == nil {
			record.Artifacts = make(map[string]string)
		}
		record.Artifacts[name] = digest
	}
	record.Transition(status, s.clock.Now().UTC())
	s.persistLocked(record)
	update := s.statusPayloadLocked(record)
	s.mu.Unlock()

	s.config.PublishStatus(update)
	if reason != "" {
		s.config.Logs.Append(jobSource(jobID), fmt.Sprintf("%s: %s", status, reason))
	} else {
		s.config.Logs.Append(jobSource(jobID), string(status))
	}
}

// collectOutput pushes captured stdio lines into the log bus and the
// job record's bounded tail.
func (s *Scheduler) collectOutput(jobID, stdoutPath, stderrPath string) {
	s.mu.Lock()
	record := s.jobs[jobID]
	s.mu.Unlock()

	for _, path := range []string{stdoutPath, stderrPath} {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			s.config.Logs.Append(jobSource(jobID), line)
			if record != nil {
				s.mu.Lock()
				record.AppendLog(line)
				s.mu.Unlock()
			}
		}
		file.Close()
	}
}

// flattenEnv converts an env map to the exec package's KEY=VALUE
// form.
func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	flat := make([]string, 0, len(env))
	for key, value := range env {
		flat = append(flat, key+"="+value)
	}
	return flat
}
