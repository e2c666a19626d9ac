// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package status assembles the per-node snapshot: identity, trust,
// component and job state, and whole-host CPU/memory proxies. The
// snapshot answers status queries and rides the periodic heartbeat.
package status

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/schema"
)

// Platform returns this node's platform string ("linux/amd64"
// style) — the value upgrade records and job targeting match
// against.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Sources are the live inputs a Reporter polls when building a
// snapshot. All callbacks must be safe for concurrent use.
type Sources struct {
	NodeID       string
	Roles        []string
	AgentVersion func() uint64
	TrustedOwner func() string
	Components   func() []schema.ComponentStatus
	JobCounts    func() schema.JobCounts
	PeerCount    func() int
}

// Reporter builds node snapshots on demand.
type Reporter struct {
	sources Sources
	clock   clock.Clock
	logger  *slog.Logger
	started int64
}

// NewReporter creates a Reporter; uptime counts from this call.
func NewReporter(sources Sources, clk clock.Clock, logger *slog.Logger) *Reporter {
	return &Reporter{
		sources: sources,
		clock:   clk,
		logger:  logger,
		started: clk.Now().Unix(),
	}
}

// Snapshot assembles the current node status. Host CPU and memory
// are best-effort proxies — a platform where sampling fails reports
// zeros rather than failing the snapshot.
func (r *Reporter) Snapshot() schema.Snapshot {
	snapshot := schema.Snapshot{
		NodeID:        r.sources.NodeID,
		Platform:      Platform(),
		AgentVersion:  r.sources.AgentVersion(),
		TrustedOwner:  r.sources.TrustedOwner(),
		Roles:         r.sources.Roles,
		Components:    r.sources.Components(),
		Jobs:          r.sources.JobCounts(),
		Peers:         r.sources.PeerCount(),
		UptimeSeconds: r.clock.Now().Unix() - r.started,
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snapshot.CPUPercent = clampPercent(int(percentages[0]))
	}
	if virtual, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryPercent = clampPercent(int(virtual.UsedPercent))
	}
	return snapshot
}

func clampPercent(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
