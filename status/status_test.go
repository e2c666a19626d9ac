// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/schema"
)

func testSources() Sources {
	return Sources{
		NodeID:       "node-a",
		Roles:        []string{"dev"},
		AgentVersion: func() uint64 { return 7 },
		TrustedOwner: func() string { return "aabbcc" },
		Components: func() []schema.ComponentStatus {
			return []schema.ComponentStatus{{Name: "hello", ReplicasDesired: 1, ReplicasRunning: 1}}
		},
		JobCounts: func() schema.JobCounts { return schema.JobCounts{Completed: 2} },
		PeerCount: func() int { return 3 },
	}
}

func TestSnapshotFields(t *testing.T) {
	fake := clock.NewFake()
	reporter := NewReporter(testSources(), fake, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	fake.Advance(90 * time.Second)
	snapshot := reporter.Snapshot()

	if snapshot.NodeID != "node-a" || snapshot.AgentVersion != 7 || snapshot.TrustedOwner != "aabbcc" {
		t.Errorf("identity fields = %+v", snapshot)
	}
	if snapshot.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds = %d, want 90", snapshot.UptimeSeconds)
	}
	if len(snapshot.Components) != 1 || snapshot.Components[0].Name != "hello" {
		t.Errorf("components = %+v", snapshot.Components)
	}
	if snapshot.Jobs.Completed != 2 || snapshot.Peers != 3 {
		t.Errorf("jobs/peers = %+v / %d", snapshot.Jobs, snapshot.Peers)
	}
	if snapshot.CPUPercent < 0 || snapshot.CPUPercent > 100 ||
		snapshot.MemoryPercent < 0 || snapshot.MemoryPercent > 100 {
		t.Errorf("proxies out of range: cpu=%d mem=%d", snapshot.CPUPercent, snapshot.MemoryPercent)
	}
}

func TestPlatformShape(t *testing.T) {
	platform := Platform()
	parts := strings.Split(platform, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		t.Errorf("Platform() = %q, want os/arch", platform)
	}
}

func TestClampPercent(t *testing.T) {
	for input, want := range map[int]int{-5: 0, 0: 0, 42: 42, 100: 100, 250: 100} {
		if got := clampPercent(input); got != want {
			t.Errorf("clampPercent(%d) = %d, want %d", input, got, want)
		}
	}
}
