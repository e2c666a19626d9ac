// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// ComponentStatus summarizes one component on one node.
type ComponentStatus struct {
	Name            string `json:"name"`
	ReplicasDesired int    `json:"replicas_desired"`
	ReplicasRunning int    `json:"replicas_running"`

	// MemoryCurrentBytes is the component's memory ceiling times its
	// running replica count. Actual linear-memory use is not measured.
	MemoryCurrentBytes uint64 `json:"memory_current_bytes"`

	// RestartCount counts replica restarts since the component was
	// first scheduled on this node.
	RestartCount uint64 `json:"restart_count"`
}

// JobCounts breaks the local job index down by status.
type JobCounts struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Snapshot is the per-node status record, produced on demand for
// status queries and gossiped periodically as a heartbeat.
type Snapshot struct {
	NodeID   string `json:"node_id"`
	Platform string `json:"platform"`

	// AgentVersion is the running agent version integer.
	AgentVersion uint64 `json:"agent_version"`

	// TrustedOwner is the hex public key of the pinned owner, empty
	// before TOFU.
	TrustedOwner string `json:"trusted_owner,omitempty"`

	Roles []string `json:"roles,omitempty"`

	Components []ComponentStatus `json:"components,omitempty"`

	Jobs JobCounts `json:"jobs"`

	// CPUPercent and MemoryPercent are whole-host proxies (0-100).
	CPUPercent    int `json:"cpu_percent"`
	MemoryPercent int `json:"memory_percent"`

	// Peers is the current connected peer count.
	Peers int `json:"peers"`

	UptimeSeconds int64 `json:"uptime_seconds"`
}
