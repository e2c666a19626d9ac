// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// applyMemoryLimit caps a running child's address space via prlimit.
func applyMemoryLimit(pid int, memoryMB uint64) error {
	limit := unix.Rlimit{Cur: memoryMB << 20, Max: memoryMB << 20}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &limit, nil)
}
