// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a process-unique identifier with the given prefix,
// e.g. UniqueID("job") → "job-17". Monotonic within a test binary run.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
