// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"log/slog"
	"testing"
)

// testLogger routes slog output through the test log so failures
// carry the transport's view of events.
func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
