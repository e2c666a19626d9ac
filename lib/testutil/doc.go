// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Realm packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls — those
// are the only real wall-clock timeouts in the test suite, and exist
// purely to turn a deadlock into a test failure.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when a test needs
// distinguishable job names or message bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
