// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// Production code injects [Real]; tests inject [NewFake] and advance
// time deterministically. Every Realm component that would otherwise
// call time.Now, time.After, time.NewTicker, or time.Sleep takes a
// Clock instead, so the reconcile loop, backoff timers, schedule
// evaluation, and dedup TTLs are all testable without wall-clock
// sleeps.
package clock
