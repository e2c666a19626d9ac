// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes the next
// matching time. The scheduler uses it to decide when a recurring job
// is due.
//
// Supported syntax per field: "*", single values, ranges ("1-5"),
// lists ("1,15,30"), and steps ("*/10", "0-30/5"). All evaluation is
// in UTC — every agent in a mesh must agree on when a schedule fires,
// regardless of the node's local timezone.
package cron
