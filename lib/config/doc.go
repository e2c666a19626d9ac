// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent's operator-editable configuration:
// the bootstrap address list, the preferred listen port, and the
// execution policy.
//
// Config files are JSONC — JSON with comments and trailing commas —
// so operators can annotate bootstrap lists and policy files in
// place. Environment variables override individual policy toggles
// (REALM_ALLOW_NATIVE_EXECUTION, REALM_ALLOW_EMULATION) and the
// listen port (REALM_LISTEN_PORT).
//
// The policy file can be watched for changes, so flipping a toggle
// takes effect without an agent restart.
package config
