// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor converges the node's running replicas to the
// most recent trusted desired state.
//
// Desired state is the merge of the last accepted manifest with any
// still-valid ad-hoc deploys, keyed by component name; the more
// recently accepted entry wins. Every accepted change is rewritten to
// desired_manifest.toml, so a restarted agent resurrects its
// components from disk (after re-verifying staged artifact digests).
//
// The reconcile pass runs on a short tick and on every accepted
// change or replica exit. It computes replica deltas per component:
// missing artifacts are requested from the mesh and the component
// stays un-started until they arrive; replicas above the desired
// count are stopped; a changed digest triggers a rolling restart
// (new replicas start before old ones stop). Crashing replicas
// restart with exponential backoff capped at a ceiling; a crash loop
// is reported in status but never stalls the supervisor.
//
// Persistent volumes are created exactly once per name on first
// reference by a state mount, optionally seeded, and destroyed only
// by an explicit clear command. Work mounts get a fresh per-replica
// directory scrubbed on exit.
package supervisor
