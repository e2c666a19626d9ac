// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"fmt"

	update "github.com/inconshreveable/go-update"

	"github.com/realm-foundation/realm/lib/schema"
	"github.com/realm-foundation/realm/status"
)

// handleUpgrade admits an owner-signed agent upgrade: platform must
// match this node, the version must strictly exceed the running one,
// and the binary must be retrievable and sniff to the declared
// platform. Rejections are logged and dropped — semantic failures
// never halt the agent.
func (a *Agent) handleUpgrade(ctx context.Context, payload *schema.UpgradePayload) {
	if !payload.Target.Matches(a.NodeID(), a.options.Roles, status.Platform()) {
		return
	}
	if payload.Platform != status.Platform() {
		a.logger.Info("upgrade ignored: platform mismatch",
			"upgrade_platform", payload.Platform,
			"node_platform", status.Platform(),
		)
		return
	}
	if payload.Version <= a.version.Current() {
		a.logger.Info("upgrade ignored: version regression",
			"running", a.version.Current(),
			"offered", payload.Version,
		)
		return
	}

	if !a.store.Has(payload.Digest) {
		// Stash and re-request; the heartbeat tick retries until the
		// binary lands.
		a.mu.Lock()
		a.pendingUpgrade = payload
		a.mu.Unlock()
		(*artifactSource)(a).Request(payload.Digest)
		a.logger.Info("upgrade binary not yet local, fetching", "digest", short(payload.Digest))
		return
	}

	a.applyUpgrade(payload)
}

// retryPendingUpgrade re-checks a stashed upgrade whose binary was
// still in flight.
func (a *Agent) retryPendingUpgrade(ctx context.Context) {
	a.mu.Lock()
	pending := a.pendingUpgrade
	a.mu.Unlock()
	if pending == nil {
		return
	}
	if pending.Version <= a.version.Current() {
		a.mu.Lock()
		a.pendingUpgrade = nil
		a.mu.Unlock()
		return
	}
	if !a.store.Has(pending.Digest) {
		(*artifactSource)(a).Request(pending.Digest)
		return
	}
	a.mu.Lock()
	a.pendingUpgrade = nil
	a.mu.Unlock()
	a.applyUpgrade(pending)
}

// applyUpgrade swaps the running binary and advances the version
// record. The version is advanced only after the swap succeeds, so a
// failed apply leaves the agent re-offerable.
func (a *Agent) applyUpgrade(payload *schema.UpgradePayload) {
	binary, err := a.store.Get(payload.Digest)
	if err != nil {
		a.logger.Warn("upgrade binary unreadable", "error", err)
		return
	}

	sniffed, err := SniffPlatform(binary)
	if err != nil {
		a.logger.Warn("upgrade rejected: unrecognized binary format", "error", err)
		return
	}
	if sniffed != "" && sniffed != payload.Platform {
		a.logger.Warn("upgrade rejected: binary is for a different platform",
			"declared", payload.Platform,
			"sniffed", sniffed,
		)
		return
	}

	if err := update.Apply(bytes.NewReader(binary), update.Options{}); err != nil {
		if rollbackErr := update.RollbackError(err); rollbackErr != nil {
			a.logger.Error("upgrade apply failed and rollback failed", "error", err, "rollback_error", rollbackErr)
		} else {
			a.logger.Warn("upgrade apply failed, rolled back", "error", err)
		}
		return
	}
	if err := a.version.Advance(payload.Version); err != nil {
		a.logger.Error("advancing version record after binary swap", "error", err)
		return
	}

	a.logger.Info("agent upgraded", "version", payload.Version, "platform", payload.Platform)
	a.options.OnUpgradeApplied()
}

// SniffPlatform identifies the platform of an executable from its
// header. Returns "" (and no error) for formats carrying no
// architecture Realm recognizes the OS for; returns an error for
// content that is not an executable at all.
func SniffPlatform(binary []byte) (string, error) {
	if len(binary) < 20 {
		return "", fmt.Errorf("binary too short to identify")
	}

	// ELF: 0x7f "ELF", e_machine at offset 18 (little-endian).
	if bytes.HasPrefix(binary, []byte{0x7f, 'E', 'L', 'F'}) {
		machine := uint16(binary[18]) | uint16(binary[19])<<8
		switch machine {
		case 0x3e:
			return "linux/amd64", nil
		case 0xb7:
			return "linux/arm64", nil
		case 0xf3:
			return "linux/riscv64", nil
		case 0x28:
			return "linux/arm", nil
		}
		return "", nil
	}

	// Mach-O 64-bit: magic 0xfeedfacf (little-endian on disk),
	// cputype at offset 4.
	if bytes.HasPrefix(binary, []byte{0xcf, 0xfa, 0xed, 0xfe}) {
		cputype := uint32(binary[4]) | uint32(binary[5])<<8 | uint32(binary[6])<<16 | uint32(binary[7])<<24
		switch cputype {
		case 0x01000007:
			return "darwin/amd64", nil
		case 0x0100000c:
			return "darwin/arm64", nil
		}
		return "", nil
	}

	return "", fmt.Errorf("not an ELF or Mach-O executable")
}
