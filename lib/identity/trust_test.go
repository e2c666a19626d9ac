// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestPinFirstWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.pub")
	store, err := OpenTrustStore(path)
	if err != nil {
		t.Fatalf("OpenTrustStore: %v", err)
	}
	if store.Trusted() != nil {
		t.Fatal("fresh store has a pinned owner")
	}

	owner, _ := Generate()
	if err := store.Pin(owner.Public()); err != nil {
		t.Fatalf("first Pin: %v", err)
	}

	// Idempotent for the same key.
	if err := store.Pin(owner.Public()); err != nil {
		t.Errorf("re-pinning same key: %v", err)
	}

	// Loud failure for a different key.
	imposter, _ := Generate()
	err = store.Pin(imposter.Public())
	if !errors.Is(err, ErrOwnerConflict) {
		t.Errorf("pinning different key: err = %v, want ErrOwnerConflict", err)
	}
}

func TestPinPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.pub")
	owner, _ := Generate()

	store, _ := OpenTrustStore(path)
	if err := store.Pin(owner.Public()); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	reopened, err := OpenTrustStore(path)
	if err != nil {
		t.Fatalf("reopening trust store: %v", err)
	}
	if !reopened.Trusted().Equal(owner.Public()) {
		t.Error("pinned owner lost across restart")
	}
}

func TestVerifyOwnerTOFU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.pub")
	store, _ := OpenTrustStore(path)

	owner, _ := Generate()
	message := []byte("payload")
	signature := owner.Sign(message)

	// First valid signed message pins the owner.
	if err := store.VerifyOwner(owner.Public(), message, signature); err != nil {
		t.Fatalf("TOFU verify: %v", err)
	}
	if !store.Trusted().Equal(owner.Public()) {
		t.Fatal("owner not pinned after TOFU verify")
	}

	// A different owner with a valid signature of its own is rejected.
	imposter, _ := Generate()
	if err := store.VerifyOwner(imposter.Public(), message, imposter.Sign(message)); err == nil {
		t.Error("command from non-pinned owner accepted")
	}

	// A bad signature from the pinned owner is rejected and does not
	// disturb the pin.
	if err := store.VerifyOwner(owner.Public(), []byte("other"), signature); err == nil {
		t.Error("invalid signature accepted")
	}
	if !store.Trusted().Equal(owner.Public()) {
		t.Error("pin disturbed by failed verification")
	}
}

func TestVerifyOwnerBadSignatureDoesNotPin(t *testing.T) {
	store, _ := OpenTrustStore(filepath.Join(t.TempDir(), "owner.pub"))
	owner, _ := Generate()
	if err := store.VerifyOwner(owner.Public(), []byte("msg"), []byte("not a signature, wrong length too")); err == nil {
		t.Fatal("malformed signature accepted")
	}
	if store.Trusted() != nil {
		t.Error("owner pinned despite failed verification")
	}
}
