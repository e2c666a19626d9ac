// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrOwnerConflict is returned by TrustStore.Pin when an owner is
// already pinned and the candidate key differs. The conflict is
// loud and permanent: the only way to change owners is to delete the
// pinned key file out of band.
var ErrOwnerConflict = errors.New("a different owner key is already pinned")

// TrustStore holds the pinned owner public key (TOFU). The first
// observed owner is a one-shot write to an otherwise immutable cell.
//
// All methods are safe for concurrent use, but in the agent the store
// is owned by the command loop; other tasks read immutable snapshots.
type TrustStore struct {
	path string

	mu     sync.RWMutex
	pinned ed25519.PublicKey // nil until first pin
}

// OpenTrustStore loads the pinned owner key from path if it exists.
func OpenTrustStore(path string) (*TrustStore, error) {
	store := &TrustStore{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading trust root: %w", err)
	}
	public, err := DecodeKey(string(data))
	if err != nil {
		// A corrupt trust root is an unrecoverable identity failure:
		// the agent cannot tell trusted commands apart any more.
		return nil, fmt.Errorf("trust root %s is corrupt: %w", path, err)
	}
	store.pinned = public
	return store, nil
}

// Trusted returns the pinned owner key, or nil if none is pinned yet.
func (s *TrustStore) Trusted() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned
}

// Pin records public as the trusted owner. Idempotent for the same
// key; returns ErrOwnerConflict for any other key once one is pinned.
// The pin is persisted before the method returns, so a crash cannot
// lose an established trust decision.
func (s *TrustStore) Pin(public ed25519.PublicKey) error {
	if len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("owner key is %d bytes, want %d", len(public), ed25519.PublicKeySize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinned != nil {
		if subtle.ConstantTimeCompare(s.pinned, public) == 1 {
			return nil
		}
		return fmt.Errorf("refusing to pin %s: %w", EncodeKey(public), ErrOwnerConflict)
	}

	if err := writeFileAtomic(s.path, []byte(EncodeKey(public)+"\n"), 0o644); err != nil {
		return fmt.Errorf("persisting trust root: %w", err)
	}
	s.pinned = append(ed25519.PublicKey(nil), public...)
	return nil
}

// VerifyOwner checks that signature is valid for message under the
// pinned owner. If no owner is pinned yet and the signature verifies
// under candidate, the candidate is pinned (TOFU) and verification
// succeeds.
func (s *TrustStore) VerifyOwner(candidate ed25519.PublicKey, message, signature []byte) error {
	if !Verify(candidate, message, signature) {
		return fmt.Errorf("signature verification failed for key %s", EncodeKey(candidate))
	}
	trusted := s.Trusted()
	if trusted == nil {
		return s.Pin(candidate)
	}
	if subtle.ConstantTimeCompare(trusted, candidate) != 1 {
		return fmt.Errorf("command signed by %s but owner %s is pinned", EncodeKey(candidate), EncodeKey(trusted))
	}
	return nil
}
