// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NodeIDLength is the length of a printable node identifier: the
// lowercase hex SHA-256 of the node's public key.
const NodeIDLength = 64

// Key is an Ed25519 signing keypair. The same type serves both the
// owner key (operator side) and the node key (agent side); what
// differs is where the private half lives.
type Key struct {
	private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (*Key, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Key{private: private}, nil
}

// FromSeed reconstructs a keypair from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return &Key{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the public half.
func (k *Key) Public() ed25519.PublicKey {
	return k.private.Public().(ed25519.PublicKey)
}

// NodeID returns the stable printable identifier for this key: the
// lowercase hex SHA-256 of the public key. Node IDs order
// lexicographically, which the job scheduler relies on for
// deterministic election.
func (k *Key) NodeID() string {
	return NodeIDFor(k.Public())
}

// Sign signs message with the private key. The message must already
// be canonical bytes (see lib/codec); callers never sign semantic
// objects directly.
func (k *Key) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Seed returns the 32-byte seed for persistence.
func (k *Key) Seed() []byte {
	return k.private.Seed()
}

// Private exposes the private key for subsystems that need to present
// it to crypto APIs directly (the transport's TLS certificate). Never
// serialized except through Seed.
func (k *Key) Private() ed25519.PrivateKey {
	return k.private
}

// NodeIDFor derives the printable node identifier from a public key.
func NodeIDFor(public ed25519.PublicKey) string {
	sum := sha256.Sum256(public)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether signature is a valid Ed25519 signature of
// message by public. Returns false (never panics) for malformed keys.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, message, signature)
}

// EncodeKey renders a public key as lowercase hex for key files and
// logs.
func EncodeKey(public ed25519.PublicKey) string {
	return hex.EncodeToString(public)
}

// DecodeKey parses a hex public key produced by EncodeKey.
func DecodeKey(text string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// LoadOrCreateNodeKey loads the node keypair from keyPath, creating
// and persisting a fresh one on first boot. The seed file is written
// 0600 via temp+rename; peerPath receives the printable node ID for
// operators and external tooling.
func LoadOrCreateNodeKey(keyPath, peerPath string) (*Key, error) {
	if seed, err := os.ReadFile(keyPath); err == nil {
		key, err := FromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("node key %s is corrupt: %w", keyPath, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading node key: %w", err)
	}

	key, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(keyPath, key.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("persisting node key: %w", err)
	}
	if err := writeFileAtomic(peerPath, []byte(key.NodeID()+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("persisting node ID: %w", err)
	}
	return key, nil
}

// writeFileAtomic writes data to path via a temp file and rename so a
// crash never leaves a half-written key on disk.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}
