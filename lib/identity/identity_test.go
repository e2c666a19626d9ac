// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	message := []byte("canonical payload bytes")
	signature := key.Sign(message)

	if !Verify(key.Public(), message, signature) {
		t.Error("valid signature rejected")
	}
	if Verify(key.Public(), []byte("tampered"), signature) {
		t.Error("signature over different message accepted")
	}

	other, _ := Generate()
	if Verify(other.Public(), message, signature) {
		t.Error("signature accepted under wrong key")
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	key, _ := Generate()
	if Verify(key.Public()[:16], []byte("m"), key.Sign([]byte("m"))) {
		t.Error("truncated public key accepted")
	}
	if Verify(key.Public(), []byte("m"), []byte("short")) {
		t.Error("truncated signature accepted")
	}
}

func TestNodeIDStable(t *testing.T) {
	key, _ := Generate()
	id := key.NodeID()
	if len(id) != NodeIDLength {
		t.Fatalf("node ID length = %d, want %d", len(id), NodeIDLength)
	}
	if id != strings.ToLower(id) {
		t.Error("node ID is not lowercase")
	}
	restored, err := FromSeed(key.Seed())
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	if restored.NodeID() != id {
		t.Error("node ID changed across seed round trip")
	}
}

func TestKeyEncodeDecode(t *testing.T) {
	key, _ := Generate()
	decoded, err := DecodeKey(EncodeKey(key.Public()) + "\n")
	if err != nil {
		t.Fatalf("DecodeKey: %v", err)
	}
	if !decoded.Equal(key.Public()) {
		t.Error("key changed across encode/decode round trip")
	}

	if _, err := DecodeKey("zzzz"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := DecodeKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
}

func TestLoadOrCreateNodeKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key")
	peerPath := filepath.Join(dir, "node.peer")

	first, err := LoadOrCreateNodeKey(keyPath, peerPath)
	if err != nil {
		t.Fatalf("first LoadOrCreateNodeKey: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %o, want 600", info.Mode().Perm())
	}

	peer, err := os.ReadFile(peerPath)
	if err != nil {
		t.Fatalf("peer file missing: %v", err)
	}
	if strings.TrimSpace(string(peer)) != first.NodeID() {
		t.Errorf("peer file holds %q, want %q", strings.TrimSpace(string(peer)), first.NodeID())
	}

	// Second load must return the same identity, not a new one.
	second, err := LoadOrCreateNodeKey(keyPath, peerPath)
	if err != nil {
		t.Fatalf("second LoadOrCreateNodeKey: %v", err)
	}
	if second.NodeID() != first.NodeID() {
		t.Error("node identity not stable across restarts")
	}
}
