// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBootstrapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")

	// Missing file is an empty list.
	bootstrap, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap missing: %v", err)
	}
	if len(bootstrap.Addresses) != 0 {
		t.Errorf("missing file yielded %d addresses", len(bootstrap.Addresses))
	}

	bootstrap.Addresses = []string{"10.0.0.5:7891", "seed.example.net:7891"}
	if err := SaveBootstrap(path, bootstrap); err != nil {
		t.Fatalf("SaveBootstrap: %v", err)
	}
	loaded, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap: %v", err)
	}
	if len(loaded.Addresses) != 2 || loaded.Addresses[0] != "10.0.0.5:7891" {
		t.Errorf("round trip lost addresses: %v", loaded.Addresses)
	}
}

func TestBootstrapAcceptsJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	content := `{
	// seed node in the lab
	"addresses": [
		"192.168.1.10:7891", // trailing comma below is fine
	],
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	bootstrap, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap JSONC: %v", err)
	}
	if len(bootstrap.Addresses) != 1 || bootstrap.Addresses[0] != "192.168.1.10:7891" {
		t.Errorf("JSONC parse produced %v", bootstrap.Addresses)
	}
}

func TestListenPortPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen_port")

	port, err := LoadListenPort(path)
	if err != nil {
		t.Fatalf("LoadListenPort missing: %v", err)
	}
	if port != 0 {
		t.Errorf("missing file yielded port %d", port)
	}

	if err := SaveListenPort(path, 7891); err != nil {
		t.Fatalf("SaveListenPort: %v", err)
	}
	port, err = LoadListenPort(path)
	if err != nil {
		t.Fatalf("LoadListenPort: %v", err)
	}
	if port != 7891 {
		t.Errorf("port = %d, want 7891", port)
	}

	if err := SaveListenPort(path, 0); err == nil {
		t.Error("SaveListenPort(0) accepted")
	}
}

func TestListenPortEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen_port")
	if err := SaveListenPort(path, 7891); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REALM_LISTEN_PORT", "9001")
	port, err := LoadListenPort(path)
	if err != nil {
		t.Fatalf("LoadListenPort: %v", err)
	}
	if port != 9001 {
		t.Errorf("port = %d, want env override 9001", port)
	}
}

func TestPolicyDefaultsDeny(t *testing.T) {
	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "policy.json"))
	if err != nil {
		t.Fatalf("LoadPolicy missing: %v", err)
	}
	if policy.AllowNativeExecution || policy.AllowEmulation {
		t.Errorf("default policy permits execution: %+v", policy)
	}
}

func TestPolicyEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := SavePolicy(path, Policy{AllowNativeExecution: false, AllowEmulation: true}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REALM_ALLOW_NATIVE_EXECUTION", "1")
	t.Setenv("REALM_ALLOW_EMULATION", "false")

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !policy.AllowNativeExecution {
		t.Error("REALM_ALLOW_NATIVE_EXECUTION=1 not applied")
	}
	if policy.AllowEmulation {
		t.Error("REALM_ALLOW_EMULATION=false not applied")
	}
}

func TestPolicyJSONCWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	content := `{
	// enabled for the build fleet only
	"allow_native_execution": true,
	"allow_emulation": false,
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !policy.AllowNativeExecution || policy.AllowEmulation {
		t.Errorf("policy = %+v", policy)
	}
}
