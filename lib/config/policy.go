// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// Policy gates the non-WASM runtimes. Both default to false: a fresh
// agent executes only sandboxed WASM until an operator explicitly
// opens the policy up.
type Policy struct {
	// AllowNativeExecution permits the scheduler to spawn native
	// child processes for native-runtime jobs.
	AllowNativeExecution bool `json:"allow_native_execution"`

	// AllowEmulation permits the scheduler to invoke the configured
	// user-mode emulator for foreign-platform binaries.
	AllowEmulation bool `json:"allow_emulation"`
}

// LoadPolicy reads the policy file and applies environment overrides.
// A missing file yields the default (everything denied). The
// environment variables REALM_ALLOW_NATIVE_EXECUTION and
// REALM_ALLOW_EMULATION accept "1", "true", "True" or "TRUE" as true
// (any other value is false) and take precedence over the file.
func LoadPolicy(path string) (Policy, error) {
	var policy Policy
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), &policy); err != nil {
			return Policy{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Policy{}, fmt.Errorf("reading policy: %w", err)
	}

	if value, ok := os.LookupEnv("REALM_ALLOW_NATIVE_EXECUTION"); ok {
		policy.AllowNativeExecution = truthy(value)
	}
	if value, ok := os.LookupEnv("REALM_ALLOW_EMULATION"); ok {
		policy.AllowEmulation = truthy(value)
	}
	return policy, nil
}

// SavePolicy writes the policy file via temp+rename. Environment
// overrides are not written back — they remain overrides.
func SavePolicy(path string, policy Policy) error {
	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func truthy(value string) bool {
	switch value {
	case "1", "true", "TRUE", "True":
		return true
	}
	return false
}

// PolicyStore holds the live policy and reloads it when the file
// changes. Readers get an immutable snapshot; there is no partial
// state visible mid-reload.
type PolicyStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy
}

// OpenPolicyStore loads the initial policy from path.
func OpenPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicyStore{path: path, logger: logger, policy: policy}, nil
}

// Current returns the policy snapshot.
func (s *PolicyStore) Current() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Update replaces the policy and persists it. Used by the query
// surface (policy write action).
func (s *PolicyStore) Update(policy Policy) error {
	if err := SavePolicy(s.path, policy); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	return nil
}

// Watch reloads the policy whenever the file changes, until ctx is
// cancelled. The watch is on the parent directory so editor
// write-rename sequences are seen. Reload failures keep the previous
// policy — a half-saved file never opens execution up by accident.
func (s *PolicyStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(s.path) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				policy, err := LoadPolicy(s.path)
				if err != nil {
					s.logger.Warn("policy reload failed, keeping previous policy", "error", err)
					continue
				}
				s.mu.Lock()
				changed := policy != s.policy
				s.policy = policy
				s.mu.Unlock()
				if changed {
					s.logger.Info("policy reloaded",
						"allow_native_execution", policy.AllowNativeExecution,
						"allow_emulation", policy.AllowEmulation)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
