// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Bootstrap is the persisted bootstrap address list. Addresses are
// "host:port" strings for the QUIC listener of known peers. Entries
// survive unreachability — the transport drops a dead address from
// its active set but never edits this file.
type Bootstrap struct {
	// Addresses lists peer listener addresses to dial at startup and
	// on every routing refresh.
	Addresses []string `json:"addresses"`
}

// LoadBootstrap reads the bootstrap list from path. A missing file is
// an empty list, not an error — a node with local broadcast discovery
// alone is a valid single-segment mesh.
func LoadBootstrap(path string) (Bootstrap, error) {
	var bootstrap Bootstrap
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return bootstrap, nil
	}
	if err != nil {
		return bootstrap, fmt.Errorf("reading bootstrap list: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &bootstrap); err != nil {
		return bootstrap, fmt.Errorf("parsing %s: %w", path, err)
	}
	return bootstrap, nil
}

// SaveBootstrap writes the bootstrap list via temp+rename.
func SaveBootstrap(path string, bootstrap Bootstrap) error {
	data, err := json.MarshalIndent(bootstrap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bootstrap list: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// LoadListenPort returns the persisted preferred UDP port, or 0 if
// none has been bound yet. REALM_LISTEN_PORT overrides the file.
func LoadListenPort(path string) (int, error) {
	if env := os.Getenv("REALM_LISTEN_PORT"); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil || port < 1 || port > 65535 {
			return 0, fmt.Errorf("REALM_LISTEN_PORT %q is not a valid port", env)
		}
		return port, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading listen port: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("listen port file %s is corrupt", path)
	}
	return port, nil
}

// SaveListenPort persists the port chosen at first bind so restarts
// reuse it and NAT mappings stay stable.
func SaveListenPort(path string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return writeFileAtomic(path, []byte(strconv.Itoa(port)+"\n"))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
