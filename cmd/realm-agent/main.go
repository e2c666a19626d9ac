// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// realm-agent is the Realm node process: every instance is
// simultaneously a worker and an administrative surface. Run one per
// machine; the agents discover each other and form the mesh.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/realm-foundation/realm/agent"
	"github.com/realm-foundation/realm/lib/layout"
	"github.com/realm-foundation/realm/lib/version"
	"github.com/realm-foundation/realm/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dataDir     = pflag.String("data-dir", "", "data directory (default: OS user config dir, or REALM_DATA_DIR)")
		roles       = pflag.StringArray("role", nil, "role tag advertised to the mesh (repeatable)")
		beaconPort  = pflag.Int("beacon-port", transport.DefaultBeaconPort, "UDP port for local-network discovery beacons (0 disables)")
		gcTarget    = pflag.Uint64("storage-target-bytes", agent.DefaultGCTarget, "content store size target enforced by GC")
		logLevel    = pflag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("realm-agent v%s\n", version.Build)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	var l layout.Layout
	if *dataDir != "" {
		l = layout.New(*dataDir)
	} else {
		resolved, err := layout.Default()
		if err != nil {
			logger.Error("resolving data directory", "error", err)
			return 1
		}
		l = resolved
	}

	node, err := agent.New(agent.Options{
		Layout:     l,
		Roles:      *roles,
		BeaconPort: *beaconPort,
		GCTarget:   *gcTarget,
		Logger:     logger,
	})
	if err != nil {
		// Identity/trust corruption and bind failures are the only
		// unrecoverable startup errors; everything else retries in
		// the running agent.
		logger.Error("agent startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		logger.Error("agent exited", "error", err)
		return 1
	}
	return 0
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
