// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/realm-foundation/realm/lib/schema"
)

// entryPoint is the WASI command entry export.
const entryPoint = "_start"

// httpHandlerMarker is the byte signature of the incoming-HTTP-
// handler interface. Modules carrying it are invoked per-request by
// the gateway instead of running a persistent entry point.
var httpHandlerMarker = []byte("wasi:http/incoming-handler")

// DetectHTTPHandler reports whether a binary implements the incoming
// HTTP handler interface.
func DetectHTTPHandler(binary []byte) bool {
	return bytes.Contains(binary, httpHandlerMarker)
}

// Result summarizes a finished execution.
type Result struct {
	// FuelConsumed is the fuel spent, zero when metering is off.
	FuelConsumed uint64
}

// Runner executes WASM binaries. Stateless: all per-execution state
// lives in the engine and store created for that execution, so one
// Runner serves every component and job on the node.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run instantiates binary with the given limits and capabilities and
// drives its command entry point to completion. Blocks until the
// instance finishes, faults, exhausts a limit, or ctx is cancelled
// (surfaced as ErrDeadline).
//
// A module with no command entry point returns ErrMissingEntryPoint
// with a zero Result; callers that probe unknown modules treat that
// as a clean no-op, per the error surface contract.
func (r *Runner) Run(ctx context.Context, binary []byte, limits Limits, caps Capabilities) (Result, error) {
	limits = limits.withDefaults()
	if err := caps.validate(); err != nil {
		return Result{}, err
	}

	metered := limits.Fuel != schema.UnlimitedFuel

	config := wasmtime.NewConfig()
	config.SetConsumeFuel(metered)
	config.SetEpochInterruption(true)
	engine := wasmtime.NewEngineWithConfig(config)

	store := wasmtime.NewStore(engine)
	// The limiter rejects any growth beyond the ceiling; the instance
	// observes a failed memory.grow, and a guest that cannot proceed
	// traps.
	store.Limiter(int64(limits.MemoryMaxMB)<<20, -1, -1, -1, -1)
	if metered {
		if err := store.SetFuel(limits.Fuel); err != nil {
			return Result{}, fmt.Errorf("setting fuel: %w", err)
		}
	}

	// One tick of headroom: the deadline trips at the first epoch
	// increment, which the ticker below fires after EpochMillis.
	store.SetEpochDeadline(1)

	wasiConfig, err := buildWasiConfig(caps)
	if err != nil {
		return Result{}, err
	}
	store.SetWasi(wasiConfig)

	module, err := wasmtime.NewModule(engine, binary)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTrap, err)
	}

	linker := wasmtime.NewLinker(engine)
	if err := linker.DefineWasi(); err != nil {
		return Result{}, fmt.Errorf("defining WASI: %w", err)
	}
	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return Result{}, classify(err)
	}

	start := instance.GetFunc(store, entryPoint)
	if start == nil {
		return Result{}, ErrMissingEntryPoint
	}

	// Epoch driver: advance the engine epoch every EpochMillis so the
	// deadline preempts at safe points; a context cancellation
	// advances it immediately.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(time.Duration(limits.EpochMillis) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				engine.IncrementEpoch()
				return
			case <-ticker.C:
				engine.IncrementEpoch()
			}
		}
	}()

	_, callErr := start.Call(store)

	result := Result{}
	if metered {
		if remaining, err := store.GetFuel(); err == nil && remaining <= limits.Fuel {
			result.FuelConsumed = limits.Fuel - remaining
		}
	}
	if callErr != nil {
		return result, classify(callErr)
	}
	return result, nil
}

// buildWasiConfig translates Capabilities into a WASI configuration.
func buildWasiConfig(caps Capabilities) (*wasmtime.WasiConfig, error) {
	wasiConfig := wasmtime.NewWasiConfig()

	wasiConfig.SetArgv(caps.Args)

	if len(caps.Env) > 0 {
		keys := make([]string, 0, len(caps.Env))
		values := make([]string, 0, len(caps.Env))
		for key, value := range caps.Env {
			keys = append(keys, key)
			values = append(values, value)
		}
		wasiConfig.SetEnv(keys, values)
	}

	for _, preopen := range caps.Preopens {
		dirPerms := wasmtime.DIR_READ
		filePerms := wasmtime.FILE_READ
		if !preopen.ReadOnly {
			dirPerms |= wasmtime.DIR_WRITE
			filePerms |= wasmtime.FILE_WRITE
		}
		if err := wasiConfig.PreopenDir(preopen.Host, preopen.Guest, dirPerms, filePerms); err != nil {
			return nil, fmt.Errorf("%w: preopen %s: %v", ErrCapabilityDenied, preopen.Guest, err)
		}
	}

	if caps.StdinPath != "" {
		if err := wasiConfig.SetStdinFile(caps.StdinPath); err != nil {
			return nil, fmt.Errorf("%w: stdin: %v", ErrCapabilityDenied, err)
		}
	}
	if caps.StdoutPath != "" {
		if err := wasiConfig.SetStdoutFile(caps.StdoutPath); err != nil {
			return nil, fmt.Errorf("%w: stdout capture: %v", ErrCapabilityDenied, err)
		}
	}
	if caps.StderrPath != "" {
		if err := wasiConfig.SetStderrFile(caps.StderrPath); err != nil {
			return nil, fmt.Errorf("%w: stderr capture: %v", ErrCapabilityDenied, err)
		}
	}
	return wasiConfig, nil
}

// classify maps a wasmtime error onto the sandbox error surface.
func classify(err error) error {
	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		if code := trap.Code(); code != nil {
			switch *code {
			case wasmtime.OutOfFuel:
				return fmt.Errorf("%w: %s", ErrFuelExhausted, trap.Message())
			case wasmtime.Interrupt:
				return fmt.Errorf("%w: %s", ErrDeadline, trap.Message())
			case wasmtime.MemoryOutOfBounds:
				return fmt.Errorf("%w: %s", ErrMemoryExhausted, trap.Message())
			}
		}
		return fmt.Errorf("%w: %s", ErrTrap, trap.Message())
	}
	return fmt.Errorf("%w: %v", ErrTrap, err)
}
