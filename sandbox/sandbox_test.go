// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/realm-foundation/realm/lib/schema"
)

func wat(t *testing.T, source string) []byte {
	t.Helper()
	binary, err := wasmtime.Wat2Wasm(source)
	if err != nil {
		t.Fatalf("wat2wasm: %v", err)
	}
	return binary
}

// trivialModule exports _start and returns immediately.
const trivialModule = `(module (func (export "_start")))`

// spinModule exports _start and loops forever.
const spinModule = `(module (func (export "_start") (loop br 0)))`

// noEntryModule exports nothing.
const noEntryModule = `(module (func))`

// growModule tries to grow memory far past any sane ceiling
// (16 GiB) and traps with unreachable if growth unexpectedly
// succeeds.
const growModule = `(module
  (memory (export "memory") 1)
  (func (export "_start")
    (if (i32.ne (memory.grow (i32.const 262144)) (i32.const -1))
      (then unreachable))))`

// trapModule faults immediately.
const trapModule = `(module (func (export "_start") unreachable))`

func testRunner() *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRunTrivialModule(t *testing.T) {
	result, err := testRunner().Run(context.Background(), wat(t, trivialModule), Limits{}, Capabilities{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Even an empty body costs a few instructions under metering.
	if result.FuelConsumed == 0 {
		t.Error("no fuel consumed with metering on")
	}
}

func TestFuelExhaustion(t *testing.T) {
	_, err := testRunner().Run(context.Background(), wat(t, spinModule),
		Limits{Fuel: 10_000, EpochMillis: 60_000}, Capabilities{})
	if !errors.Is(err, ErrFuelExhausted) {
		t.Errorf("err = %v, want ErrFuelExhausted", err)
	}
}

func TestEpochDeadline(t *testing.T) {
	start := time.Now()
	_, err := testRunner().Run(context.Background(), wat(t, spinModule),
		Limits{Fuel: schema.UnlimitedFuel, EpochMillis: 50}, Capabilities{})
	if !errors.Is(err, ErrDeadline) {
		t.Errorf("err = %v, want ErrDeadline", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("deadline took %v, want ~50ms", elapsed)
	}
}

func TestContextCancellationPreempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	// A long epoch: only the cancellation can stop the spin promptly.
	_, err := testRunner().Run(ctx, wat(t, spinModule),
		Limits{Fuel: schema.UnlimitedFuel, EpochMillis: 60_000}, Capabilities{})
	if !errors.Is(err, ErrDeadline) {
		t.Errorf("err = %v, want ErrDeadline", err)
	}
}

func TestMemoryCeiling(t *testing.T) {
	// The module demands 16 GiB; under a 64 MiB ceiling the grow must
	// fail, and the module then traps deliberately. Either way the
	// error surface reports a sandbox violation, never success.
	_, err := testRunner().Run(context.Background(), wat(t, growModule),
		Limits{MemoryMaxMB: 64, Fuel: schema.UnlimitedFuel, EpochMillis: 60_000}, Capabilities{})
	if err == nil {
		t.Fatal("16 GiB growth under a 64 MiB ceiling succeeded")
	}
}

func TestMissingEntryPoint(t *testing.T) {
	_, err := testRunner().Run(context.Background(), wat(t, noEntryModule), Limits{}, Capabilities{})
	if !errors.Is(err, ErrMissingEntryPoint) {
		t.Errorf("err = %v, want ErrMissingEntryPoint", err)
	}
}

func TestTrapClassified(t *testing.T) {
	_, err := testRunner().Run(context.Background(), wat(t, trapModule), Limits{}, Capabilities{})
	if !errors.Is(err, ErrTrap) {
		t.Errorf("err = %v, want ErrTrap", err)
	}
}

func TestCapabilityDeniedMissingMount(t *testing.T) {
	caps := Capabilities{Preopens: []Preopen{{Host: "/does/not/exist", Guest: "/data"}}}
	_, err := testRunner().Run(context.Background(), wat(t, trivialModule), Limits{}, caps)
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("err = %v, want ErrCapabilityDenied", err)
	}
}

func TestPreopenGrantsAccess(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "input.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	caps := Capabilities{Preopens: []Preopen{{Host: dir, Guest: "/data", ReadOnly: true}}}
	if _, err := testRunner().Run(context.Background(), wat(t, trivialModule), Limits{}, caps); err != nil {
		t.Fatalf("Run with preopen: %v", err)
	}
}

func TestDetectHTTPHandler(t *testing.T) {
	plain := wat(t, trivialModule)
	if DetectHTTPHandler(plain) {
		t.Error("plain module detected as HTTP handler")
	}
	marked := append(plain, []byte("wasi:http/incoming-handler")...)
	if !DetectHTTPHandler(marked) {
		t.Error("marked module not detected")
	}
}

func TestLimitsDefaults(t *testing.T) {
	limits := Limits{}.withDefaults()
	if limits.MemoryMaxMB != schema.DefaultMemoryMaxMB ||
		limits.Fuel != schema.DefaultFuel ||
		limits.EpochMillis != schema.DefaultEpochMillis {
		t.Errorf("defaults = %+v", limits)
	}
}
