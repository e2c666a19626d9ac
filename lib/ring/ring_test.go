// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package ring

import (
	"fmt"
	"testing"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/testutil"
)

func TestTailOrdering(t *testing.T) {
	fake := clock.NewFake()
	bus := NewBus(10, fake)

	for i := 0; i < 3; i++ {
		bus.Append("hello", fmt.Sprintf("line %d", i))
		fake.Advance(time.Second)
	}

	lines := bus.Tail("hello", 0)
	if len(lines) != 3 {
		t.Fatalf("Tail returned %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		if want := fmt.Sprintf("line %d", i); line.Text != want {
			t.Errorf("lines[%d].Text = %q, want %q", i, line.Text, want)
		}
	}
}

func TestEvictionWhenFull(t *testing.T) {
	bus := NewBus(3, clock.NewFake())
	for i := 0; i < 5; i++ {
		bus.Append("svc", fmt.Sprintf("line %d", i))
	}
	lines := bus.Tail("svc", 0)
	if len(lines) != 3 {
		t.Fatalf("Tail returned %d lines, want capacity 3", len(lines))
	}
	if lines[0].Text != "line 2" || lines[2].Text != "line 4" {
		t.Errorf("oldest lines not evicted: %q .. %q", lines[0].Text, lines[2].Text)
	}
}

func TestTailAllSourcesMerged(t *testing.T) {
	fake := clock.NewFake()
	bus := NewBus(10, fake)

	bus.Append("a", "first")
	fake.Advance(time.Second)
	bus.Append("b", "second")
	fake.Advance(time.Second)
	bus.Append("a", "third")

	lines := bus.Tail(AllSources, 0)
	if len(lines) != 3 {
		t.Fatalf("Tail(__all__) returned %d lines, want 3", len(lines))
	}
	if lines[0].Text != "first" || lines[1].Text != "second" || lines[2].Text != "third" {
		t.Errorf("merged order wrong: %v", lines)
	}
}

func TestTailUnknownSource(t *testing.T) {
	bus := NewBus(10, clock.NewFake())
	if lines := bus.Tail("missing", 0); lines != nil {
		t.Errorf("Tail(missing) = %v, want nil", lines)
	}
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	bus := NewBus(10, clock.NewFake())
	ch, cancel := bus.Subscribe("svc")
	defer cancel()

	bus.Append("svc", "hello")
	bus.Append("other", "not for us")

	line := testutil.RequireReceive(t, ch, time.Second, "subscribed line")
	if line.Text != "hello" || line.Source != "svc" {
		t.Errorf("received %+v", line)
	}
	select {
	case extra := <-ch:
		t.Errorf("received line for other source: %+v", extra)
	default:
	}
}

func TestSubscribeAllSources(t *testing.T) {
	bus := NewBus(10, clock.NewFake())
	ch, cancel := bus.Subscribe(AllSources)
	defer cancel()

	bus.Append("a", "one")
	bus.Append("b", "two")

	if got := testutil.RequireReceive(t, ch, time.Second, "first line"); got.Source != "a" {
		t.Errorf("first line source = %q", got.Source)
	}
	if got := testutil.RequireReceive(t, ch, time.Second, "second line"); got.Source != "b" {
		t.Errorf("second line source = %q", got.Source)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(10, clock.NewFake())
	ch, cancel := bus.Subscribe("svc")
	cancel()
	cancel() // double cancel is safe

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Appending after cancel must not panic on the closed channel.
	bus.Append("svc", "late line")
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus(10, clock.NewFake())
	_, cancel := bus.Subscribe("svc")
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Far more lines than the subscriber buffer; Append must not
		// block even though nothing is reading.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Append("svc", "flood")
		}
		close(done)
	}()
	testutil.RequireClosed(t, done, 5*time.Second, "Append blocked on slow subscriber")
}
