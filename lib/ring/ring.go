// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring provides the agent's bounded log buffers and the
// real-time log event bus.
//
// Every workload log line — component stdout/stderr, job runtime
// output, supervisor lifecycle notes — is appended to a per-source
// ring of fixed capacity. When a ring is full the oldest line is
// evicted. Subscribers receive new lines as they arrive, filtered by
// source or across all sources; a slow subscriber drops lines rather
// than stalling the writer.
package ring

import (
	"sync"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
)

// AllSources subscribes to or tails every source at once.
const AllSources = "__all__"

// DefaultCapacity is the per-source line capacity. A few hundred
// lines covers the tail an operator actually reads; full-fidelity
// logs belong in captured job artifacts, not the ring.
const DefaultCapacity = 500

// subscriberBuffer is the channel depth for each subscriber. Beyond
// this, new lines are dropped for that subscriber only.
const subscriberBuffer = 256

// Line is one log line with its source and arrival time.
type Line struct {
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
}

// Bus holds all per-source rings and fans new lines out to
// subscribers. All methods are safe for concurrent use.
type Bus struct {
	capacity int
	clock    clock.Clock

	mu          sync.Mutex
	rings       map[string]*lineRing
	subscribers map[int]*subscriber
	nextID      int
}

type subscriber struct {
	source string
	ch     chan Line
}

// lineRing is a fixed-capacity circular buffer of lines.
type lineRing struct {
	lines []Line
	next  int
	full  bool
}

// NewBus creates a bus with the given per-source capacity.
func NewBus(capacity int, clk clock.Clock) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity:    capacity,
		clock:       clk,
		rings:       make(map[string]*lineRing),
		subscribers: make(map[int]*subscriber),
	}
}

// Append records a line for source and publishes it to matching
// subscribers. Never blocks: subscribers that have fallen behind
// miss the line.
func (b *Bus) Append(source, text string) {
	line := Line{Source: source, Time: b.clock.Now(), Text: text}

	b.mu.Lock()
	ring, ok := b.rings[source]
	if !ok {
		ring = &lineRing{lines: make([]Line, b.capacity)}
		b.rings[source] = ring
	}
	ring.lines[ring.next] = line
	ring.next = (ring.next + 1) % b.capacity
	if ring.next == 0 {
		ring.full = true
	}
	// Fan out under the lock: sends are non-blocking, and holding the
	// lock means cancel can never close a channel mid-send.
	for _, sub := range b.subscribers {
		if sub.source == AllSources || sub.source == source {
			select {
			case sub.ch <- line:
			default:
			}
		}
	}
	b.mu.Unlock()
}

// Tail returns up to max most-recent lines for source, oldest first.
// Source may be AllSources, in which case lines from every ring are
// merged in time order.
func (b *Bus) Tail(source string, max int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if max <= 0 {
		max = b.capacity
	}

	var collected []Line
	if source == AllSources {
		for _, ring := range b.rings {
			collected = append(collected, ring.ordered()...)
		}
		sortByTime(collected)
	} else {
		ring, ok := b.rings[source]
		if !ok {
			return nil
		}
		collected = ring.ordered()
	}

	if len(collected) > max {
		collected = collected[len(collected)-max:]
	}
	return collected
}

// Sources returns the names of all sources that have logged at least
// one line.
func (b *Bus) Sources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sources := make([]string, 0, len(b.rings))
	for source := range b.rings {
		sources = append(sources, source)
	}
	return sources
}

// Subscribe returns a channel of new lines for source (or
// AllSources) and a cancel function. The channel is closed by cancel.
func (b *Bus) Subscribe(source string) (<-chan Line, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{source: source, ch: make(chan Line, subscriberBuffer)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// ordered returns the ring contents oldest first.
func (r *lineRing) ordered() []Line {
	if !r.full {
		return append([]Line(nil), r.lines[:r.next]...)
	}
	out := make([]Line, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// sortByTime is an insertion sort: merged tails are small and mostly
// ordered already.
func sortByTime(lines []Line) {
	for i := 1; i < len(lines); i++ {
		for j := i; j > 0 && lines[j].Time.Before(lines[j-1].Time); j-- {
			lines[j], lines[j-1] = lines[j-1], lines[j]
		}
	}
}
