// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/layout"
)

func newTestStore(t *testing.T) (*Store, layout.Layout, *clock.Fake) {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	fake := clock.NewFake()
	store, err := Open(l, fake)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store, l, fake
}

func TestPutGetIdentity(t *testing.T) {
	store, _, _ := newTestStore(t)
	content := []byte("the blob bytes")

	digest, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if digest != DigestOf(content) {
		t.Errorf("Put digest = %s, want %s", digest, DigestOf(content))
	}

	got, err := store.Get(digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("get∘put is not identity")
	}
	if DigestOf(got) != digest {
		t.Error("retrieved bytes hash to a different digest")
	}
}

func TestGetNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Get(DigestOf([]byte("never stored")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutVerifiedRejectsMismatch(t *testing.T) {
	store, _, _ := newTestStore(t)
	err := store.PutVerified([]byte("actual content"), DigestOf([]byte("claimed content")))
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("err = %v, want ErrDigestMismatch", err)
	}
	if store.Has(DigestOf([]byte("actual content"))) {
		t.Error("mismatched content was stored anyway")
	}
}

func TestPutIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	content := []byte("same bytes twice")
	first, _ := store.Put(content)
	second, err := store.Put(content)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first != second {
		t.Errorf("digests differ: %s vs %s", first, second)
	}
	if got := len(store.List()); got != 1 {
		t.Errorf("store holds %d entries, want 1", got)
	}
}

func TestPinnedSurvivesGC(t *testing.T) {
	store, _, fake := newTestStore(t)

	pinned, _ := store.Put(bytes.Repeat([]byte("p"), 1000))
	if err := store.Pin(pinned, true); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	fake.Advance(time.Minute)
	unpinned, _ := store.Put(bytes.Repeat([]byte("u"), 1000))

	if err := store.GC(0); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if !store.Has(pinned) {
		t.Error("pinned blob evicted by GC")
	}
	if store.Has(unpinned) {
		t.Error("unpinned blob survived GC to target 0")
	}
}

func TestGCEvictsLRU(t *testing.T) {
	store, _, fake := newTestStore(t)

	oldest, _ := store.Put(bytes.Repeat([]byte("a"), 1000))
	fake.Advance(time.Minute)
	newest, _ := store.Put(bytes.Repeat([]byte("b"), 1000))

	// Evict down to one blob: the least recently accessed goes first.
	if err := store.GC(1000); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if store.Has(oldest) {
		t.Error("LRU blob survived")
	}
	if !store.Has(newest) {
		t.Error("recently accessed blob evicted")
	}
}

func TestGCRespectsTarget(t *testing.T) {
	store, _, fake := newTestStore(t)
	for i := 0; i < 4; i++ {
		store.Put(bytes.Repeat([]byte{byte('a' + i)}, 1000))
		fake.Advance(time.Second)
	}
	if err := store.GC(2500); err != nil {
		t.Fatal(err)
	}
	if total := store.TotalSize(); total > 2500 {
		t.Errorf("TotalSize = %d after GC(2500)", total)
	}
	if got := len(store.List()); got != 2 {
		t.Errorf("%d entries survive, want 2", got)
	}
}

func TestRecoveryReindexesOrphans(t *testing.T) {
	store, l, fake := newTestStore(t)
	digest, _ := store.Put([]byte("blob on disk"))

	// Simulate an index lost in a crash.
	if err := os.Remove(l.IndexPath()); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(l, fake)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Has(digest) {
		t.Error("orphan blob not re-indexed on open")
	}
	got, err := reopened.Get(digest)
	if err != nil || !bytes.Equal(got, []byte("blob on disk")) {
		t.Errorf("orphan blob unreadable after recovery: %v", err)
	}
}

func TestRecoveryPurgesPhantoms(t *testing.T) {
	store, l, fake := newTestStore(t)
	digest, _ := store.Put([]byte("will vanish"))

	// Delete the blob file behind the index's back.
	if err := os.Remove(filepath.Join(l.BlobDir(), digest[0:2], digest[2:4], digest)); err != nil {
		t.Fatal(err)
	}
	reopened, err := Open(l, fake)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Has(digest) {
		t.Error("phantom index entry survived recovery")
	}
}

func TestListMetadata(t *testing.T) {
	store, _, _ := newTestStore(t)
	digest, _ := store.Put([]byte("abc"))
	store.Pin(digest, true)

	list := store.List()
	if len(list) != 1 {
		t.Fatalf("List returned %d entries", len(list))
	}
	entry := list[0]
	if entry.Digest != digest || entry.Size != 3 || !entry.Pinned {
		t.Errorf("entry = %+v", entry)
	}
}
