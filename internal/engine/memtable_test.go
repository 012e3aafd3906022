// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"fmt"
	"testing"
)

func TestMemtable_PutGet(t *testing.T) {
	m := newMemtable()

	m.put("a", []byte("one"))
	m.put("b", []byte("two"))

	if val, ok := m.get("a"); !ok || !bytes.Equal(val, []byte("one")) {
		t.Fatalf("get a: got %q, %v", val, ok)
	}
	if _, ok := m.get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
	if m.count() != 2 {
		t.Fatalf("expected 2 keys, got %d", m.count())
	}
	if want := int64(len("a") + len("one") + len("b") + len("two")); m.size() != want {
		t.Fatalf("expected size %d, got %d", want, m.size())
	}
}

func TestMemtable_OverwriteAdjustsSize(t *testing.T) {
	m := newMemtable()

	m.put("k", []byte("short"))
	m.put("k", []byte("a much longer value"))

	if want := int64(len("k") + len("a much longer value")); m.size() != want {
		t.Fatalf("expected size %d after overwrite, got %d", want, m.size())
	}
	if m.count() != 1 {
		t.Fatalf("expected 1 key, got %d", m.count())
	}
}

func TestMemtable_EvictOldestIsFIFO(t *testing.T) {
	m := newMemtable()
	for i := 0; i < 5; i++ {
		m.put(fmt.Sprintf("k%d", i), []byte("0123456789"))
	}

	// Cada entrada tem 12 bytes; pedir 20 deve evictar as duas mais antigas
	evicted := m.evictOldest(20)
	if len(evicted) != 2 {
		t.Fatalf("expected 2 evicted entries, got %d", len(evicted))
	}
	if evicted[0].key != "k0" || evicted[1].key != "k1" {
		t.Fatalf("expected FIFO order k0,k1, got %s,%s", evicted[0].key, evicted[1].key)
	}
	if _, ok := m.get("k0"); ok {
		t.Fatal("evicted key still present")
	}
	if _, ok := m.get("k4"); !ok {
		t.Fatal("newest key lost by eviction")
	}
}

func TestMemtable_OverwriteRenewsEvictionOrder(t *testing.T) {
	m := newMemtable()
	m.put("old", []byte("aaaaaaaaaa"))
	m.put("mid", []byte("aaaaaaaaaa"))
	m.put("old", []byte("aaaaaaaaaa")) // renova a posição

	evicted := m.evictOldest(1)
	if len(evicted) != 1 || evicted[0].key != "mid" {
		t.Fatalf("expected mid evicted first, got %+v", evicted)
	}
}

func TestMemtable_SnapshotIsCopy(t *testing.T) {
	m := newMemtable()
	m.put("a", []byte("one"))
	m.put("b", []byte("two"))

	snap := m.snapshot()
	if len(snap) != 2 || snap[0].key != "a" || snap[1].key != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// Mutações após o snapshot não afetam a cópia
	m.put("c", []byte("three"))
	m.delete("a")
	if len(snap) != 2 || snap[0].key != "a" {
		t.Fatal("snapshot mutated by later writes")
	}
}
