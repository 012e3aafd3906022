// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nishisan-dev/n-store/internal/logging"
)

func newTestLogWriter(t *testing.T, dir string, maxSize int64) *LogWriter {
	t.Helper()
	lw, err := NewLogWriter(dir, maxSize, NewFileSet(), nil, nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewLogWriter: %v", err)
	}
	return lw
}

func TestLogWriter_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	lw := newTestLogWriter(t, dir, 1<<20)

	records := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, rec := range records {
		if err := lw.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got [][]byte
	if err := ReplayFrom(dir, 0, func(rec []byte) error {
		got = append(got, append([]byte(nil), rec...))
		return nil
	}); err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}

	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Errorf("record %d: expected %q, got %q", i, records[i], got[i])
		}
	}
}

func TestLogWriter_RotationSealsSegments(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var sealed []string
	onSeal := func(p string) {
		mu.Lock()
		sealed = append(sealed, p)
		mu.Unlock()
	}
	lw, err := NewLogWriter(dir, 256, NewFileSet(), nil, onSeal, logging.Discard())
	if err != nil {
		t.Fatalf("NewLogWriter: %v", err)
	}

	// Cada registro ocupa 8+100 bytes: três appends passam de 256 duas vezes
	rec := make([]byte, 100)
	for i := 0; i < 6; i++ {
		if err := lw.Append(rec); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(sealed) == 0 {
		t.Fatal("no segment sealed after exceeding max size")
	}
	for _, p := range sealed {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("sealed segment missing: %v", err)
		}
	}

	// Replay cobre selados (gzip) + ativo
	var count int
	if err := ReplayFrom(dir, 0, func([]byte) error { count++; return nil }); err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if count != 6 {
		t.Fatalf("expected 6 records across segments, got %d", count)
	}
}

func TestLogWriter_ReopenContinuesActiveSegment(t *testing.T) {
	dir := t.TempDir()

	lw := newTestLogWriter(t, dir, 1<<20)
	if err := lw.Append([]byte("before")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq := lw.ActiveSeq()
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lw = newTestLogWriter(t, dir, 1<<20)
	if lw.ActiveSeq() != seq {
		t.Fatalf("expected to continue segment %d, got %d", seq, lw.ActiveSeq())
	}
	if err := lw.Append([]byte("after")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	lw.Close()

	var got []string
	if err := ReplayFrom(dir, 0, func(rec []byte) error {
		got = append(got, string(rec))
		return nil
	}); err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(got) != 2 || got[0] != "before" || got[1] != "after" {
		t.Fatalf("unexpected records %v", got)
	}
}

func TestLogWriter_TruncatedTailTolerated(t *testing.T) {
	dir := t.TempDir()
	lw := newTestLogWriter(t, dir, 1<<20)
	if err := lw.Append([]byte("complete")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq := lw.ActiveSeq()
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simula crash no meio de um append: header parcial no fim do ativo
	path := filepath.Join(dir, fmt.Sprintf("wal-%06d.log", seq))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("opening segment: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("writing torn tail: %v", err)
	}
	f.Close()

	var got []string
	if err := ReplayFrom(dir, 0, func(rec []byte) error {
		got = append(got, string(rec))
		return nil
	}); err != nil {
		t.Fatalf("ReplayFrom with torn tail: %v", err)
	}
	if len(got) != 1 || got[0] != "complete" {
		t.Fatalf("expected only the complete record, got %v", got)
	}
}

func TestLogWriter_DropThroughRemovesSealed(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var sealed []string
	onSeal := func(p string) {
		mu.Lock()
		sealed = append(sealed, p)
		mu.Unlock()
	}
	lw, err := NewLogWriter(dir, 64, NewFileSet(), nil, onSeal, logging.Discard())
	if err != nil {
		t.Fatalf("NewLogWriter: %v", err)
	}

	rec := make([]byte, 60)
	for i := 0; i < 3; i++ {
		if err := lw.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	active := lw.ActiveSeq()
	if err := lw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := lw.DropThrough(active - 1); err != nil {
		t.Fatalf("DropThrough: %v", err)
	}
	for _, p := range sealed {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("sealed segment %s not dropped", p)
		}
	}
}
