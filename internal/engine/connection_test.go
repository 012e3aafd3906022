// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/nishisan-dev/n-store/internal/config"
	"github.com/nishisan-dev/n-store/internal/logging"
)

func testConfig(t *testing.T, dir string) *config.EngineConfig {
	t.Helper()
	cfg := &config.EngineConfig{}
	cfg.Engine.Name = "test"
	cfg.Engine.Dir = dir
	cfg.Log.SegmentSize = "64kb"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func openTest(t *testing.T, cfg *config.EngineConfig) *Connection {
	t.Helper()
	conn, err := Open(cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return conn
}

func TestConnection_PutGet(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	conn := openTest(t, cfg)
	defer conn.Close()

	if err := conn.Put("key", []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, err := conn.Get("key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(val, []byte("value")) {
		t.Fatalf("expected %q, got %q", "value", val)
	}

	if _, err := conn.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConnection_RecoveryFromWAL(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	conn := openTest(t, cfg)
	for i := 0; i < 10; i++ {
		if err := conn.Put(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	conn = openTest(t, testConfig(t, dir))
	defer conn.Close()

	for i := 0; i < 10; i++ {
		val, err := conn.Get(fmt.Sprintf("k%d", i))
		if err != nil {
			t.Fatalf("Get k%d after recovery: %v", i, err)
		}
		if want := fmt.Sprintf("v%d", i); string(val) != want {
			t.Fatalf("k%d: expected %q, got %q", i, want, val)
		}
	}
}

func TestConnection_EvictionSpillsToDataFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Memtable.BudgetRaw = 1024

	conn := openTest(t, cfg)
	defer conn.Close()

	value := make([]byte, 200)
	for i := 0; i < 20; i++ {
		if err := conn.Put(fmt.Sprintf("key-%02d", i), value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if conn.DataKeys() == 0 {
		t.Fatal("expected evicted keys in the data file")
	}
	if conn.MemtableSize() > 2*cfg.Memtable.BudgetRaw {
		t.Fatalf("memtable far over budget: %d", conn.MemtableSize())
	}

	// Chaves evictadas continuam legíveis (classe read)
	val, err := conn.Get("key-00")
	if err != nil {
		t.Fatalf("Get evicted key: %v", err)
	}
	if !bytes.Equal(val, value) {
		t.Fatal("evicted value corrupted")
	}

	snap := conn.CapacityStats()
	if snap.EvictCalls == 0 {
		t.Error("expected eviction throttle calls")
	}
	if snap.ReadCalls == 0 {
		t.Error("expected read throttle calls")
	}
}

func TestConnection_CheckpointAndRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	conn := openTest(t, cfg)
	for i := 0; i < 5; i++ {
		if err := conn.Put(fmt.Sprintf("c%d", i), []byte("ckpt")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := conn.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// Escritas após o checkpoint ficam só no WAL
	if err := conn.Put("after", []byte("wal-only")); err != nil {
		t.Fatalf("Put after checkpoint: %v", err)
	}

	snap := conn.CapacityStats()
	if snap.CkptCalls == 0 {
		t.Error("expected checkpoint throttle calls")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	conn = openTest(t, testConfig(t, dir))
	defer conn.Close()

	for i := 0; i < 5; i++ {
		if _, err := conn.Get(fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("Get c%d from checkpoint: %v", i, err)
		}
	}
	val, err := conn.Get("after")
	if err != nil {
		t.Fatalf("Get post-checkpoint key: %v", err)
	}
	if string(val) != "wal-only" {
		t.Fatalf("expected wal-only, got %q", val)
	}
}

func TestConnection_ThrottledWritesFeedFlusherStats(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.IOCapacity.TotalRaw = 100 * 1024 * 1024 // 100MB/s — folgado, sem dormidas longas

	conn := openTest(t, cfg)
	defer conn.Close()

	if err := conn.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := conn.CapacityStats()
	if snap.LogCalls == 0 {
		t.Error("expected log throttle calls")
	}
	if snap.BytesWritten == 0 {
		t.Error("expected bytes_written to accumulate")
	}
	if snap.Threshold == 0 {
		t.Error("expected derived flush threshold")
	}
}

func TestConnection_ReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()

	// Prepara dados com uma conexão normal
	conn := openTest(t, testConfig(t, dir))
	if err := conn.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	conn.Close()

	cfg := testConfig(t, dir)
	cfg.Engine.ReadOnly = true
	conn = openTest(t, cfg)
	defer conn.Close()

	if err := conn.Put("x", []byte("y")); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if err := conn.Checkpoint(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for checkpoint, got %v", err)
	}
	if _, err := conn.Get("k"); err != nil {
		t.Fatalf("read-only Get: %v", err)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn := openTest(t, testConfig(t, t.TempDir()))

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := conn.Put("k", []byte("v")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
	if _, err := conn.Get("k"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}
}
