// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// TrackedFile é um arquivo do engine com marca de sujeira para o fsync em
// background. Escritores chamam MarkDirty após cada escrita; SyncAll limpa a
// marca antes do fsync, então escritas concorrentes re-marcam e são cobertas
// pelo ciclo seguinte.
type TrackedFile struct {
	f     *os.File
	dirty int32 // atomic
}

// MarkDirty registra que o arquivo tem escritas não sincronizadas.
func (tf *TrackedFile) MarkDirty() {
	atomic.StoreInt32(&tf.dirty, 1)
}

// File expõe o *os.File subjacente.
func (tf *TrackedFile) File() *os.File {
	return tf.f
}

// FileSet é o registro dos arquivos abertos da conexão. O flusher de
// capacidade usa SyncAll como colaborador de fsync assíncrono.
type FileSet struct {
	mu    sync.Mutex
	files []*TrackedFile
}

// NewFileSet cria um FileSet vazio.
func NewFileSet() *FileSet {
	return &FileSet{}
}

// Track passa a acompanhar um arquivo aberto e retorna o handle rastreado.
func (fs *FileSet) Track(f *os.File) *TrackedFile {
	tf := &TrackedFile{f: f}
	fs.mu.Lock()
	fs.files = append(fs.files, tf)
	fs.mu.Unlock()
	return tf
}

// Untrack remove um arquivo do registro (sem fechá-lo).
func (fs *FileSet) Untrack(tf *TrackedFile) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, cur := range fs.files {
		if cur == tf {
			fs.files = append(fs.files[:i], fs.files[i+1:]...)
			return
		}
	}
}

// SyncAll sincroniza todos os arquivos sujos. Idempotente: sem sujeira, não
// toca o disco. A marca é limpa antes do fsync para não perder escritas
// concorrentes.
func (fs *FileSet) SyncAll() error {
	fs.mu.Lock()
	snapshot := make([]*TrackedFile, len(fs.files))
	copy(snapshot, fs.files)
	fs.mu.Unlock()

	for _, tf := range snapshot {
		if !atomic.CompareAndSwapInt32(&tf.dirty, 1, 0) {
			continue
		}
		if err := tf.f.Sync(); err != nil {
			// Devolve a marca: o próximo ciclo tenta de novo (se o erro
			// não for fatal para a conexão)
			atomic.StoreInt32(&tf.dirty, 1)
			return fmt.Errorf("syncing %s: %w", tf.f.Name(), err)
		}
	}
	return nil
}

// CloseAll sincroniza e fecha todos os arquivos, esvaziando o registro.
func (fs *FileSet) CloseAll() error {
	fs.mu.Lock()
	files := fs.files
	fs.files = nil
	fs.mu.Unlock()

	var firstErr error
	for _, tf := range files {
		if atomic.LoadInt32(&tf.dirty) == 1 {
			if err := tf.f.Sync(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("syncing %s: %w", tf.f.Name(), err)
			}
		}
		if err := tf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", tf.f.Name(), err)
		}
	}
	return firstErr
}
