// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Store License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// recordLoc aponta o valor de uma chave dentro do data file.
type recordLoc struct {
	off  int64
	size uint32
}

// DataFile é o destino da eviction: registros chave/valor append-only com
// índice em memória, reconstruído por scan na abertura. A última ocorrência
// de uma chave vence.
type DataFile struct {
	path          string
	throttleWrite func(int64)
	throttleRead  func(int64)

	mu      sync.Mutex
	f       *os.File
	tracked *TrackedFile
	index   map[string]recordLoc
	size    int64
}

// OpenDataFile abre (ou cria) o data file e reconstrói o índice.
func OpenDataFile(path string, files *FileSet, throttleWrite, throttleRead func(int64)) (*DataFile, error) {
	if throttleWrite == nil {
		throttleWrite = func(int64) {}
	}
	if throttleRead == nil {
		throttleRead = func(int64) {}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}

	df := &DataFile{
		path:          path,
		throttleWrite: throttleWrite,
		throttleRead:  throttleRead,
		f:             f,
		tracked:       files.Track(f),
		index:         make(map[string]recordLoc),
	}

	if err := df.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return df, nil
}

// rebuildIndex varre o arquivo inteiro. Um registro final truncado (crash
// no meio da eviction) é descartado junto com o rabo do arquivo.
func (df *DataFile) rebuildIndex() error {
	info, err := df.f.Stat()
	if err != nil {
		return fmt.Errorf("stat data file: %w", err)
	}
	fileSize := info.Size()

	var off int64
	header := make([]byte, 8)
	for {
		if _, err := df.f.ReadAt(header, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("scanning data file: %w", err)
		}
		klen := binary.BigEndian.Uint32(header[0:4])
		vlen := binary.BigEndian.Uint32(header[4:8])

		key := make([]byte, klen)
		if _, err := df.f.ReadAt(key, off+8); err != nil {
			break
		}
		valOff := off + 8 + int64(klen)
		recEnd := valOff + int64(vlen)
		if recEnd > fileSize {
			break
		}

		df.index[string(key)] = recordLoc{off: valOff, size: vlen}
		off = recEnd
	}

	df.size = off
	if err := df.f.Truncate(off); err != nil {
		return fmt.Errorf("truncating data file tail: %w", err)
	}
	return nil
}

// AppendEvicted grava as entradas removidas do memtable, uma a uma, pagando
// o throttle de eviction por registro.
func (df *DataFile) AppendEvicted(entries []*memEntry) error {
	for _, entry := range entries {
		rec := make([]byte, 8+len(entry.key)+len(entry.value))
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(entry.key)))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(entry.value)))
		copy(rec[8:], entry.key)
		copy(rec[8+len(entry.key):], entry.value)

		df.throttleWrite(int64(len(rec)))

		df.mu.Lock()
		off := df.size
		if _, err := df.f.WriteAt(rec, off); err != nil {
			df.mu.Unlock()
			return fmt.Errorf("appending evicted record: %w", err)
		}
		df.size += int64(len(rec))
		df.index[entry.key] = recordLoc{off: off + 8 + int64(len(entry.key)), size: uint32(len(entry.value))}
		df.tracked.MarkDirty()
		df.mu.Unlock()
	}
	return nil
}

// Get lê o valor da chave pagando o throttle de leitura. Retorna false se a
// chave nunca foi evictada para este arquivo.
func (df *DataFile) Get(key string) ([]byte, bool, error) {
	df.mu.Lock()
	loc, ok := df.index[key]
	df.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	df.throttleRead(int64(loc.size))

	val := make([]byte, loc.size)
	if _, err := df.f.ReadAt(val, loc.off); err != nil {
		return nil, false, fmt.Errorf("reading value for %q: %w", key, err)
	}
	return val, true, nil
}

// Count retorna o número de chaves indexadas.
func (df *DataFile) Count() int {
	df.mu.Lock()
	defer df.mu.Unlock()
	return len(df.index)
}

// Size retorna o tamanho lógico do arquivo.
func (df *DataFile) Size() int64 {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.size
}
