// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vdisk exposes a directory of content-addressed chunk files as a
// single flat byte-addressable device: the address translator that sits
// between the NBD request loop and the filesystem.
package vdisk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"chunkdrive/internal/chunkstore"
)

// ErrReadOnly is returned by Write on a disk opened read-only.
var ErrReadOnly = fmt.Errorf("virtual disk is read-only")

// ErrChunkMissing is returned when an access lands on an index absent from
// the chunk map; missing chunks are never materialized on demand.
var ErrChunkMissing = fmt.Errorf("chunk missing")

// BlockDevice is the flat byte-addressable surface internal/nbd drives.
// Defining it as an interface lets the NBD request loop be tested against a
// fake without a real directory of chunk files.
type BlockDevice interface {
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
	Sync() error
	Close() error
}

// DiskStats are read-only diagnostics, not part of the core address
// translation but convenient for an operator inspecting a running server.
type DiskStats struct {
	OpenHandles int
	ChunkCount  int
	TotalBytes  int64
}

// VirtualDisk is the default BlockDevice implementation.
type VirtualDisk struct {
	root         string
	name         string
	chunkSize    int64
	totalChunks  int
	totalSize    int64
	readOnly     bool
	maxOpenFiles int

	mu        sync.Mutex
	chunkMap  map[int]string
	openFiles *lru.Cache
}

var _ BlockDevice = (*VirtualDisk)(nil)

// Open scans root for chunk files belonging to name and returns a
// VirtualDisk ready for Read/Write. chunkSize and totalChunks come from the
// metadata store, not from re-deriving them off the directory scan.
func Open(root, name string, chunkSize int64, totalChunks, maxOpenFiles int, readOnly bool) (*VirtualDisk, error) {
	chunkMap, err := scanChunkMap(root, name)
	if err != nil {
		return nil, fmt.Errorf("opening virtual disk %s: %w", name, err)
	}

	d := &VirtualDisk{
		root:         root,
		name:         name,
		chunkSize:    chunkSize,
		totalChunks:  totalChunks,
		totalSize:    chunkSize * int64(totalChunks),
		readOnly:     readOnly,
		maxOpenFiles: maxOpenFiles,
		chunkMap:     chunkMap,
	}

	cache, err := lru.NewWithEvict(maxOpenFiles, d.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating open-file cache: %w", err)
	}
	d.openFiles = cache

	return d, nil
}

func scanChunkMap(root, name string) (map[int]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	chunkMap := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		drive, index, _, ok := chunkstore.ParseFilename(entry.Name())
		if !ok || drive != name {
			continue
		}
		chunkMap[index] = entry.Name()
	}
	return chunkMap, nil
}

// onEvict closes a handle the LRU is dropping. Closing is unconditional;
// durability across eviction is the caller's responsibility via Sync, per
// the documented FLUSH semantics below.
func (d *VirtualDisk) onEvict(_ interface{}, value interface{}) {
	f := value.(*os.File)
	f.Close()
}

// Stat reports read-only diagnostics about the disk's current state.
func (d *VirtualDisk) Stat() DiskStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DiskStats{
		OpenHandles: d.openFiles.Len(),
		ChunkCount:  len(d.chunkMap),
		TotalBytes:  d.totalSize,
	}
}

// ReadOnly reports whether Write will fail on this disk.
func (d *VirtualDisk) ReadOnly() bool { return d.readOnly }

// handle returns the open *os.File for chunk index, opening and caching it
// on a miss. Callers must hold d.mu.
func (d *VirtualDisk) handle(index int) (*os.File, error) {
	if cached, ok := d.openFiles.Get(index); ok {
		return cached.(*os.File), nil
	}

	filename, ok := d.chunkMap[index]
	if !ok {
		return nil, fmt.Errorf("chunk %d: %w", index, ErrChunkMissing)
	}

	flag := os.O_RDONLY
	if !d.readOnly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(filepath.Join(d.root, filename), flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening chunk %d (%s): %w", index, filename, err)
	}

	d.openFiles.Add(index, f)
	return f, nil
}

// Read returns exactly min(length, total_size-offset) bytes, zero-padding
// any sparse hole within an allocated chunk. offset >= total_size returns
// an empty slice.
func (d *VirtualDisk) Read(offset int64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= d.totalSize || length <= 0 {
		return []byte{}, nil
	}
	if offset+int64(length) > d.totalSize {
		length = int(d.totalSize - offset)
	}

	out := make([]byte, 0, length)
	for length > 0 {
		index := int(offset / d.chunkSize)
		inChunk := offset % d.chunkSize
		n := d.chunkSize - inChunk
		if n > int64(length) {
			n = int64(length)
		}

		f, err := d.handle(index)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, n)
		read, err := f.ReadAt(buf, inChunk)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading chunk %d at %d: %w", index, inChunk, err)
		}
		// A short read ending in EOF is a sparse hole past the written
		// extent, matching fallocate'd chunks that have never been written.
		for i := read; i < len(buf); i++ {
			buf[i] = 0
		}

		out = append(out, buf...)
		offset += n
		length -= int(n)
	}
	return out, nil
}

// Write fails on a read-only disk; otherwise it performs unbuffered writes
// split across chunk boundaries transparently to the caller.
func (d *VirtualDisk) Write(offset int64, data []byte) error {
	if d.readOnly {
		return ErrReadOnly
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := data
	for len(remaining) > 0 {
		index := int(offset / d.chunkSize)
		inChunk := offset % d.chunkSize
		n := d.chunkSize - inChunk
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}

		f, err := d.handle(index)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(remaining[:n], inChunk); err != nil {
			return fmt.Errorf("writing chunk %d at offset %d: %w", index, inChunk, err)
		}

		offset += n
		remaining = remaining[n:]
	}
	return nil
}

// Sync fsyncs every currently-open handle. Handles evicted by the LRU
// before Sync is called are not fsynced here — a caller that needs global
// durability across eviction pressure must call Sync proactively rather
// than relying on it after the fact.
func (d *VirtualDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range d.openFiles.Keys() {
		value, ok := d.openFiles.Peek(key)
		if !ok {
			continue
		}
		if err := value.(*os.File).Sync(); err != nil {
			return fmt.Errorf("syncing chunk %v: %w", key, err)
		}
	}
	return nil
}

// Close closes every open handle and clears the cache.
func (d *VirtualDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.openFiles.Purge()
	return nil
}
