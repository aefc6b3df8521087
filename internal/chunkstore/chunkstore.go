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

// Package chunkstore names, allocates, and hashes the fixed-size backing
// files a drive is made of.
package chunkstore

import (
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// hashWindow is the read buffer size HashFile streams through; matches the
// 4 MiB window the on-disk format is specified against.
const hashWindow = 4 << 20

var filenamePattern = regexp.MustCompile(`^(.+)\.(\d+)\.([0-9a-f]{16})\.img$`)

// Record is one row of chunk bookkeeping, the unit metadatastore persists.
type Record struct {
	Index    int
	Hash     string
	Filename string
	SizeBytes int64
	ModTime  time.Time
}

// Padding returns the zero-pad width for chunk indices under a drive with
// total chunks, at least 3 digits wide.
func Padding(total int) int {
	width := len(strconv.Itoa(total - 1))
	if width < 3 {
		return 3
	}
	return width
}

// FormatName renders the canonical on-disk filename for a chunk.
func FormatName(drive string, index int, hash string, padding int) string {
	return fmt.Sprintf("%s.%0*d.%s.img", drive, padding, index, hash)
}

// ParseFilename recovers the drive name, index, and hash from a filename
// produced by FormatName. It returns ok=false for anything that doesn't
// match the pattern, including the ".tmp" staging names used mid-rename.
func ParseFilename(name string) (drive string, index int, hash string, ok bool) {
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, "", false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", false
	}
	return m[1], idx, m[3], true
}

// HashFile computes the 64-bit xxHash of a file's contents, streamed in
// fixed-size windows so hashing never holds the whole chunk in memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	buf := make([]byte, hashWindow)
	if _, err := io.CopyBuffer(hashWriter{h}, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// hashWriter adapts hash.Hash64 (Write never errors) to io.Writer so
// io.CopyBuffer can drive it without an intermediate allocation per window.
type hashWriter struct {
	h hash.Hash64
}

func (w hashWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

// CreateInitialChunks allocates total chunks of chunkSizeBytes each under
// dir, named for drive, hashes each, and returns their records in index
// order. Each file is written via a ".tmp" staging name and atomically
// renamed to its final content-addressed name only after hashing succeeds,
// so a crash mid-allocation never leaves a file matching the naming
// pattern with a stale hash.
func CreateInitialChunks(dir, drive string, total int, chunkSizeBytes int64) ([]Record, error) {
	padding := Padding(total)
	records := make([]Record, 0, total)

	for index := 0; index < total; index++ {
		tmpName := fmt.Sprintf("%s.%0*d.tmp", drive, padding, index)
		tmpPath := filepath.Join(dir, tmpName)

		record, err := createOne(dir, drive, index, padding, tmpPath, chunkSizeBytes)
		if err != nil {
			return nil, fmt.Errorf("creating chunk %d of %s: %w", index, drive, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func createOne(dir, drive string, index, padding int, tmpPath string, chunkSizeBytes int64) (Record, error) {
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Record{}, fmt.Errorf("opening staging file: %w", err)
	}

	if err := unix.Fallocate(int(f.Fd()), 0, 0, chunkSizeBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Record{}, fmt.Errorf("allocating %d bytes: %w", chunkSizeBytes, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Record{}, fmt.Errorf("closing staging file: %w", err)
	}

	hash, err := HashFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return Record{}, err
	}

	finalName := FormatName(drive, index, hash, padding)
	finalPath := filepath.Join(dir, finalName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Record{}, fmt.Errorf("renaming to %s: %w", finalName, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Record{}, fmt.Errorf("statting %s: %w", finalName, err)
	}

	return Record{
		Index:     index,
		Hash:      hash,
		Filename:  finalName,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

// BelongsTo reports whether filename is a chunk file of drive, used by
// vdisk's directory scan to ignore unrelated entries and other drives'
// chunk files sharing the same storage root.
func BelongsTo(drive, filename string) bool {
	name, _, _, ok := ParseFilename(filename)
	return ok && name == drive && strings.HasSuffix(filename, ".img")
}
