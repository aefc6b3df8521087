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

package vdisk

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkdrive/internal/chunkstore"
)

const testChunkSize = 4096

func mustCreateDisk(t *testing.T, total, maxOpenFiles int) *VirtualDisk {
	t.Helper()
	dir := t.TempDir()
	_, err := chunkstore.CreateInitialChunks(dir, "d1", total, testChunkSize)
	require.NoError(t, err)

	d, err := Open(dir, "d1", testChunkSize, total, maxOpenFiles, false)
	require.NoError(t, err)
	return d
}

func TestReadAfterWriteWithinOneChunk(t *testing.T) {
	d := mustCreateDisk(t, 2, 8)
	data := []byte("hello chunkdrive")
	require.NoError(t, d.Write(100, data))

	got, err := d.Read(100, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadAfterWriteCrossesChunkBoundary(t *testing.T) {
	d := mustCreateDisk(t, 4, 8)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	offset := int64(testChunkSize - 3)
	require.NoError(t, d.Write(offset, data))

	got, err := d.Read(offset, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadPastEndOfDeviceClamps(t *testing.T) {
	d := mustCreateDisk(t, 2, 8)
	total := int64(2 * testChunkSize)

	got, err := d.Read(total-4, 16)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestReadAtOrPastTotalSizeReturnsEmpty(t *testing.T) {
	d := mustCreateDisk(t, 2, 8)
	total := int64(2 * testChunkSize)

	got, err := d.Read(total, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSparseReadOfFreshChunkIsZeroFilled(t *testing.T) {
	d := mustCreateDisk(t, 1, 8)
	got, err := d.Read(0, 1024)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0}, 1024), got)
}

func TestWriteOnReadOnlyDiskFails(t *testing.T) {
	dir := t.TempDir()
	_, err := chunkstore.CreateInitialChunks(dir, "d1", 1, testChunkSize)
	require.NoError(t, err)
	d, err := Open(dir, "d1", testChunkSize, 1, 8, true)
	require.NoError(t, err)

	err = d.Write(0, []byte("nope"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestReadMissingChunkFails(t *testing.T) {
	d := mustCreateDisk(t, 1, 8)
	// total_chunks reported as 2 but only chunk 0 exists on disk.
	d.totalChunks = 2
	d.totalSize = 2 * testChunkSize

	_, err := d.Read(testChunkSize, 16)
	assert.ErrorIs(t, err, ErrChunkMissing)
}

func TestLRUBoundHeldUnderPressure(t *testing.T) {
	d := mustCreateDisk(t, 5, 2)

	for _, idx := range []int64{0, 1, 2, 3, 4, 0} {
		_, err := d.Read(idx*testChunkSize, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, d.Stat().OpenHandles, 2)
	}
	assert.Equal(t, 2, d.Stat().OpenHandles)
}

func TestReadPropagatesNonEOFReadAtError(t *testing.T) {
	d := mustCreateDisk(t, 1, 8)
	_, err := d.Read(0, 1)
	require.NoError(t, err)

	cached, ok := d.openFiles.Peek(0)
	require.True(t, ok)
	f := cached.(*os.File)
	require.NoError(t, f.Close())

	_, err = d.Read(0, 16)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrChunkMissing)
}

func TestSyncDoesNotErrorWithNoWrites(t *testing.T) {
	d := mustCreateDisk(t, 2, 8)
	_, err := d.Read(0, 1)
	require.NoError(t, err)
	assert.NoError(t, d.Sync())
}

func TestCloseClearsOpenHandles(t *testing.T) {
	d := mustCreateDisk(t, 2, 8)
	_, err := d.Read(0, 1)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.Stat().OpenHandles)
}
