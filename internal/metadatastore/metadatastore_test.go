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

package metadatastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkdrive/internal/chunkstore"
)

func TestInitializeAndGetMeta(t *testing.T) {
	ctx := context.Background()
	store := Open(filepath.Join(t.TempDir(), "d1.db"))

	require.NoError(t, store.Initialize(ctx, map[string]string{
		"chunk_size_mb": "4",
		"total_chunks":  "4",
		"fs":            "ext4",
	}))

	value, ok, err := store.GetMeta(ctx, "fs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ext4", value)

	_, ok, err = store.GetMeta(ctx, "missing-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateChunkAndGetChunksOrdered(t *testing.T) {
	ctx := context.Background()
	store := Open(filepath.Join(t.TempDir(), "d1.db"))
	require.NoError(t, store.Initialize(ctx, nil))

	now := time.Now().UTC().Truncate(time.Microsecond)
	records := []chunkstore.Record{
		{Index: 2, Hash: "cccccccccccccccc", Filename: "d1.002.cccccccccccccccc.img", SizeBytes: 4096, ModTime: now},
		{Index: 0, Hash: "aaaaaaaaaaaaaaaa", Filename: "d1.000.aaaaaaaaaaaaaaaa.img", SizeBytes: 4096, ModTime: now},
		{Index: 1, Hash: "bbbbbbbbbbbbbbbb", Filename: "d1.001.bbbbbbbbbbbbbbbb.img", SizeBytes: 4096, ModTime: now},
	}
	for _, r := range records {
		require.NoError(t, store.UpdateChunk(ctx, r))
	}

	got, err := store.GetChunks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].Index, got[1].Index, got[2].Index})
	assert.Equal(t, "aaaaaaaaaaaaaaaa", got[0].Hash)
	assert.WithinDuration(t, now, got[0].ModTime, time.Millisecond)
}

func TestUpdateChunkUpsertsExistingIndex(t *testing.T) {
	ctx := context.Background()
	store := Open(filepath.Join(t.TempDir(), "d1.db"))
	require.NoError(t, store.Initialize(ctx, nil))

	require.NoError(t, store.UpdateChunk(ctx, chunkstore.Record{
		Index: 0, Hash: "aaaaaaaaaaaaaaaa", Filename: "d1.000.aaaaaaaaaaaaaaaa.img", SizeBytes: 4096, ModTime: time.Now(),
	}))
	require.NoError(t, store.UpdateChunk(ctx, chunkstore.Record{
		Index: 0, Hash: "ffffffffffffffff", Filename: "d1.000.ffffffffffffffff.img", SizeBytes: 4096, ModTime: time.Now(),
	}))

	got, err := store.GetChunks(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ffffffffffffffff", got[0].Hash)
}
