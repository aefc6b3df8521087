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

package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkdrive/internal/chunkstore"
	"chunkdrive/internal/pidfile"
	"chunkdrive/internal/shell"
)

// newTestManager wires a Manager whose spawn step writes a PID file for a
// short-lived real child process instead of re-executing the test binary,
// so terminateServer's SIGTERM has a genuine, harmless target.
func newTestManager(t *testing.T) (*Manager, *shell.Fake) {
	t.Helper()
	storageRoot := t.TempDir()
	mountRoot := t.TempDir()
	fake := shell.NewFake()

	m := New(storageRoot, mountRoot, "/dev/nbd0", 8, 4096, fake)
	m.spawn = func(ctx context.Context, name string, chunkMB int64, totalChunks int) error {
		cmd := exec.Command("sleep", "30")
		if err := cmd.Start(); err != nil {
			return err
		}
		return pidfile.Write(m.pidPath(name), cmd.Process.Pid)
	}
	return m, fake
}

func firstChunkFile(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if _, _, _, ok := chunkstore.ParseFilename(e.Name()); ok {
			return e.Name()
		}
	}
	t.Fatalf("no chunk file found in %s", dir)
	return ""
}

func TestCreateInitializesDriveAndFormats(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	err := m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 32, ChunkMB: 8, FS: "ext4"})
	require.NoError(t, err)

	assert.True(t, fake.Invoked("mkfs.ext4"))
	assert.False(t, pidfile.IsRunning(m.pidPath("alpha")), "transient server should be torn down after format")

	entries, err := os.ReadDir(m.driveDir("alpha"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCreateTwiceFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))
	err := m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"})
	assert.ErrorIs(t, err, ErrDriveExists)
}

func TestMountRequiresExistingDrive(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Mount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDriveNotFound)
}

func TestMountBtrfsPassesCompressOption(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "btrfs"}))
	require.NoError(t, m.Mount(ctx, "alpha"))

	assert.Contains(t, fake.JoinedArgs("mount"), "compress=zstd")
	assert.DirExists(t, m.mountDir("alpha"))
	assert.True(t, m.IsRunning("alpha"))
}

func TestMountRejectsAlreadyServingDrive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))
	require.NoError(t, m.Mount(ctx, "alpha"))

	err := m.Mount(ctx, "alpha")
	assert.ErrorIs(t, err, ErrDriveServing)
}

func TestMountFailureTearsDownSpawnedServer(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()
	fake.Stub("mount", shell.FakeResult{Err: assert.AnError})

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))
	err := m.Mount(ctx, "alpha")

	require.Error(t, err)
	assert.False(t, m.IsRunning("alpha"))
}

func TestUmountStopsServerAndChecks(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))
	require.NoError(t, m.Mount(ctx, "alpha"))

	result, err := m.Umount(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Changed)
	assert.True(t, fake.Invoked("umount"))
	assert.False(t, m.IsRunning("alpha"))
}

func TestCheckNoOpWhenNothingChanged(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))

	result, err := m.Check(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Changed)
}

func TestCheckDetectsContentChangeAndRenames(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))

	chunkName := firstChunkFile(t, m.driveDir("alpha"))
	target := filepath.Join(m.driveDir("alpha"), chunkName)
	_, mutatedIndex, _, ok := chunkstore.ParseFilename(chunkName)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(target, []byte("mutated contents that differ from an all-zero chunk"), 0644))

	result, err := m.Check(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Changed)

	remaining, err := os.ReadDir(m.driveDir("alpha"))
	require.NoError(t, err)
	found := false
	for _, e := range remaining {
		if e.Name() != filepath.Base(target) {
			drive, index, hash, ok := chunkstore.ParseFilename(e.Name())
			if ok && drive == "alpha" && index == mutatedIndex && hash != "" {
				found = true
			}
		}
	}
	assert.True(t, found, "expected the mutated chunk to be renamed with its new hash")
}

func TestCheckSkipsMissingChunkFiles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, CreateOptions{Name: "alpha", SizeMB: 16, ChunkMB: 8, FS: "ext4"}))

	chunkName := firstChunkFile(t, m.driveDir("alpha"))
	require.NoError(t, os.Remove(filepath.Join(m.driveDir("alpha"), chunkName)))

	result, err := m.Check(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Changed)
}
