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

// Package lifecycle orchestrates the create/mount/umount/check state
// machine for a drive. It depends only on leaf packages (chunkstore,
// metadatastore, vdisk, nbd, shell, pidfile) so that orchestration never
// needs to import back from any of them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/kardianos/osext"

	"chunkdrive/internal/chunkstore"
	"chunkdrive/internal/logger"
	"chunkdrive/internal/metadatastore"
	"chunkdrive/internal/pidfile"
	"chunkdrive/internal/shell"
)

// mtimeTolerance is the fingerprint heuristic Check uses to skip rehashing
// a chunk whose stat metadata hasn't observably changed. Preserved exactly
// from the source this system's check semantics were carried over from.
const mtimeTolerance = 1e-4

var (
	ErrDriveNotFound = errors.New("drive not found")
	ErrDriveExists   = errors.New("drive already exists")
	ErrDriveServing  = errors.New("drive already serving")
)

// Manager holds the configuration every lifecycle operation needs. It is
// constructed once per process invocation and passed no global state.
type Manager struct {
	StorageRoot  string
	MountRoot    string
	Device       string
	MaxOpenFiles int
	BlockSize    int64
	Runner       shell.Runner

	// spawn launches the detached server for a drive. It defaults to
	// daemonizeSpawn (a real re-exec via daemonize.Run); tests substitute a
	// fake that just writes the PID file a real internal-serve process would
	// have written once attached, so Create/Mount can be exercised without
	// forking the test binary.
	spawn func(ctx context.Context, name string, chunkMB int64, totalChunks int) error
}

func New(storageRoot, mountRoot, device string, maxOpenFiles int, blockSize int64, runner shell.Runner) *Manager {
	m := &Manager{
		StorageRoot:  storageRoot,
		MountRoot:    mountRoot,
		Device:       device,
		MaxOpenFiles: maxOpenFiles,
		BlockSize:    blockSize,
		Runner:       runner,
	}
	m.spawn = m.daemonizeSpawn
	return m
}

func (m *Manager) driveDir(name string) string { return filepath.Join(m.StorageRoot, name) }
func (m *Manager) dbPath(name string) string   { return filepath.Join(m.driveDir(name), name+".db") }
func (m *Manager) pidPath(name string) string  { return filepath.Join(m.StorageRoot, "."+name+".pid") }
func (m *Manager) mountDir(name string) string { return filepath.Join(m.MountRoot, name) }

// RequireDriveExists is the guard Mount runs first. Check and Umount do not
// call it; Check on a missing drive fails when opening its metadata store.
func (m *Manager) RequireDriveExists(name string) error {
	if _, err := os.Stat(m.driveDir(name)); err != nil {
		return fmt.Errorf("drive %q: %w", name, ErrDriveNotFound)
	}
	return nil
}

// RequireDriveNotServing is the guard Mount runs before spawning a new
// server, enforcing the PID file as the drive's single-writer lock. Create
// does not call it; it refuses any name whose drive directory exists.
func (m *Manager) RequireDriveNotServing(name string) error {
	if pidfile.IsRunning(m.pidPath(name)) {
		return fmt.Errorf("drive %q: %w", name, ErrDriveServing)
	}
	return nil
}

// IsRunning reports whether name currently has a live server process.
func (m *Manager) IsRunning(name string) bool {
	return pidfile.IsRunning(m.pidPath(name))
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	Name    string
	SizeMB  int64
	ChunkMB int64
	FS      string // "ext4" or "btrfs"
}

// Create allocates a drive's chunk files and metadata store, formats it
// through a transient NBD server, and fixes ownership of the result.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) error {
	if _, err := os.Stat(m.driveDir(opts.Name)); err == nil {
		return fmt.Errorf("creating drive %q: %w", opts.Name, ErrDriveExists)
	}

	totalChunks := int(math.Ceil(float64(opts.SizeMB) / float64(opts.ChunkMB)))

	if err := os.MkdirAll(m.driveDir(opts.Name), 0755); err != nil {
		return fmt.Errorf("creating drive directory for %q: %w", opts.Name, err)
	}

	store := metadatastore.Open(m.dbPath(opts.Name))
	if err := store.Initialize(ctx, map[string]string{
		"chunk_size_mb": strconv.FormatInt(opts.ChunkMB, 10),
		"total_chunks":  strconv.Itoa(totalChunks),
		"fs":            opts.FS,
	}); err != nil {
		return fmt.Errorf("initializing metadata for %q: %w", opts.Name, err)
	}

	chunkSizeBytes := opts.ChunkMB * 1024 * 1024
	records, err := chunkstore.CreateInitialChunks(m.driveDir(opts.Name), opts.Name, totalChunks, chunkSizeBytes)
	if err != nil {
		return fmt.Errorf("allocating chunks for %q: %w", opts.Name, err)
	}
	for _, r := range records {
		if err := store.UpdateChunk(ctx, r); err != nil {
			return fmt.Errorf("recording chunk %d for %q: %w", r.Index, opts.Name, err)
		}
	}

	if err := m.spawn(ctx, opts.Name, opts.ChunkMB, totalChunks); err != nil {
		return fmt.Errorf("starting transient server for %q: %w", opts.Name, err)
	}

	_, mkfsErr := m.Runner.Run(ctx, mkfsArgs(opts.FS, m.Device))

	if err := m.terminateServer(ctx, opts.Name); err != nil {
		logger.Errorf("create %s: tearing down transient server: %v", opts.Name, err)
	}

	if mkfsErr != nil {
		return fmt.Errorf("formatting %q as %s: %w", opts.Name, opts.FS, mkfsErr)
	}

	m.chownToSudoUser(ctx, m.driveDir(opts.Name))
	return nil
}

func mkfsArgs(fs, device string) []string {
	switch fs {
	case "btrfs":
		return []string{"mkfs.btrfs", "-f", "-K", "-m", "single", "-d", "single", device}
	default:
		return []string{"mkfs.ext4", "-F", device}
	}
}

// Mount starts the drive's detached server and mounts its filesystem.
func (m *Manager) Mount(ctx context.Context, name string) error {
	if err := m.RequireDriveExists(name); err != nil {
		return err
	}
	if err := m.RequireDriveNotServing(name); err != nil {
		return err
	}

	store := metadatastore.Open(m.dbPath(name))
	chunkMB, totalChunks, fs, err := loadDriveMeta(ctx, store)
	if err != nil {
		return fmt.Errorf("loading metadata for %q: %w", name, err)
	}

	if err := m.spawn(ctx, name, chunkMB, totalChunks); err != nil {
		return fmt.Errorf("mounting %q: %w", name, err)
	}

	mountDir := m.mountDir(name)
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		m.abortMount(ctx, name)
		return fmt.Errorf("creating mount point for %q: %w", name, err)
	}

	args := []string{"mount"}
	if fs == "btrfs" {
		args = append(args, "-o", "compress=zstd")
	}
	args = append(args, m.Device, mountDir)

	if _, err := m.Runner.Run(ctx, args); err != nil {
		m.abortMount(ctx, name)
		return fmt.Errorf("mounting %q: %w", name, err)
	}

	m.chownToSudoUser(ctx, mountDir)
	return nil
}

// abortMount is the best-effort teardown Mount runs when a later step
// fails after the server has already been spawned.
func (m *Manager) abortMount(ctx context.Context, name string) {
	if err := m.terminateServer(ctx, name); err != nil {
		logger.Errorf("mount %s: aborting after failure: %v", name, err)
	}
}

func loadDriveMeta(ctx context.Context, store *metadatastore.Store) (chunkMB int64, totalChunks int, fs string, err error) {
	chunkMBStr, ok, err := store.GetMeta(ctx, "chunk_size_mb")
	if err != nil || !ok {
		return 0, 0, "", fmt.Errorf("chunk_size_mb missing: %w", err)
	}
	totalChunksStr, ok, err := store.GetMeta(ctx, "total_chunks")
	if err != nil || !ok {
		return 0, 0, "", fmt.Errorf("total_chunks missing: %w", err)
	}
	fsVal, ok, err := store.GetMeta(ctx, "fs")
	if err != nil || !ok {
		return 0, 0, "", fmt.Errorf("fs missing: %w", err)
	}

	chunkMB, err = strconv.ParseInt(chunkMBStr, 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("parsing chunk_size_mb: %w", err)
	}
	totalChunks, err = strconv.Atoi(totalChunksStr)
	if err != nil {
		return 0, 0, "", fmt.Errorf("parsing total_chunks: %w", err)
	}
	return chunkMB, totalChunks, fsVal, nil
}

// Umount best-effort unmounts the filesystem, stops the server, and
// reconciles chunk hashes via Check.
func (m *Manager) Umount(ctx context.Context, name string) (CheckResult, error) {
	if _, err := m.Runner.Run(ctx, []string{"umount", m.mountDir(name)}, shell.WithCheck(false)); err != nil {
		logger.Warnf("umount %s: best-effort unmount failed: %v", name, err)
	}

	if _, err := m.Runner.Run(ctx, []string{"nbd-client", "-d", m.Device}, shell.WithCheck(false)); err != nil {
		logger.Warnf("umount %s: nbd-client -d failed: %v", name, err)
	}

	if err := m.terminateServer(ctx, name); err != nil {
		logger.Warnf("umount %s: terminating server: %v", name, err)
	}

	return m.Check(ctx, name)
}

// CheckResult summarizes one Check pass.
type CheckResult struct {
	Changed int
}

// Check reconciles each chunk's on-disk hash with the metadata store,
// renaming chunks whose content changed and refreshing size/mtime for
// chunks whose stat fingerprint moved but whose content didn't. Missing
// chunk files are skipped silently.
func (m *Manager) Check(ctx context.Context, name string) (CheckResult, error) {
	store := metadatastore.Open(m.dbPath(name))
	chunks, err := store.GetChunks(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("checking %q: %w", name, err)
	}

	padding := chunkstore.Padding(len(chunks))
	result := CheckResult{}

	for _, c := range chunks {
		path := filepath.Join(m.driveDir(name), c.Filename)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		mtimeDisk := float64(info.ModTime().UnixNano()) / 1e9
		mtimeDB := float64(c.ModTime.UnixNano()) / 1e9
		if math.Abs(mtimeDisk-mtimeDB) < mtimeTolerance && info.Size() == c.SizeBytes {
			continue
		}

		hash, err := chunkstore.HashFile(path)
		if err != nil {
			return result, fmt.Errorf("rehashing chunk %d of %q: %w", c.Index, name, err)
		}

		if hash == c.Hash {
			updated := c
			updated.SizeBytes = info.Size()
			updated.ModTime = info.ModTime()
			if err := store.UpdateChunk(ctx, updated); err != nil {
				return result, fmt.Errorf("refreshing chunk %d of %q: %w", c.Index, name, err)
			}
			continue
		}

		newName := chunkstore.FormatName(name, c.Index, hash, padding)
		newPath := filepath.Join(m.driveDir(name), newName)
		if err := os.Rename(path, newPath); err != nil {
			return result, fmt.Errorf("renaming chunk %d of %q: %w", c.Index, name, err)
		}
		newInfo, err := os.Stat(newPath)
		if err != nil {
			return result, fmt.Errorf("statting renamed chunk %d of %q: %w", c.Index, name, err)
		}
		if err := store.UpdateChunk(ctx, chunkstore.Record{
			Index:     c.Index,
			Hash:      hash,
			Filename:  newName,
			SizeBytes: newInfo.Size(),
			ModTime:   newInfo.ModTime(),
		}); err != nil {
			return result, fmt.Errorf("recording renamed chunk %d of %q: %w", c.Index, name, err)
		}
		result.Changed++
	}

	return result, nil
}

// daemonizeSpawn re-executes the current binary as a detached internal-serve
// process and blocks until that process signals it has attached to the
// device (or failed to). It is the default value of Manager.spawn.
func (m *Manager) daemonizeSpawn(ctx context.Context, name string, chunkMB int64, totalChunks int) error {
	exe, err := osext.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	args := []string{
		"internal-serve",
		m.StorageRoot,
		name,
		strconv.FormatInt(chunkMB, 10),
		strconv.Itoa(totalChunks),
		m.Device,
		// The child runs the root command's config validation too, and reads
		// its block size and open-file bound from its own flags.
		"--storage-root", m.StorageRoot,
		"--mount-root", m.MountRoot,
		"--nbd-block-size", strconv.FormatInt(m.BlockSize, 10),
		"--nbd-max-open-files", strconv.Itoa(m.MaxOpenFiles),
	}
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		env = append(env, fmt.Sprintf("SUDO_USER=%s", sudoUser))
	}

	if err := daemonize.Run(exe, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	return nil
}

// terminateServer stops the server named by name's PID file, if any, and
// removes the file.
func (m *Manager) terminateServer(ctx context.Context, name string) error {
	pidPath := m.pidPath(name)
	pid, err := pidfile.Read(pidPath)
	if err != nil {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warnf("terminating server for %s (pid %d): %v", name, pid, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pidfile.IsRunning(pidPath) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	return pidfile.Remove(pidPath)
}

// chownToSudoUser fixes ownership of path to $SUDO_USER when set, so a
// drive created or mounted under sudo isn't left owned by root.
func (m *Manager) chownToSudoUser(ctx context.Context, path string) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return
	}
	owner := fmt.Sprintf("%s:%s", sudoUser, sudoUser)
	if _, err := m.Runner.Run(ctx, []string{"chown", "-R", owner, path}, shell.WithCheck(false)); err != nil {
		logger.Warnf("chown -R %s %s: %v", owner, path, err)
	}
}
