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

//go:build linux

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/daemonize"

	"chunkdrive/internal/nbd"
	"chunkdrive/internal/pidfile"
	"chunkdrive/internal/shell"
	"chunkdrive/internal/vdisk"
)

// ServeArgs is the hidden internal-serve command's parsed argument set. It
// is deliberately flat so it can be built directly from os.Args without
// re-reading the metadata store the parent process already read.
type ServeArgs struct {
	StorageRoot  string
	Name         string
	ChunkMB      int64
	TotalChunks  int
	Device       string
	BlockSize    int64
	MaxOpenFiles int
}

// RunInternalServe is the body of the detached child daemonize.Run spawns.
// It attaches to the NBD device, writes its own PID file and signals the
// parent once attached, then blocks serving requests until the kernel
// disconnects or it is sent SIGTERM.
func RunInternalServe(ctx context.Context, args ServeArgs) error {
	driveDir := filepath.Join(args.StorageRoot, args.Name)
	chunkSizeBytes := args.ChunkMB * 1024 * 1024

	disk, err := vdisk.Open(driveDir, args.Name, chunkSizeBytes, args.TotalChunks, args.MaxOpenFiles, false)
	if err != nil {
		err = fmt.Errorf("opening virtual disk for %q: %w", args.Name, err)
		daemonize.SignalOutcome(err)
		return err
	}

	totalSize := chunkSizeBytes * int64(args.TotalChunks)
	server := nbd.NewServer(args.Device, args.BlockSize, totalSize, disk, shell.New())

	if err := server.Attach(ctx); err != nil {
		err = fmt.Errorf("attaching %q to %s: %w", args.Name, args.Device, err)
		daemonize.SignalOutcome(err)
		return err
	}

	pidPath := filepath.Join(args.StorageRoot, "."+args.Name+".pid")
	if err := pidfile.Write(pidPath, os.Getpid()); err != nil {
		daemonize.SignalOutcome(err)
		return err
	}

	daemonize.SignalOutcome(nil)

	return server.Serve(ctx)
}
