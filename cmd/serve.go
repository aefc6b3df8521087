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

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"chunkdrive/internal/lifecycle"
)

// serveCmd is internal-serve, the hidden entry point the detached child
// daemonize.Run spawns. It is never invoked directly by a user; lifecycle.
// Manager builds its argv.
var serveCmd = &cobra.Command{
	Use:    "internal-serve <storage-root> <name> <chunk-mb> <total-chunks> <device>",
	Hidden: true,
	Args:   cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunkMB, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing chunk-mb: %w", err)
		}
		totalChunks, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("parsing total-chunks: %w", err)
		}

		return lifecycle.RunInternalServe(cmd.Context(), lifecycle.ServeArgs{
			StorageRoot:  args[0],
			Name:         args[1],
			ChunkMB:      chunkMB,
			TotalChunks:  totalChunks,
			Device:       args[4],
			BlockSize:    int64(cfg.NBD.BlockSize),
			MaxOpenFiles: cfg.NBD.MaxOpenFiles,
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
