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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"chunkdrive/internal/lifecycle"
	"chunkdrive/internal/logger"
)

var (
	createSizeMB  int64
	createChunkMB int64
	createFS      string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Allocate a new drive's chunk files and format it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		m := manager()
		if err := m.Create(cmd.Context(), lifecycle.CreateOptions{
			Name:    name,
			SizeMB:  createSizeMB,
			ChunkMB: createChunkMB,
			FS:      createFS,
		}); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		logger.Infof("created drive %s (%d MB, %d MB chunks, %s)", name, createSizeMB, createChunkMB, createFS)
		return nil
	},
}

func init() {
	createCmd.Flags().Int64Var(&createSizeMB, "size-mb", 1024, "Total drive size in megabytes.")
	createCmd.Flags().Int64Var(&createChunkMB, "chunk-mb", 64, "Chunk file size in megabytes.")
	createCmd.Flags().StringVar(&createFS, "fs", "ext4", "Filesystem to format the drive with: ext4 or btrfs.")
	rootCmd.AddCommand(createCmd)
}
