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

	"chunkdrive/internal/logger"
)

var umountCmd = &cobra.Command{
	Use:   "umount <name>",
	Short: "Unmount a drive's filesystem, stop its server, and reconcile chunk hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		result, err := manager().Umount(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("umount %s: %w", name, err)
		}
		logger.Infof("unmounted drive %s (%d chunks changed)", name, result.Changed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(umountCmd)
}
