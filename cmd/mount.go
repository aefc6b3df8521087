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

var mountCmd = &cobra.Command{
	Use:   "mount <name>",
	Short: "Start a drive's detached server and mount its filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := manager().Mount(cmd.Context(), name); err != nil {
			return fmt.Errorf("mount %s: %w", name, err)
		}
		logger.Infof("mounted drive %s", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
}
