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
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chunkdrive/internal/config"
	"chunkdrive/internal/lifecycle"
	"chunkdrive/internal/logger"
	"chunkdrive/internal/shell"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	cfg           config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chunkdrive",
	Short: "Present a directory of content-addressed chunk files as an NBD block device",
	Long: `chunkdrive backs a Linux NBD device with a directory of fixed-size,
content-addressed chunk files, letting an ordinary filesystem be created,
mounted, and unmounted on top of it while changes are tracked chunk by
chunk on disk.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		logger.SetLogFormat(cfg.Logging.Format)
		logger.SetLoggingLevel(cfg.Logging.Severity)
		if cfg.Logging.FilePath != "" {
			if err := logger.InitLogFile(string(cfg.Logging.FilePath), cfg.Logging.Format, cfg.Logging.Severity, logger.DefaultRotateConfig()); err != nil {
				return fmt.Errorf("initializing log file: %w", err)
			}
		}
		return validateConfig()
	},
}

func validateConfig() error {
	if cfg.Paths.StorageRoot == "" {
		return fmt.Errorf("--storage-root is required")
	}
	if cfg.Paths.MountRoot == "" {
		return fmt.Errorf("--mount-root is required")
	}
	return nil
}

// manager builds the lifecycle.Manager every subcommand but internal-serve
// shares, from the bound configuration.
func manager() *lifecycle.Manager {
	return lifecycle.New(
		string(cfg.Paths.StorageRoot),
		string(cfg.Paths.MountRoot),
		cfg.NBD.Device,
		cfg.NBD.MaxOpenFiles,
		int64(cfg.NBD.BlockSize),
		shell.New(),
	)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config file")
	bindErr = config.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	// Config's fields are keyed by their yaml tags (e.g. "storage-root").
	yamlTags := func(c *mapstructure.DecoderConfig) { c.TagName = "yaml" }
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&cfg, viper.DecodeHook(config.DecodeHook()), yamlTags)
		return
	}

	resolved, err := config.ResolvePath(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(string(resolved))
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&cfg, viper.DecodeHook(config.DecodeHook()), yamlTags)
}
