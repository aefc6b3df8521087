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

// Package config holds the typed, immutable configuration passed through
// chunkdrive's constructors. ResolvePath reads SUDO_USER to expand "~".
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ResolvedPath is absolute once bound, or empty when left unset; see
// ResolvePath.
type ResolvedPath string

type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Logging LoggingConfig `yaml:"logging"`
	NBD     NBDConfig     `yaml:"nbd"`
}

type PathsConfig struct {
	StorageRoot ResolvedPath `yaml:"storage-root"`
	MountRoot   ResolvedPath `yaml:"mount-root"`
}

type LoggingConfig struct {
	Format   string       `yaml:"format"`
	Severity string       `yaml:"severity"`
	FilePath ResolvedPath `yaml:"file-path"`
}

type NBDConfig struct {
	Device       string `yaml:"device"`
	MaxOpenFiles int    `yaml:"max-open-files"`
	BlockSize    int    `yaml:"block-size"`
}

// BindFlags registers every configuration flag and wires it to its viper
// key, following the teacher's one-flag-one-bind-call convention.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("storage-root", "", "", "Absolute path (or ~-relative) under which drive directories are created.")
	if err = viper.BindPFlag("paths.storage-root", flagSet.Lookup("storage-root")); err != nil {
		return err
	}

	flagSet.StringP("mount-root", "", "", "Absolute path (or ~-relative) under which drives are mounted.")
	if err = viper.BindPFlag("paths.mount-root", flagSet.Lookup("mount-root")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format, \"text\" or \"json\".")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a rotated log file. Empty logs to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("nbd-device", "", "/dev/nbd0", "NBD device path to bind the server to.")
	if err = viper.BindPFlag("nbd.device", flagSet.Lookup("nbd-device")); err != nil {
		return err
	}

	flagSet.IntP("nbd-max-open-files", "", 64, "Bound on simultaneously open chunk file handles.")
	if err = viper.BindPFlag("nbd.max-open-files", flagSet.Lookup("nbd-max-open-files")); err != nil {
		return err
	}

	flagSet.IntP("nbd-block-size", "", 4096, "Block size reported to the kernel over the ioctl handshake.")
	if err = viper.BindPFlag("nbd.block-size", flagSet.Lookup("nbd-block-size")); err != nil {
		return err
	}

	return nil
}
