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

// Package shell is the sole point at which chunkdrive invokes external
// utilities (mkfs.*, mount, umount, nbd-client, modprobe, chown).
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and captures its output. Production
// code uses execRunner; tests inject a fake so lifecycle logic never spawns
// real subprocesses.
type Runner interface {
	Run(ctx context.Context, argv []string, opts ...Option) (string, error)
}

type runConfig struct {
	stdin []byte
	check bool
}

type Option func(*runConfig)

// WithStdin feeds b to the command's standard input.
func WithStdin(b []byte) Option {
	return func(c *runConfig) { c.stdin = b }
}

// WithCheck controls whether a non-zero exit becomes an error. Defaults to
// true; pass WithCheck(false) for best-effort teardown calls.
func WithCheck(check bool) Option {
	return func(c *runConfig) { c.check = check }
}

type execRunner struct{}

// New returns the production Runner, which shells out via os/exec.
func New() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, argv []string, opts ...Option) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("running command: empty argv")
	}

	cfg := runConfig{check: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cfg.stdin != nil {
		cmd.Stdin = bytes.NewReader(cfg.stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil && cfg.check {
		return out, fmt.Errorf("running %s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
