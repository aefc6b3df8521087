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

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(ResolvedPath("")) {
			return data, nil
		}
		resolved, err := ResolvePath(data.(string))
		if err != nil {
			return nil, err
		}
		return resolved, nil
	}
}

// DecodeHook is passed to viper.Unmarshal so every ResolvedPath field is
// canonicalized at bind time instead of at each point of use.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}

// ResolvePath expands a leading "~" against $SUDO_USER's home directory (so
// a path typed under sudo still resolves to the invoking user's home, not
// root's) and otherwise requires the path be absolute. An empty string
// resolves to itself so optional path fields can stay unset.
func ResolvePath(path string) (ResolvedPath, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~") {
		home, err := sudoAwareHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		abs, err := filepath.Abs(strings.Replace(path, "~", home, 1))
		if err != nil {
			return "", fmt.Errorf("resolving path %q: %w", path, err)
		}
		return ResolvedPath(abs), nil
	}

	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute or start with ~: %q", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}
	return ResolvedPath(abs), nil
}

func sudoAwareHomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err != nil {
			return "", fmt.Errorf("looking up SUDO_USER %q: %w", sudoUser, err)
		}
		return u.HomeDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}
