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

package logger

import (
	"bytes"
	"log/slog"
	"os"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(LevelInfo)
	h := newTextHandler(&buf, lvl)
	logger := slog.New(h)
	logger.Info("drive mounted")

	line := buf.String()
	re := regexp.MustCompile(`^time="[0-9/: .]{26}" severity=INFO message="drive mounted"\n$`)
	assert.Regexp(t, re, line)
}

func TestJSONHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(LevelInfo)
	h := newJSONHandler(&buf, lvl)
	logger := slog.New(h)
	logger.Warn("chunk 3 rehashed")

	line := buf.String()
	re := regexp.MustCompile(`^\{"timestamp":\{"seconds":\d+,"nanos":\d+\},"severity":"WARNING","message":"chunk 3 rehashed"\}\n$`)
	assert.Regexp(t, re, line)
}

func TestHandlerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(LevelWarn)
	h := newTextHandler(&buf, lvl)

	require.False(t, h.Enabled(nil, LevelInfo))
	require.True(t, h.Enabled(nil, LevelWarn))
	require.True(t, h.Enabled(nil, LevelError))
}

func TestSeverityName(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{LevelTrace, TRACE},
		{LevelDebug, DEBUG},
		{LevelInfo, INFO},
		{LevelWarn, WARNING},
		{LevelError, ERROR},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, severityName(c.level))
	}
}

func TestSetLoggingLevelUnknownDefaultsToInfo(t *testing.T) {
	v := new(slog.LevelVar)
	setLoggingLevel("NOT_A_LEVEL", v)
	assert.Equal(t, LevelInfo, v.Level())
}

func TestInitLogFileWritesToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/chunkdrive.log"
	require.NoError(t, InitLogFile(path, "text", DEBUG, DefaultRotateConfig()))
	Infof("drive %s mounted at %s", "alpha", "/mnt/alpha")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "drive alpha mounted at /mnt/alpha")
}
