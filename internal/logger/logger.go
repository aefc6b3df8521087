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

// Package logger is the process-wide leveled logger for chunkdrive. Any
// command, including the detached NBD server (internal-serve), logs through
// a rotated file when a log file path is configured, and to stderr
// otherwise; the detached server is not given a log file path by the
// process that spawns it.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Custom levels. slog only defines Debug/Info/Warn/Error; Trace sits below
// Debug and Off sits above Error so nothing is emitted.
const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelOff   slog.Level = 100
)

// RotateConfig mirrors lumberjack's knobs directly; kept separate so callers
// don't need to import lumberjack themselves.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 10, BackupFileCount: 5, Compress: true}
}

type loggerFactory struct {
	mu       sync.Mutex
	file     *lumberjack.Logger
	format   string
	level    string
	levelVar *slog.LevelVar
	rotate   RotateConfig
}

var (
	defaultLoggerFactory = &loggerFactory{
		format:   "text",
		level:    INFO,
		levelVar: new(slog.LevelVar),
		rotate:   DefaultRotateConfig(),
	}
	defaultLogger = slog.New(defaultLoggerFactory.handler(os.Stderr))
)

func init() {
	setLoggingLevel(defaultLoggerFactory.level, defaultLoggerFactory.levelVar)
}

func (f *loggerFactory) handler(w io.Writer) slog.Handler {
	if f.format == "json" {
		return newJSONHandler(w, f.levelVar)
	}
	return newTextHandler(w, f.levelVar)
}

// SetLogFormat switches between "text" and "json" rendering. Anything other
// than "json" is rendered as "text".
func SetLogFormat(format string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.format = format
	w := io.Writer(os.Stderr)
	if defaultLoggerFactory.file != nil {
		w = defaultLoggerFactory.file
	}
	defaultLogger = slog.New(defaultLoggerFactory.handler(w))
}

// SetLoggingLevel adjusts the live level without rebuilding the handler.
func SetLoggingLevel(level string) {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()
	defaultLoggerFactory.level = level
	setLoggingLevel(level, defaultLoggerFactory.levelVar)
}

func setLoggingLevel(level string, levelVar *slog.LevelVar) {
	switch level {
	case TRACE:
		levelVar.Set(LevelTrace)
	case DEBUG:
		levelVar.Set(LevelDebug)
	case INFO:
		levelVar.Set(LevelInfo)
	case WARNING:
		levelVar.Set(LevelWarn)
	case ERROR:
		levelVar.Set(LevelError)
	case OFF:
		levelVar.Set(LevelOff)
	default:
		levelVar.Set(LevelInfo)
	}
}

// InitLogFile points the default logger at a rotated file on disk. The root
// command calls it for every subcommand when a log file path is configured.
func InitLogFile(path string, format string, level string, rotate RotateConfig) error {
	defaultLoggerFactory.mu.Lock()
	defer defaultLoggerFactory.mu.Unlock()

	defaultLoggerFactory.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotate.MaxFileSizeMB,
		MaxBackups: rotate.BackupFileCount,
		Compress:   rotate.Compress,
	}
	defaultLoggerFactory.format = format
	defaultLoggerFactory.level = level
	defaultLoggerFactory.rotate = rotate
	setLoggingLevel(level, defaultLoggerFactory.levelVar)
	defaultLogger = slog.New(defaultLoggerFactory.handler(defaultLoggerFactory.file))
	return nil
}

func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }

func Trace(msg string) { logf(LevelTrace, "%s", msg) }
func Debug(msg string) { logf(LevelDebug, "%s", msg) }
func Info(msg string)  { logf(LevelInfo, "%s", msg) }
func Warn(msg string)  { logf(LevelWarn, "%s", msg) }
func Error(msg string) { logf(LevelError, "%s", msg) }

// Panicf logs at error level and then panics, for invariant violations that
// the caller has decided should crash the process (never used on the NBD
// command loop itself, which must never crash on a per-command error).
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logf(LevelError, msg)
	panic(msg)
}

func logf(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	defaultLogger.Log(context.Background(), level, msg)
}
