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
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// severityName renders one of our five levels as the upper-case word the
// rest of the pack's tooling expects in its log lines.
func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return TRACE
	case l < LevelInfo:
		return DEBUG
	case l < LevelWarn:
		return INFO
	case l < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

// textHandler renders `time="..." severity=X message="..."` lines. It is
// deliberately minimal: chunkdrive's log lines carry no structured
// attributes, only a formatted message, so WithAttrs/WithGroup are no-ops.
type textHandler struct {
	mu  *sync.Mutex
	w   io.Writer
	lvl *slog.LevelVar
}

func newTextHandler(w io.Writer, lvl *slog.LevelVar) *textHandler {
	return &textHandler{mu: &sync.Mutex{}, w: w, lvl: lvl}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), severityName(r.Level), r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler      { return h }

// jsonHandler renders {"timestamp":{"seconds":N,"nanos":N},"severity":"X","message":"..."}.
type jsonHandler struct {
	mu  *sync.Mutex
	w   io.Writer
	lvl *slog.LevelVar
}

func newJSONHandler(w io.Writer, lvl *slog.LevelVar) *jsonHandler {
	return &jsonHandler{mu: &sync.Mutex{}, w: w, lvl: lvl}
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl.Level()
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
		r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), r.Message)
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler      { return h }
