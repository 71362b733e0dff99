// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package eventlog implements the append-only JSONL event sink written to
// <auth_dir>/rr_proxy_v2.events.jsonl (spec.md §4.5).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileName = "rr_proxy_v2.events.jsonl"

// Logger serializes one JSON object per line, writes protected by a mutex
// against an open-for-append file handle (spec.md §4.5, §5).
type Logger struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Open creates authDir if needed and opens the event log for append,
// keeping a persistent file handle (spec.md §4.5 permits this instead of
// open/write/close per record).
func Open(authDir string) (*Logger, error) {
	path := filepath.Join(authDir, fileName)
	if err := os.MkdirAll(authDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the on-disk location of the event log.
func (l *Logger) Path() string {
	return l.path
}

// Write appends one structured record: ts, level, event, message, plus any
// extra fields (spec.md §4.5). Writes are flushed immediately — the proxy's
// request volume makes per-attempt durability cheap relative to request
// latency, per spec.md §5.
func (l *Logger) Write(level, event, message string, fields map[string]any) {
	record := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		record[k] = toJSONable(v)
	}
	record["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level
	record["event"] = event
	record["message"] = message

	raw, err := json.Marshal(record)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(raw)
	_, _ = l.w.WriteString("\n")
	_ = l.w.Flush()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.w.Flush()
	return l.f.Close()
}

// toJSONable stringifies values encoding/json cannot marshal cleanly,
// matching the original event logger's fallback-to-string behavior.
func toJSONable(v any) any {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
