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

package forwarder

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"rrproxy/internal/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// authorizeManagement compares the caller-supplied key against the
// configured management key in constant time (spec.md §4.7).
func (e *Engine) authorizeManagement(r *http.Request) bool {
	provided := r.Header.Get("X-Management-Key")
	expected := e.settings.ManagementKey
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

func (e *Engine) handleManagement(w http.ResponseWriter, r *http.Request, route string) {
	switch route {
	case "debug":
		e.handleDebug(w, r)
	case "trace":
		e.handleTrace(w, r)
	case "health":
		e.handleHealth(w, r)
	case "auth-files":
		e.handleAuthFiles(w, r)
	case "shutdown":
		e.handleShutdown(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown management route"})
	}
}

func (e *Engine) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                  "running",
		"host":                    e.boundHost,
		"port":                    e.boundPort,
		"base_url":                fmt.Sprintf("http://%s:%d", e.boundHost, e.boundPort),
		"auth_dir":                e.settings.AuthDir,
		"auth_count":              e.pool.Count(),
		"upstream_base_url":       e.settings.Upstream,
		"log_request_preview":     false,
		"management_key_required": e.settings.ManagementKey != "",
		"trace_max":               e.traces.MaxSize(),
		"pid":                     e.pid,
		"event_log_file":          e.log.Path(),
	})
}

func (e *Engine) handleTrace(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": e.traces.List(limit),
	})
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		e.Reload()
	}
	telemetry.ObservePoolStats(e.pool.Stats())
	accounts := e.pool.HealthSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       len(accounts) > 0,
		"accounts": accounts,
	})
}

func (e *Engine) handleAuthFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"files": e.pool.AuthFiles(),
		"count": e.pool.Count(),
	})
}

func (e *Engine) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	e.InitiateShutdown()
}
