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

// Package config resolves the runtime settings for the reverse proxy from
// flags and environment variables. Env vars are consulted only where the
// caller did not pass an explicit flag value; flags beat env, env beats
// the built-in default.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultHost     = "127.0.0.1"
	DefaultUpstream = "https://chatgpt.com/backend-api"
	DefaultTraceMax = 500

	EnvAuthDir           = "CLIPROXY_AUTH_DIR"
	EnvHost              = "CLIPROXY_HOST"
	EnvPort              = "CLIPROXY_PORT"
	EnvUpstream          = "CLIPROXY_UPSTREAM"
	EnvManagementKey     = "CLIPROXY_MANAGEMENT_KEY"
	EnvAllowNonLoopback  = "CLIPROXY_ALLOW_NON_LOOPBACK"
	EnvTraceMax          = "CLIPROXY_TRACE_MAX"
	EnvMetricsAddr       = "CLIPROXY_METRICS_ADDR"
	defaultAuthDirSuffix = ".codex/_auths"
)

var trueValues = map[string]bool{"1": true, "true": true, "yes": true, "on": true}

// Settings is the immutable runtime configuration for one process (spec.md §3).
type Settings struct {
	AuthDir           string
	Host              string
	Port              int
	Upstream          string
	ManagementKey     string
	AllowNonLoopback  bool
	TraceMax          int
	MetricsAddr       string
}

// Overrides carries the explicit values a caller (flags) wants to apply.
// A nil pointer means "not explicitly set; fall back to env, then default."
type Overrides struct {
	AuthDir          *string
	Host             *string
	Port             *int
	Upstream         *string
	ManagementKey    *string
	AllowNonLoopback *bool
	TraceMax         *int
	MetricsAddr      *string
}

// Build resolves Settings from overrides, environment variables, and defaults,
// in that precedence order: explicit > env > default.
func Build(o Overrides) Settings {
	authDir := firstString(o.AuthDir, os.Getenv(EnvAuthDir), defaultAuthDir())
	host := firstString(o.Host, os.Getenv(EnvHost), DefaultHost)
	upstream := firstString(o.Upstream, os.Getenv(EnvUpstream), DefaultUpstream)
	managementKey := firstString(o.ManagementKey, os.Getenv(EnvManagementKey), "")
	metricsAddr := firstString(o.MetricsAddr, os.Getenv(EnvMetricsAddr), "")

	port := 0
	if o.Port != nil {
		port = *o.Port
	} else {
		port = parsePort(os.Getenv(EnvPort), 0)
	}

	allowNonLoopback := false
	if o.AllowNonLoopback != nil {
		allowNonLoopback = *o.AllowNonLoopback
	} else {
		allowNonLoopback = parseBool(os.Getenv(EnvAllowNonLoopback), false)
	}

	traceMax := DefaultTraceMax
	if o.TraceMax != nil && *o.TraceMax > 0 {
		traceMax = *o.TraceMax
	} else if o.TraceMax == nil {
		traceMax = parsePositiveInt(os.Getenv(EnvTraceMax), DefaultTraceMax)
	}

	return Settings{
		AuthDir:          expandPath(authDir),
		Host:             strings.TrimSpace(host),
		Port:             port,
		Upstream:         strings.TrimSpace(upstream),
		ManagementKey:    strings.TrimSpace(managementKey),
		AllowNonLoopback: allowNonLoopback,
		TraceMax:         traceMax,
		MetricsAddr:      strings.TrimSpace(metricsAddr),
	}
}

// BaseURL formats the configured Host and Port as an http URL. With Port 0
// it does not reflect the ephemeral port chosen at bind time.
func (s Settings) BaseURL() string {
	return "http://" + s.Host + ":" + strconv.Itoa(s.Port)
}

func defaultAuthDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultAuthDirSuffix
	}
	return filepath.Join(home, ".codex", "_auths")
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func firstString(override *string, envValue, fallback string) string {
	if override != nil && strings.TrimSpace(*override) != "" {
		return *override
	}
	if strings.TrimSpace(envValue) != "" {
		return envValue
	}
	return fallback
}

func parseBool(value string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" {
		return fallback
	}
	return trueValues[v]
}

func parsePort(value string, fallback int) int {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || n > 65535 {
		return fallback
	}
	return n
}

func parsePositiveInt(value string, fallback int) int {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
