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

// Package rules holds the pure classification and rewriting functions used
// by the forwarding engine: loopback detection, management-route and
// trace-route classification, the chatgpt-backend path rewrite table, and
// the forward-header builder (spec.md §4.3). None of these functions touch
// I/O or shared state.
package rules

import (
	"net"
	"net/url"
	"strings"
)

// ChatGPTHosts are the upstream hosts eligible for the privileged path
// rewrite and header-filtering rules.
var ChatGPTHosts = map[string]bool{
	"chatgpt.com":     true,
	"chat.openai.com": true,
}

// chatGPTResponsesDropHeaders are always dropped in privileged-responses mode.
var chatGPTResponsesDropHeaders = map[string]bool{
	"originator":                 true,
	"version":                    true,
	"x-codex-beta-features":      true,
	"x-oai-web-search-eligible":  true,
	"x-codex-turn-metadata":      true,
	"session_id":                 true,
	"chatgpt-account-id":         true,
}

// pathRewrites is the ordered prefix-rewrite table for the chatgpt backend
// family (spec.md §4.3). Order matters: the most specific prefix must be
// tried first.
var pathRewrites = []struct {
	from string
	to   string
}{
	{"/v1/responses/compact", "/codex/responses/compact"},
	{"/responses/compact", "/codex/responses/compact"},
	{"/v1/responses", "/codex/responses"},
	{"/responses", "/codex/responses"},
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP literal.
func IsLoopbackHost(host string) bool {
	normalized := strings.ToLower(strings.TrimSpace(host))
	if normalized == "" {
		return false
	}
	if normalized == "localhost" {
		return true
	}
	ip := net.ParseIP(normalized)
	return ip != nil && ip.IsLoopback()
}

// ManagementRoute classifies an exact management path, ignoring any query
// string. It returns ("", false) for anything else (spec.md §4.3).
func ManagementRoute(path string) (string, bool) {
	clean := path
	if idx := strings.IndexByte(clean, '?'); idx >= 0 {
		clean = clean[:idx]
	}
	switch clean {
	case "/debug", "/trace", "/health", "/auth-files", "/shutdown":
		return strings.TrimPrefix(clean, "/"), true
	default:
		return "", false
	}
}

// TraceRoute coarsely classifies a request path for observability (spec.md §4.3).
func TraceRoute(path string) string {
	clean := path
	if idx := strings.IndexByte(clean, '?'); idx >= 0 {
		clean = clean[:idx]
	}
	if strings.HasSuffix(clean, "/compact") {
		return "compact"
	}
	if strings.Contains(clean, "/responses") {
		return "request"
	}
	return "other"
}

// RewriteRequestPath applies the chatgpt-backend path rewrite table when the
// upstream host/base-path match, otherwise returns reqPath unchanged
// (spec.md §4.3).
func RewriteRequestPath(reqPath, upstreamHost, upstreamBasePath string) string {
	host := strings.ToLower(upstreamHost)
	if !ChatGPTHosts[host] {
		return reqPath
	}
	if strings.TrimRight(upstreamBasePath, "/") != "/backend-api" {
		return reqPath
	}
	for _, rw := range pathRewrites {
		if strings.HasPrefix(reqPath, rw.from) {
			return rw.to + reqPath[len(rw.from):]
		}
	}
	return reqPath
}

// IsPrimaryResponsesPath reports whether reqPath (sans query) is exactly
// "/codex/responses" — the path that triggers privileged-responses header
// filtering (spec.md §4.3).
func IsPrimaryResponsesPath(reqPath string) bool {
	clean := reqPath
	if idx := strings.IndexByte(clean, '?'); idx >= 0 {
		clean = clean[:idx]
	}
	return clean == "/codex/responses"
}

// BuildForwardHeaders copies incoming headers, dropping hop-by-hop headers
// always, and — in privileged-responses mode — keeping only an allowlist
// (spec.md §4.3). Header comparison is case-insensitive; the returned map
// preserves the original-cased keys of whatever it keeps.
func BuildForwardHeaders(incoming map[string][]string, chatGPTResponsesMode bool) map[string]string {
	headers := make(map[string]string, len(incoming))
	for key, values := range incoming {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		normalized := strings.ToLower(key)
		switch normalized {
		case "host", "content-length", "connection", "transfer-encoding":
			continue
		}
		if chatGPTResponsesMode {
			if chatGPTResponsesDropHeaders[normalized] || strings.Contains(key, "_") {
				continue
			}
			if normalized == "accept" || normalized == "content-type" || normalized == "content-encoding" ||
				normalized == "user-agent" || strings.HasPrefix(normalized, "x-openai-") || strings.HasPrefix(normalized, "openai-") {
				headers[key] = value
			}
			continue
		}
		headers[key] = value
	}
	return headers
}

// DropHeader removes key from headers, case-insensitively.
func DropHeader(headers map[string]string, key string) {
	lower := strings.ToLower(key)
	for existing := range headers {
		if strings.ToLower(existing) == lower {
			delete(headers, existing)
			return
		}
	}
}

// SetHeader sets key to value in headers, replacing any case-insensitive match.
func SetHeader(headers map[string]string, key, value string) {
	DropHeader(headers, key)
	headers[key] = value
}

// HasHeader reports whether headers contains key, case-insensitively.
func HasHeader(headers map[string]string, key string) bool {
	lower := strings.ToLower(key)
	for existing := range headers {
		if strings.ToLower(existing) == lower {
			return true
		}
	}
	return false
}

// ParseUpstream splits an upstream base URL into scheme/host/port/basePath
// for the forwarding engine (spec.md §4.6).
func ParseUpstream(raw string) (scheme, host string, port int, basePath string, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", 0, "", parseErr
	}
	scheme = u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host = u.Hostname()
	if p := u.Port(); p != "" {
		port = parsePortOrZero(p)
	}
	if port == 0 {
		if scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}
	basePath = strings.TrimRight(u.Path, "/")
	return scheme, host, port, basePath, nil
}

func parsePortOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
