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
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rrproxy/internal/rules"
	"rrproxy/internal/telemetry"
	"rrproxy/internal/trace"
)

// hopByHopResponseHeaders are never copied back to the client verbatim; the
// Go server computes its own framing.
var hopByHopResponseHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

func (e *Engine) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if route, ok := rules.ManagementRoute(r.URL.Path); ok {
		if !e.authorizeManagement(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized management request"})
			return
		}
		e.handleManagement(w, r, route)
		return
	}
	e.proxyRequest(w, r)
}

func (e *Engine) proxyRequest(w http.ResponseWriter, r *http.Request) {
	body, errStatus, errPayload := readBody(r)
	if errStatus != 0 {
		writeJSON(w, errStatus, errPayload)
		return
	}

	route := rules.TraceRoute(r.URL.Path)
	rewrittenPath := rules.RewriteRequestPath(r.URL.Path, e.upstreamHost, e.upstreamBasePath)
	fullPath := e.joinUpstreamPath(rewrittenPath)

	chatGPTBackend := rules.ChatGPTHosts[strings.ToLower(e.upstreamHost)] &&
		strings.TrimRight(e.upstreamBasePath, "/") == "/backend-api"
	chatGPTResponsesMode := chatGPTBackend && rules.IsPrimaryResponsesPath(rewrittenPath)

	headers := rules.BuildForwardHeaders(r.Header, chatGPTResponsesMode)
	if len(body) > 0 && !rules.HasHeader(headers, "Content-Type") {
		ct := r.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		rules.SetHeader(headers, "Content-Type", ct)
	}
	if chatGPTBackend {
		if !rules.HasHeader(headers, "Origin") {
			rules.SetHeader(headers, "Origin", "https://chatgpt.com")
		}
		if !rules.HasHeader(headers, "Referer") {
			rules.SetHeader(headers, "Referer", "https://chatgpt.com/")
		}
		if !rules.HasHeader(headers, "User-Agent") {
			rules.SetHeader(headers, "User-Agent", "codex-cli")
		}
	}

	requestID := generateRequestID()
	clientIP := clientIPFromRemoteAddr(r.RemoteAddr)
	maxAttempts := e.pool.Count()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	finalStatus := http.StatusServiceUnavailable
	finalHeaders := http.Header{"Content-Type": []string{"application/json"}}
	finalBody := []byte(`{"error":"no auths available"}`)
	var stream io.ReadCloser

	attempt := 0
	for attempt < maxAttempts {
		state, ok := e.pool.Pick()
		if !ok {
			break
		}
		attemptNumber := attempt + 1

		attemptHeaders := make(map[string]string, len(headers)+2)
		for k, v := range headers {
			attemptHeaders[k] = v
		}
		rules.SetHeader(attemptHeaders, "Authorization", "Bearer "+state.Record.Token)
		if chatGPTBackend && state.Record.AccountID != "" {
			rules.SetHeader(attemptHeaders, "chatgpt-account-id", state.Record.AccountID)
		}

		upstreamURL := e.upstreamURL(fullPath, r.URL.RawQuery)
		req, err := http.NewRequest(r.Method, upstreamURL, bytes.NewReader(body))
		var resp *http.Response
		var dispatchErr error
		var latencyMs int64
		if err != nil {
			dispatchErr = err
		} else {
			for k, v := range attemptHeaders {
				req.Header.Set(k, v)
			}
			start := time.Now()
			resp, dispatchErr = e.client.Do(req)
			latencyMs = time.Since(start).Milliseconds()
		}

		var errorCode, errorMessage string
		if stream != nil {
			stream.Close()
			stream = nil
		}

		switch {
		case dispatchErr != nil:
			finalStatus = http.StatusBadGateway
			finalHeaders = http.Header{"Content-Type": []string{"application/json"}}
			finalBody = mustJSON(map[string]any{"error": "upstream request failed", "detail": dispatchErr.Error()})
			errorCode = "upstream_request_failed"
			errorMessage = dispatchErr.Error()
		case isEventStream(resp.Header.Get("Content-Type")):
			finalStatus = resp.StatusCode
			finalHeaders = resp.Header
			finalBody = nil
			stream = resp.Body
		default:
			data, oversize := readUpTo(resp.Body, maxResponseBody)
			resp.Body.Close()
			finalStatus = resp.StatusCode
			finalHeaders = resp.Header
			if oversize {
				finalStatus = http.StatusRequestEntityTooLarge
				finalHeaders = http.Header{"Content-Type": []string{"application/json"}}
				finalBody = mustJSON(map[string]any{"error": "response body too large"})
				errorCode = "response_too_large"
			} else {
				finalBody = data
				errorCode = extractErrorCode(data)
			}
		}

		e.recordAttempt(requestID, r.Method, r.URL.Path, route, finalStatus, latencyMs,
			state.Record.Name, state.Record.Email, attemptNumber, clientIP, errorMessage)
		e.pool.MarkResult(state.Record.Name, finalStatus, errorCode, nil)
		telemetry.ObserveAttempt(finalStatus)
		telemetry.ObserveOutcome(outcomeLabel(finalStatus))

		if finalStatus == http.StatusUnauthorized || finalStatus == http.StatusForbidden || finalStatus == http.StatusTooManyRequests {
			attempt++
			if attempt < maxAttempts {
				continue
			}
		}
		break
	}

	e.writeFinal(w, finalStatus, finalHeaders, finalBody, stream)
}

func (e *Engine) writeFinal(w http.ResponseWriter, status int, headers http.Header, body []byte, stream io.ReadCloser) {
	out := w.Header()
	for key, values := range headers {
		if hopByHopResponseHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}

	if stream != nil {
		defer stream.Close()
		out.Set("Cache-Control", "no-cache")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, streamChunkSize)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}

	out.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (e *Engine) joinUpstreamPath(rewrittenPath string) string {
	base := e.upstreamBasePath
	if base != "" && strings.HasPrefix(rewrittenPath, base+"/") {
		return rewrittenPath
	}
	return base + rewrittenPath
}

func (e *Engine) upstreamURL(path, rawQuery string) string {
	u := fmt.Sprintf("%s://%s:%d%s", e.upstreamScheme, e.upstreamHost, e.upstreamPort, path)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

func (e *Engine) recordAttempt(requestID, method, path, route string, status int, latencyMs int64,
	authFile, authEmail string, attempt int, clientIP, errMsg string) {
	event := trace.Event{
		Ts:        float64(time.Now().UnixNano()) / 1e9,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Route:     route,
		Status:    status,
		LatencyMs: latencyMs,
		AuthFile:  authFile,
		AuthEmail: authEmail,
		Attempt:   attempt,
		ClientIP:  clientIP,
		Error:     errMsg,
	}
	recorded := e.traces.Add(event)
	telemetry.ObserveTraceEvent()

	level := "INFO"
	if status >= 500 {
		level = "WARN"
	}
	fields := map[string]any{
		"id":         recorded.ID,
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"route":      route,
		"status":     status,
		"latency_ms": latencyMs,
		"auth_file":  authFile,
		"attempt":    attempt,
	}
	if authEmail != "" {
		fields["auth_email"] = authEmail
	}
	if clientIP != "" {
		fields["client_ip"] = clientIP
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	e.log.Write(level, "proxy.request", "request attempt completed", fields)
}

func readBody(r *http.Request) ([]byte, int, map[string]any) {
	if raw := r.Header.Get("Content-Length"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, http.StatusBadRequest, map[string]any{"error": "invalid content length"}
		}
		if n > maxRequestBody {
			return nil, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"}
		}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, http.StatusBadRequest, map[string]any{"error": "invalid request body"}
	}
	if int64(len(data)) > maxRequestBody {
		return nil, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"}
	}
	return data, 0, nil
}

func readUpTo(r io.Reader, max int64) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return data, false
	}
	if int64(len(data)) > max {
		return nil, true
	}
	return data, false
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

func extractErrorCode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if nested, ok := payload["error"].(map[string]any); ok {
		if code, ok := nested["code"].(string); ok && code != "" {
			return code
		}
	}
	if code, ok := payload["code"].(string); ok && code != "" {
		return code
	}
	return ""
}

func outcomeLabel(status int) string {
	switch {
	case status >= 200 && status < 400:
		return "success"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "blacklist"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "transient"
	}
}

func clientIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func generateRequestID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(buf)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
