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

// Package forwarder implements the forwarding engine and management surface
// of spec.md §4.6/§4.7: an HTTP listener that classifies each request,
// retries across rotation-pool tokens on auth/rate-limit failures, and
// exposes authenticated introspection endpoints.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"rrproxy/internal/authpool"
	"rrproxy/internal/config"
	"rrproxy/internal/eventlog"
	"rrproxy/internal/rules"
	"rrproxy/internal/trace"
)

const (
	maxRequestBody    = 10 * 1024 * 1024
	maxResponseBody   = 10 * 1024 * 1024
	upstreamTimeout   = 25 * time.Second
	streamChunkSize   = 8 * 1024
)

// Engine wires the rotation pool, trace buffer, and event log behind one
// HTTP server (spec.md §4.6).
type Engine struct {
	settings config.Settings
	pool     *authpool.Pool
	traces   *trace.Store
	log      *eventlog.Logger

	upstreamScheme   string
	upstreamHost     string
	upstreamPort     int
	upstreamBasePath string

	client *http.Client

	server     *http.Server
	listener   net.Listener
	boundHost  string
	boundPort  int
	pid        int
}

// New validates settings and constructs an Engine. It does not bind a
// listener or load tokens yet — call Reload, then Listen, then Serve.
func New(settings config.Settings, pool *authpool.Pool, traces *trace.Store, logger *eventlog.Logger) (*Engine, error) {
	scheme, host, port, basePath, err := rules.ParseUpstream(settings.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if host == "" {
		return nil, errors.New("upstream host is empty")
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: upstreamTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   upstreamTimeout,
		ResponseHeaderTimeout: upstreamTimeout,
	}

	return &Engine{
		settings:         settings,
		pool:             pool,
		traces:           traces,
		log:              logger,
		upstreamScheme:   scheme,
		upstreamHost:     host,
		upstreamPort:     port,
		upstreamBasePath: basePath,
		client:           &http.Client{Transport: transport},
		pid:              os.Getpid(),
	}, nil
}

// Reload re-reads token files from disk and replaces the rotation pool's
// state (spec.md §4.1/§4.2). It returns the number of records loaded.
func (e *Engine) Reload() int {
	records := authpool.LoadRecords(e.settings.AuthDir)
	e.pool.Load(records)
	return len(records)
}

// Listen validates the startup preconditions (spec.md §4.6) and binds the
// listening socket, resolving an ephemeral port (0) to the actual bound
// port.
func (e *Engine) Listen() error {
	if !rules.IsLoopbackHost(e.settings.Host) && !e.settings.AllowNonLoopback {
		return errors.New("non-loopback bind blocked; set CLIPROXY_ALLOW_NON_LOOPBACK to override")
	}
	if e.settings.ManagementKey == "" {
		return errors.New("management key required")
	}

	addr := net.JoinHostPort(e.settings.Host, fmt.Sprintf("%d", e.settings.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	e.listener = ln
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		host = e.settings.Host
		portStr = fmt.Sprintf("%d", e.settings.Port)
	}
	e.boundHost = host
	fmt.Sscanf(portStr, "%d", &e.boundPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/", e.serveHTTP)
	e.server = &http.Server{Handler: mux}
	return nil
}

// Serve accepts connections until Shutdown is called. It blocks until the
// server stops (spec.md §5: no forced interruption of in-flight handlers).
func (e *Engine) Serve() error {
	if e.listener == nil {
		return errors.New("engine not listening; call Listen first")
	}
	err := e.server.Serve(e.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits (bounded by ctx) for
// in-flight handlers to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}

// InitiateShutdown triggers an asynchronous graceful stop, used by the
// /shutdown management route (spec.md §4.7) so the HTTP response can be
// sent before the listener actually closes.
func (e *Engine) InitiateShutdown() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(ctx); err != nil {
			log.Printf("forwarder: shutdown error: %v", err)
		}
	}()
}

// BoundHost and BoundPort report the actual listening address, which may
// differ from settings.Port when an ephemeral port (0) was requested.
func (e *Engine) BoundHost() string { return e.boundHost }
func (e *Engine) BoundPort() int    { return e.boundPort }
