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

// Package main provides the entry point for rrproxy: a local reverse proxy
// that rotates outbound requests across a pool of authorization tokens,
// tracking per-token health (cooldown/blacklist/probation) and exposing a
// small authenticated management surface alongside the forwarding path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rrproxy/internal/authpool"
	"rrproxy/internal/config"
	"rrproxy/internal/eventlog"
	"rrproxy/internal/forwarder"
	"rrproxy/internal/telemetry"
	"rrproxy/internal/trace"
)

func main() {
	authDir := flag.String("auth_dir", "", "Directory holding auth token JSON files (default ~/.codex/_auths)")
	host := flag.String("host", "", "Host/IP to bind (default 127.0.0.1)")
	port := flag.Int("port", -1, "Port to bind (default 0, an ephemeral port)")
	upstream := flag.String("upstream", "", "Upstream base URL (default https://chatgpt.com/backend-api)")
	managementKey := flag.String("management_key", "", "Shared secret required on X-Management-Key for management routes")
	allowNonLoopback := flag.Bool("allow_non_loopback", false, "Permit binding to a non-loopback host")
	traceMax := flag.Int("trace_max", 0, "Capacity of the in-memory trace ring buffer (default 500)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty and --metrics_enabled is set, expose Prometheus /metrics on this address (e.g., :9090)")
	metricsEnabled := flag.Bool("metrics_enabled", false, "Enable Prometheus instrumentation (opt-in)")
	flag.Parse()

	overrides := config.Overrides{}
	if *authDir != "" {
		overrides.AuthDir = authDir
	}
	if *host != "" {
		overrides.Host = host
	}
	if *port >= 0 {
		overrides.Port = port
	}
	if *upstream != "" {
		overrides.Upstream = upstream
	}
	if *managementKey != "" {
		overrides.ManagementKey = managementKey
	}
	if *allowNonLoopback {
		overrides.AllowNonLoopback = allowNonLoopback
	}
	if *traceMax > 0 {
		overrides.TraceMax = traceMax
	}
	if *metricsAddr != "" {
		overrides.MetricsAddr = metricsAddr
	}

	settings := config.Build(overrides)

	if settings.ManagementKey == "" {
		log.Fatal("rrproxy: a management key is required (set --management_key or CLIPROXY_MANAGEMENT_KEY)")
	}

	eventLogger, err := eventlog.Open(settings.AuthDir)
	if err != nil {
		log.Fatalf("rrproxy: could not open event log: %v", err)
	}
	defer eventLogger.Close()

	telemetry.Enable(telemetry.Config{
		Enabled:     *metricsEnabled,
		MetricsAddr: settings.MetricsAddr,
	})

	pool := authpool.NewPool()
	traceStore := trace.NewStore(settings.TraceMax)

	engine, err := forwarder.New(settings, pool, traceStore, eventLogger)
	if err != nil {
		log.Fatalf("rrproxy: could not construct engine: %v", err)
	}

	loaded := engine.Reload()
	if loaded == 0 {
		log.Fatalf("rrproxy: no auth token files found in %s", settings.AuthDir)
	}
	eventLogger.Write("INFO", "startup.tokens_loaded", "loaded auth token files", map[string]any{"count": loaded})

	if err := engine.Listen(); err != nil {
		log.Fatalf("rrproxy: %v", err)
	}

	go func() {
		fmt.Printf("rrproxy listening on %s (upstream %s)\n", fmt.Sprintf("%s:%d", engine.BoundHost(), engine.BoundPort()), settings.Upstream)
		if err := engine.Serve(); err != nil {
			log.Fatalf("rrproxy: server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nrrproxy: shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		log.Fatalf("rrproxy: shutdown failed: %v", err)
	}
	fmt.Println("rrproxy: stopped.")
}
