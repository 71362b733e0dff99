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

package authpool

import (
	"testing"
	"time"
)

func recordsAB() []Record {
	return []Record{
		{Name: "a", Token: "tok-a"},
		{Name: "b", Token: "tok-b"},
	}
}

// TestPool_RoundRobinWithCooldown covers spec scenario 1: picking a then
// cooling it down leaves only b available, repeatedly, until a recovers.
func TestPool_RoundRobinWithCooldown(t *testing.T) {
	p := NewPool()
	p.Load(recordsAB())

	first, ok := p.Pick()
	if !ok || first.Record.Name != "a" {
		t.Fatalf("expected first pick to be a, got %+v ok=%v", first, ok)
	}
	p.MarkCooldown("a", 60)

	second, ok := p.Pick()
	if !ok || second.Record.Name != "b" {
		t.Fatalf("expected second pick to be b while a cools down, got %+v ok=%v", second, ok)
	}

	third, ok := p.Pick()
	if !ok || third.Record.Name != "b" {
		t.Fatalf("expected b again while a is still cooling down, got %+v ok=%v", third, ok)
	}
}

// TestPool_BlacklistThenRecovery covers spec scenario 2: a 401 blacklists the
// only token; two successive probation probes with 2xx restore it to OK.
func TestPool_BlacklistThenRecovery(t *testing.T) {
	p := NewPool()
	p.Load([]Record{{Name: "a", Token: "tok-a"}})

	if _, ok := p.Pick(); !ok {
		t.Fatalf("expected initial pick to succeed")
	}
	p.MarkResult("a", 401, "", nil)

	if _, ok := p.Pick(); ok {
		t.Fatalf("expected no pick immediately after blacklist")
	}

	// Fast-forward past the blacklist TTL into the probation window.
	state := p.states[0]
	state.BlacklistUntil = time.Now().Add(-time.Second)
	state.CooldownUntil = time.Now().Add(-time.Second)
	state.NextProbeAfter = state.BlacklistUntil

	probe1, ok := p.Pick()
	if !ok || probe1.Record.Name != "a" {
		t.Fatalf("expected probation probe 1 to succeed, ok=%v", ok)
	}
	p.MarkResult("a", 200, "", nil)

	if _, ok := p.Pick(); ok {
		t.Fatalf("expected no pick immediately after first probation success (next probe not due)")
	}

	state.NextProbeAfter = time.Now().Add(-time.Second)

	probe2, ok := p.Pick()
	if !ok || probe2.Record.Name != "a" {
		t.Fatalf("expected probation probe 2 to succeed, ok=%v", ok)
	}
	p.MarkResult("a", 200, "", nil)

	if status := state.Status(time.Now()); status != "OK" {
		t.Fatalf("expected status OK after reaching probation target, got %s", status)
	}
	if _, ok := p.Pick(); !ok {
		t.Fatalf("expected token to be pickable again once fully recovered")
	}
}

// TestPool_TokenReplacementResetsBlacklist covers spec scenario 3: reloading
// with a different token for the same name clears blacklist state but
// preserves used/errors.
func TestPool_TokenReplacementResetsBlacklist(t *testing.T) {
	p := NewPool()
	p.Load([]Record{{Name: "a", Token: "tok-old"}})
	p.Pick()
	p.MarkResult("a", 401, "", nil)

	if _, ok := p.Pick(); ok {
		t.Fatalf("expected blacklisted token to be unavailable before reload")
	}

	p.Load([]Record{{Name: "a", Token: "tok-new"}})

	state, ok := p.Pick()
	if !ok || state.Record.Name != "a" {
		t.Fatalf("expected token replacement to clear blacklist, ok=%v", ok)
	}
	if state.Record.Token != "tok-new" {
		t.Fatalf("expected replaced token value, got %s", state.Record.Token)
	}
}

// TestPool_MarkResult_RateLimitBackoffLadder covers the 429 strike ladder
// from spec.md §8: strikes 1..7 map to cooldowns {30,60,120,240,480,900,900}.
func TestPool_MarkResult_RateLimitBackoffLadder(t *testing.T) {
	want := []int{30, 60, 120, 240, 480, 900, 900}
	for i, w := range want {
		if got := rateLimitCooldownSeconds(i + 1); got != w {
			t.Fatalf("strike %d: expected cooldown %d, got %d", i+1, w, got)
		}
	}
}

// TestPool_MarkResult_FifthStrikeBlacklists verifies that the fifth
// consecutive 429 additionally hard-blacklists the token.
func TestPool_MarkResult_FifthStrikeBlacklists(t *testing.T) {
	p := NewPool()
	p.Load([]Record{{Name: "a", Token: "tok-a"}})
	for i := 0; i < 5; i++ {
		p.MarkResult("a", 429, "", nil)
	}
	snap := p.HealthSnapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one health entry, got %d", len(snap))
	}
	if snap[0].BlacklistReason != "rate_limited_persistent" {
		t.Fatalf("expected rate_limited_persistent reason, got %q", snap[0].BlacklistReason)
	}
}

// TestPool_HardFailureBlacklistLadder covers hard failures 1..6 mapping to
// blacklist ttls {900,1800,3600,7200,14400,21600} seconds, capped at 6h.
func TestPool_HardFailureBlacklistLadder(t *testing.T) {
	want := []time.Duration{
		900 * time.Second, 1800 * time.Second, 3600 * time.Second,
		7200 * time.Second, 14400 * time.Second, 21600 * time.Second,
	}
	p := NewPool()
	p.Load([]Record{{Name: "a", Token: "tok-a"}})
	start := time.Now()
	for i, w := range want {
		p.MarkResult("a", 401, "", nil)
		state := p.states[0]
		got := state.BlacklistUntil.Sub(start)
		// Allow a small tolerance for wall-clock drift between start and the
		// mark_result call inside the pool.
		if got < w-time.Second || got > w+2*time.Second {
			t.Fatalf("hard failure %d: expected ttl ~%s, got %s", i+1, w, got)
		}
	}
}

// TestPool_Count_AuthFiles_Stats exercises the plain introspection helpers.
func TestPool_Count_AuthFiles_Stats(t *testing.T) {
	p := NewPool()
	p.Load(recordsAB())
	if p.Count() != 2 {
		t.Fatalf("expected count 2, got %d", p.Count())
	}
	files := p.AuthFiles()
	if len(files) != 2 || files[0] != "a" || files[1] != "b" {
		t.Fatalf("unexpected auth files: %v", files)
	}
	stats := p.Stats()
	if stats["total"] != 2 || stats["ok"] != 2 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
