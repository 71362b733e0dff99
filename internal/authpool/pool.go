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
	"sync"
	"time"
)

// Pool is the thread-safe rotation pool of spec.md §4.2: round-robin
// selection over available token states, with cooldown/blacklist/probation
// transitions driven by upstream outcomes. All public methods hold a single
// mutex for short, I/O-free critical sections (spec.md §5).
type Pool struct {
	mu     sync.Mutex
	states []*State
	cursor int
}

// NewPool returns an empty rotation pool.
func NewPool() *Pool {
	return &Pool{}
}

// Load atomically replaces the state list, carrying over prior health state
// by Record.Name: identical tokens keep full history, changed tokens keep
// only Used/Errors and start fresh (spec.md §3, §4.2, §8).
func (p *Pool) Load(records []Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior := make(map[string]*State, len(p.states))
	for _, s := range p.states {
		prior[s.Record.Name] = s
	}

	next := make([]*State, 0, len(records))
	for _, rec := range records {
		state := freshState(rec)
		if prev, ok := prior[rec.Name]; ok {
			state.Used = prev.Used
			state.Errors = prev.Errors
			if prev.Record.Token == rec.Token {
				state.CooldownUntil = prev.CooldownUntil
				state.BlacklistUntil = prev.BlacklistUntil
				state.BlacklistReason = prev.BlacklistReason
				state.ProbationSuccesses = prev.ProbationSuccesses
				state.ProbationTarget = prev.ProbationTarget
				state.NextProbeAfter = prev.NextProbeAfter
				state.RateLimitStrikes = prev.RateLimitStrikes
				state.HardFailures = prev.HardFailures
			}
			// else: token replaced — state keeps the cleared timers/strikes
			// and the not-in-probation counters seeded by freshState above.
		}
		next = append(next, state)
	}
	p.states = next
	if len(p.states) == 0 {
		p.cursor = 0
	} else {
		p.cursor %= len(p.states)
	}
}

// Pick selects the next available token in round-robin order, or reports
// false if no token currently qualifies (spec.md §4.2).
func (p *Pool) Pick() (*State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	available := make([]*State, 0, len(p.states))
	for _, s := range p.states {
		if s.Available(now) {
			available = append(available, s)
		}
	}
	if len(available) == 0 {
		return nil, false
	}

	idx := p.cursor % len(available)
	state := available[idx]
	p.cursor = (p.cursor + 1) % len(available)

	state.Used++
	if state.inProbation() {
		state.NextProbeAfter = now.Add(ProbationProbeInterval)
	}
	return state, true
}

// MarkResult classifies an upstream status for the named token and applies
// the corresponding health transition (spec.md §4.2).
func (p *Pool) MarkResult(name string, status int, errorCode string, cooldownSeconds *int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, s := range p.states {
		if s.Record.Name != name {
			continue
		}
		switch {
		case status >= 200 && status < 400:
			markSuccess(s, now)
		case status == 401 || status == 403:
			reason := "token_invalid"
			if status == 403 {
				reason = "forbidden"
			}
			if errorCode != "" {
				reason = errorCode
			}
			markBlacklist(s, now, reason)
		case status == 429:
			markRateLimited(s, now, cooldownSeconds)
		case status >= 500 || status == 408 || status == 409 || status == 425:
			markTransient(s, now)
		default:
			markTransient(s, now)
		}
		return
	}
}

// MarkCooldown is a legacy convenience that forces a 429-shaped cooldown
// without a real upstream response, kept for call-sites/tests that want to
// force a cooldown directly (SPEC_FULL.md §C).
func (p *Pool) MarkCooldown(name string, seconds int) {
	p.MarkResult(name, 429, "", &seconds)
}

// HealthSnapshot returns the per-token health view for /health (spec.md §4.7).
func (p *Pool) HealthSnapshot() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	out := make([]Health, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s.health(now))
	}
	return out
}

// Count returns the number of loaded token states.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// AuthFiles returns the loaded token names in pool order.
func (p *Pool) AuthFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.states))
	for i, s := range p.states {
		out[i] = s.Record.Name
	}
	return out
}

// Stats tallies token states by health label.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	counts := map[string]int{"ok": 0, "cooldown": 0, "blacklist": 0, "probation": 0, "total": len(p.states)}
	for _, s := range p.states {
		switch s.Status(now) {
		case "OK":
			counts["ok"]++
		case "COOLDOWN":
			counts["cooldown"]++
		case "PROBATION":
			counts["probation"]++
		default:
			counts["blacklist"]++
		}
	}
	return counts
}

func markSuccess(s *State, now time.Time) {
	s.CooldownUntil = time.Time{}
	s.RateLimitStrikes = 0
	if s.inProbation() {
		s.ProbationSuccesses++
		if s.ProbationSuccesses >= s.ProbationTarget {
			s.BlacklistUntil = time.Time{}
			s.BlacklistReason = ""
			s.NextProbeAfter = time.Time{}
		}
		return
	}
	if !s.BlacklistUntil.After(now) {
		s.BlacklistReason = ""
	}
}

func rateLimitCooldownSeconds(strikes int) int {
	power := strikes - 1
	if power < 0 {
		power = 0
	}
	if power > 6 {
		power = 6
	}
	seconds := DefaultCooldownSeconds << power
	if seconds > MaxCooldownSeconds {
		seconds = MaxCooldownSeconds
	}
	return seconds
}

func markRateLimited(s *State, now time.Time, overrideSeconds *int) {
	s.Errors++
	s.RateLimitStrikes++
	cooldown := rateLimitCooldownSeconds(s.RateLimitStrikes)
	if overrideSeconds != nil {
		cooldown = *overrideSeconds
		if cooldown < 1 {
			cooldown = 1
		}
	}
	candidate := now.Add(time.Duration(cooldown) * time.Second)
	if candidate.After(s.CooldownUntil) {
		s.CooldownUntil = candidate
	}
	if s.RateLimitStrikes >= RateLimitPersistentStrikes {
		markBlacklist(s, now, "rate_limited_persistent")
	}
}

func markBlacklist(s *State, now time.Time, reason string) {
	s.Errors++
	s.HardFailures++
	power := s.HardFailures - 1
	if power < 0 {
		power = 0
	}
	if power > 5 {
		power = 5
	}
	ttlSeconds := DefaultBlacklistSeconds << power
	if ttlSeconds > MaxBlacklistSeconds {
		ttlSeconds = MaxBlacklistSeconds
	}
	candidate := now.Add(time.Duration(ttlSeconds) * time.Second)
	if candidate.After(s.BlacklistUntil) {
		s.BlacklistUntil = candidate
	}
	s.BlacklistReason = reason
	s.ProbationTarget = ProbationSuccessTarget
	s.ProbationSuccesses = 0
	s.NextProbeAfter = s.BlacklistUntil
	if s.BlacklistUntil.After(s.CooldownUntil) {
		s.CooldownUntil = s.BlacklistUntil
	}
}

func markTransient(s *State, now time.Time) {
	s.Errors++
	candidate := now.Add(DefaultTransientCooldownSeconds * time.Second)
	if candidate.After(s.CooldownUntil) {
		s.CooldownUntil = candidate
	}
}
