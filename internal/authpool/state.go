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

import "time"

// Policy constants for cooldown/blacklist arithmetic (spec.md §4.2, §8).
// Lifted to named constants rather than scattered literals, per spec.md §9.
const (
	DefaultCooldownSeconds          = 30
	DefaultTransientCooldownSeconds = 8
	DefaultBlacklistSeconds         = 15 * 60
	MaxCooldownSeconds              = 15 * 60
	MaxBlacklistSeconds             = 6 * 60 * 60
	ProbationProbeInterval          = 20 * time.Second
	ProbationSuccessTarget          = 2
	RateLimitPersistentStrikes      = 5
)

// State is the mutable health bookkeeping for one Record (spec.md §3).
type State struct {
	Record Record

	CooldownUntil   time.Time
	BlacklistUntil  time.Time
	BlacklistReason string

	ProbationSuccesses int
	ProbationTarget    int
	NextProbeAfter     time.Time

	Used              int64
	Errors            int64
	RateLimitStrikes  int
	HardFailures      int
}

// freshState returns a State with no history, seeded from rec, not "in probation".
func freshState(rec Record) *State {
	return &State{
		Record:             rec,
		ProbationSuccesses: ProbationSuccessTarget,
		ProbationTarget:    ProbationSuccessTarget,
	}
}

// inProbation reports whether s still owes successes before leaving probation.
func (s *State) inProbation() bool {
	return s.ProbationSuccesses < s.ProbationTarget
}

// Available reports selection eligibility at time now (spec.md §3 invariant).
func (s *State) Available(now time.Time) bool {
	if now.Before(s.BlacklistUntil) {
		return false
	}
	if now.Before(s.CooldownUntil) {
		return false
	}
	if s.inProbation() && now.Before(s.NextProbeAfter) {
		return false
	}
	return true
}

// Status is the coarse health label used by the management health snapshot
// (spec.md §4.2 health_snapshot).
func (s *State) Status(now time.Time) string {
	if now.Before(s.BlacklistUntil) {
		return "BLACKLIST"
	}
	if now.Before(s.CooldownUntil) {
		return "COOLDOWN"
	}
	if s.inProbation() {
		if now.Before(s.NextProbeAfter) {
			return "BLACKLIST"
		}
		return "PROBATION"
	}
	return "OK"
}

// Health is the JSON-facing per-token view returned by /health (spec.md §4.7).
type Health struct {
	File               string `json:"file"`
	Email              string `json:"email,omitempty"`
	Status             string `json:"status"`
	CooldownSeconds    *int   `json:"cooldown_seconds"`
	BlacklistSeconds   *int   `json:"blacklist_seconds"`
	BlacklistReason    string `json:"blacklist_reason,omitempty"`
	Probation          bool   `json:"probation"`
	ProbationSuccesses int    `json:"probation_successes"`
	ProbationTarget    int    `json:"probation_target"`
	Used               int64  `json:"used"`
	Errors             int64  `json:"errors"`
	RateLimitStrikes   int    `json:"rate_limit_strikes"`
	HardFailures       int    `json:"hard_failures"`
}

func (s *State) health(now time.Time) Health {
	status := s.Status(now)
	h := Health{
		File:               s.Record.Name,
		Email:              s.Record.Email,
		Status:             status,
		BlacklistReason:    s.BlacklistReason,
		Probation:          status == "PROBATION",
		ProbationSuccesses: s.ProbationSuccesses,
		ProbationTarget:    s.ProbationTarget,
		Used:               s.Used,
		Errors:             s.Errors,
		RateLimitStrikes:   s.RateLimitStrikes,
		HardFailures:       s.HardFailures,
	}
	if remaining := int(s.CooldownUntil.Sub(now).Seconds()); remaining > 0 {
		h.CooldownSeconds = &remaining
	}
	if remaining := int(s.BlacklistUntil.Sub(now).Seconds()); remaining > 0 {
		h.BlacklistSeconds = &remaining
	}
	return h
}
