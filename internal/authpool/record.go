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

// Package authpool holds the token store loader and the rotation pool: the
// immutable token records, their mutable health state, and the round-robin
// selection/outcome-transition logic that keeps them healthy.
package authpool

// Record is an immutable descriptor of one upstream credential (spec.md §3).
// Identity for state carry-over across reloads is Name; two records are
// considered the "same token" when Token is equal.
type Record struct {
	Name      string
	Path      string
	Token     string
	Email     string
	AccountID string
}
