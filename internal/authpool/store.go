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
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadRecords enumerates *.json files in dir in sorted order and extracts a
// Record from each one that yields a non-empty token (spec.md §4.1). A
// missing or unreadable directory yields an empty list, not an error.
func LoadRecords(dir string) []Record {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(e.Name())) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	records := make([]Record, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		token, email, accountID := extractFields(obj)
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		records = append(records, Record{
			Name:      name,
			Path:      path,
			Token:     token,
			Email:     strings.TrimSpace(email),
			AccountID: strings.TrimSpace(accountID),
		})
	}
	return records
}

// extractFields implements the token/email/account_id precedence of
// spec.md §4.1 (ported from original_source's extract_auth_fields).
func extractFields(raw map[string]any) (token, email, accountID string) {
	email = cleanString(raw["email"])

	if tokens, ok := raw["tokens"].(map[string]any); ok {
		token = cleanString(tokens["access_token"])
		accountID = cleanString(tokens["account_id"])
		if email == "" {
			email = cleanString(tokens["email"])
		}
		if idToken := cleanString(tokens["id_token"]); idToken != "" {
			if payload := decodeJWTPayload(idToken); payload != nil {
				if jwtEmail := cleanString(payload["email"]); jwtEmail != "" {
					email = jwtEmail
				}
			}
		}
	}

	if token == "" {
		token = cleanString(raw["access_token"])
	}
	if token == "" {
		token = cleanString(raw["OPENAI_API_KEY"])
	}
	if token == "" {
		token = cleanString(raw["api_key"])
	}
	if token == "" {
		token = cleanString(raw["openai_api_key"])
	}
	if token == "" {
		token = cleanString(raw["token"])
	}
	return token, email, accountID
}

func cleanString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// decodeJWTPayload base64url-decodes the second segment of a JWT and parses
// it as JSON. It returns nil on any malformed input (spec.md §4.1).
func decodeJWTPayload(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return out
}
