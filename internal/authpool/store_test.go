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
	"testing"
)

func jwtWithEmail(email string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, _ := json.Marshal(map[string]string{"email": email})
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// TestLoadRecords_AcceptanceScenario covers spec scenario 6: mixed-shape
// token files, non-object and malformed files skipped, sorted by filename,
// id_token email override wins.
func TestLoadRecords_AcceptanceScenario(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("unexpected error writing %s: %v", name, err)
		}
	}

	write("1-primary.json", `{"access_token":"tok-primary"}`)
	write("2-nested.json", `{"tokens":{"access_token":"tok-nested","account_id":"acc-1","email":"nested@x","id_token":"`+jwtWithEmail("jwt@x")+`"}}`)
	write("3-env.json", `{"OPENAI_API_KEY":"tok-o"}`)
	write("4-fallback.json", `{"api_key":"tok-f"}`)
	write("5-not-object.json", `"not-object"`)
	write("6-malformed.json", `{not valid json`)

	records := LoadRecords(dir)
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d: %+v", len(records), records)
	}

	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	want := []string{"1-primary.json", "2-nested.json", "3-env.json", "4-fallback.json"}
	for i, w := range want {
		if names[i] != w {
			t.Fatalf("expected sorted order %v, got %v", want, names)
		}
	}

	if records[1].Token != "tok-nested" || records[1].AccountID != "acc-1" {
		t.Fatalf("unexpected nested record: %+v", records[1])
	}
	if records[1].Email != "jwt@x" {
		t.Fatalf("expected id_token email to win, got %q", records[1].Email)
	}
}

func TestLoadRecords_MissingDirectoryYieldsEmpty(t *testing.T) {
	records := LoadRecords(filepath.Join(t.TempDir(), "does-not-exist"))
	if records != nil {
		t.Fatalf("expected nil records for missing directory, got %+v", records)
	}
}

func TestLoadRecords_TrimsWhitespaceAndSkipsEmptyTokens(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blank.json"), []byte(`{"access_token":"   "}`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "padded.json"), []byte(`{"access_token":"  tok  "}`), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	records := LoadRecords(dir)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Token != "tok" {
		t.Fatalf("expected trimmed token, got %q", records[0].Token)
	}
}

func TestDecodeJWTPayload_MalformedReturnsNil(t *testing.T) {
	if payload := decodeJWTPayload("not-a-jwt"); payload != nil {
		t.Fatalf("expected nil for malformed token, got %v", payload)
	}
	if payload := decodeJWTPayload("a.!!!notbase64.c"); payload != nil {
		t.Fatalf("expected nil for invalid base64 segment, got %v", payload)
	}
}
