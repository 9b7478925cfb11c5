// Copyright 2025 AxonFlow
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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)
			if tt.instanceID == "" {
				_ = os.Unsetenv("INSTANCE_ID")
			}

			l := New("runner")
			if l.Component != "runner" {
				t.Errorf("expected component runner, got %s", l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
		})
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("runner", &buf)
	l.SetLevel(DEBUG)

	l.Debug("acct-1", "inv-1", "debug msg", nil)
	l.Info("acct-1", "inv-1", "info msg", nil)
	l.Warn("acct-1", "inv-1", "warn msg", nil)
	l.Error("acct-1", "inv-1", "error msg", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}

	want := []LogLevel{DEBUG, INFO, WARN, ERROR}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d: expected level %s, got %s", i, want[i], e.Level)
		}
		if e.ClientID != "acct-1" || e.RequestID != "inv-1" {
			t.Errorf("entry %d: ids not propagated: %+v", i, e)
		}
	}
}

func TestMinimumLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("runner", &buf)
	l.SetLevel(WARN)

	l.Debug("", "", "dropped", nil)
	l.Info("", "", "dropped", nil)
	l.Warn("", "", "kept", nil)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Message != "kept" {
		t.Fatalf("expected only the warning, got %+v", entries)
	}
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("runner", &buf)

	l.InfoWithDuration("", "inv-2", "done", 12.5, map[string]interface{}{"method": "creates.recipe.operation.perform"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].Fields["duration_ms"]; got != 12.5 {
		t.Errorf("expected duration_ms 12.5, got %v", got)
	}
	if got := entries[0].Fields["method"]; got != "creates.recipe.operation.perform" {
		t.Errorf("expected method field to survive, got %v", got)
	}
}

func TestErrorWithType(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("runner", &buf)

	l.ErrorWithType("acct", "inv", "invocation failed", "AuthenticationError", errors.New("token revoked"), nil)

	entries := decodeLines(t, &buf)
	if entries[0].Fields["error_type"] != "AuthenticationError" {
		t.Errorf("expected error_type field, got %v", entries[0].Fields)
	}
	if entries[0].Fields["error"] != "token revoked" {
		t.Errorf("expected error message field, got %v", entries[0].Fields)
	}
}

func TestUnencodableFieldsStillLogMessage(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("runner", &buf)

	l.Info("", "", "still here", map[string]interface{}{"ch": make(chan int)})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Message != "still here" {
		t.Fatalf("expected message to be logged, got %+v", entries)
	}
	if _, ok := entries[0].Fields["marshal_error"]; !ok {
		t.Error("expected marshal_error field")
	}
}

func TestCensor(t *testing.T) {
	if Censor("") != "" {
		t.Error("empty secret should stay empty")
	}

	a := Censor("secret")
	b := Censor("secret")
	if a != b {
		t.Error("censoring should be deterministic")
	}
	if strings.Contains(a, "secret") {
		t.Errorf("censored value leaks secret: %s", a)
	}
	if !strings.HasPrefix(a, ":censored:6:") {
		t.Errorf("unexpected censored format: %s", a)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("", "", "no panic", nil)
}
