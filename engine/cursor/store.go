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

package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"actionkit/platform/engine/base"
)

// DefaultTTL is how long a cursor outlives its last write.
const DefaultTTL = time.Hour

// Store is the cursor slot backend.
type Store interface {
	// Get returns the cursor for key; ok is false when none is stored.
	Get(ctx context.Context, key string) (value interface{}, ok bool, err error)
	// Set stores value for key. A nil or empty value clears the slot.
	Set(ctx context.Context, key string, value interface{}) error
	// Clear removes the slot.
	Clear(ctx context.Context, key string) error
}

// ScopeKey derives the slot key for one action and connected account.
func ScopeKey(actionKey string, authData map[string]interface{}) string {
	return actionKey + ":" + base.AuthIdentity(authData)
}

// IsEmpty reports whether value means "no more pages".
func IsEmpty(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	}
	return false
}

func encode(value interface{}) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return v, nil
}

type memoryEntry struct {
	raw       string
	expiresAt time.Time
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 uses DefaultTTL; now may be nil.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{ttl: ttl, now: now, entries: map[string]memoryEntry{}}
}

// Get implements Store. Expired slots read as absent.
func (m *MemoryStore) Get(_ context.Context, key string) (interface{}, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decode(e.raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, key string, value interface{}) error {
	if IsEmpty(value) {
		return m.Clear(ctx, key)
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{raw: raw, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
