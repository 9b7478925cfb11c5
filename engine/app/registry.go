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

package app

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"actionkit/platform/shared/logger"
)

// ErrNotFound is returned for unknown app keys.
var ErrNotFound = errors.New("app not found")

// Registry holds the apps a runner can invoke.
// Thread-safe for concurrent access
type Registry struct {
	apps   map[string]*App
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		apps:   make(map[string]*App),
		logger: log,
	}
}

// Register validates and adds an app.
// Returns error if an app with the same key already exists
func (r *Registry) Register(a *App) error {
	if a == nil {
		return fmt.Errorf("app is nil")
	}
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[a.Key]; exists {
		return fmt.Errorf("app '%s' already registered", a.Key)
	}
	r.apps[a.Key] = a

	r.logger.Info("", "", "app registered", map[string]interface{}{
		"app":       a.Key,
		"version":   a.Version,
		"auth":      string(a.Authentication.Kind()),
		"triggers":  len(a.Triggers),
		"searches":  len(a.Searches),
		"creates":   len(a.Creates),
		"hydrators": len(a.Hydrators),
	})
	return nil
}

// Unregister removes an app
func (r *Registry) Unregister(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.apps[key]; !exists {
		return fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}
	delete(r.apps, key)
	r.logger.Info("", "", "app unregistered", map[string]interface{}{"app": key})
	return nil
}

// Get returns an app by key
func (r *Registry) Get(key string) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.apps[key]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}
	return a, nil
}

// List returns the registered app keys, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.apps))
	for k := range r.apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of registered apps
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
