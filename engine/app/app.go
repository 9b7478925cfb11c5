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
	"context"
	"errors"
	"fmt"
	"sort"

	"actionkit/platform/engine/auth"
	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
	"actionkit/platform/engine/throttle"
)

// PerformFunc is an action's perform routine.
type PerformFunc func(ctx context.Context, z *Z, bundle *base.Bundle) (interface{}, error)

// Buffer turns a create into a buffered action handled by PerformBulk.
type Buffer struct {
	GroupedBy   []string
	Limit       int
	Concurrency int
}

// Operation is what an action does when invoked.
type Operation struct {
	Perform     PerformFunc
	PerformBulk PerformFunc
	Buffer      *Buffer
	Throttle    *throttle.Config
	CanPaginate bool
	// RequiredOutputFields name output fields whose stash failure fails the
	// whole result, as dotted paths without list indices.
	RequiredOutputFields []string
}

// Action is one trigger, search or create.
type Action struct {
	Key       string
	Noun      string
	Label     string
	Operation Operation
}

// App is an integration definition.
type App struct {
	Key            string
	Version        string
	Authentication *auth.Config
	Befores        []pipeline.Before
	Afters         []pipeline.After
	Triggers       map[string]*Action
	Searches       map[string]*Action
	Creates        map[string]*Action
	Hydrators      map[string]PerformFunc
	// Throttle applies to every action that has none of its own.
	Throttle *throttle.Config
}

// Action groups.
const (
	GroupTriggers = "triggers"
	GroupSearches = "searches"
	GroupCreates  = "creates"
)

// Action looks up an action by group and key.
func (a *App) Action(group, key string) (*Action, bool) {
	var m map[string]*Action
	switch group {
	case GroupTriggers:
		m = a.Triggers
	case GroupSearches:
		m = a.Searches
	case GroupCreates:
		m = a.Creates
	}
	act, ok := m[key]
	return act, ok && act != nil
}

// HydratorKeys returns the defined hydrator keys, sorted.
func (a *App) HydratorKeys() []string {
	keys := make([]string, 0, len(a.Hydrators))
	for k := range a.Hydrators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ThrottleFor returns the throttle config that applies to an action.
func (a *App) ThrottleFor(act *Action) *throttle.Config {
	if act.Operation.Throttle != nil {
		return act.Operation.Throttle
	}
	return a.Throttle
}

// Validate checks the definition, reporting every problem with its path.
func (a *App) Validate() error {
	var v []base.Violation
	if a.Key == "" {
		v = append(v, base.Violation{Path: "key", Message: "required"})
	}
	if err := a.Authentication.Validate(); err != nil {
		v = append(v, violationsOf(err)...)
	}
	if a.Throttle != nil {
		if err := a.Throttle.Validate("throttle"); err != nil {
			v = append(v, violationsOf(err)...)
		}
	}

	groups := []struct {
		name    string
		actions map[string]*Action
	}{
		{GroupTriggers, a.Triggers},
		{GroupSearches, a.Searches},
		{GroupCreates, a.Creates},
	}
	for _, g := range groups {
		for key, act := range g.actions {
			path := g.name + "." + key
			if act == nil {
				v = append(v, base.Violation{Path: path, Message: "action is nil"})
				continue
			}
			op := act.Operation
			if op.Perform == nil && op.PerformBulk == nil {
				v = append(v, base.Violation{Path: path + ".operation.perform", Message: "required"})
			}
			if op.PerformBulk != nil && g.name != GroupCreates {
				v = append(v, base.Violation{Path: path + ".operation.performBulk", Message: "only creates can be buffered"})
			}
			if op.Buffer != nil && op.PerformBulk == nil {
				v = append(v, base.Violation{Path: path + ".operation.performBulk", Message: "required when buffer is set"})
			}
			if op.PerformBulk != nil && op.Buffer == nil {
				v = append(v, base.Violation{Path: path + ".operation.buffer", Message: "required when performBulk is set"})
			}
			if op.CanPaginate && g.name != GroupTriggers {
				v = append(v, base.Violation{Path: path + ".operation.canPaginate", Message: "only triggers can paginate"})
			}
			if op.Throttle != nil {
				if err := op.Throttle.Validate(path + ".operation.throttle"); err != nil {
					v = append(v, violationsOf(err)...)
				}
			}
		}
	}
	for key, h := range a.Hydrators {
		if h == nil {
			v = append(v, base.Violation{Path: "hydrators." + key, Message: "hydrator is nil"})
		}
	}

	if len(v) > 0 {
		return base.NewValidationError(fmt.Sprintf("app %q", a.Key), v...)
	}
	return nil
}

func violationsOf(err error) []base.Violation {
	var verr *base.ValidationError
	if errors.As(err, &verr) {
		return verr.Violations
	}
	return []base.Violation{{Message: err.Error()}}
}
