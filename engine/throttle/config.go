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

package throttle

import (
	"fmt"
	"time"

	"actionkit/platform/engine/base"
)

// Scope members understood by the enforcer.
const (
	ScopeUser    = "user"
	ScopeAuth    = "auth"
	ScopeAccount = "account"
	ScopeAction  = "action"
)

// DefaultScope is used when a config names no scope.
var DefaultScope = []string{ScopeUser, ScopeAuth, ScopeAction}

// Override replaces window, limit and retry for invocations whose account
// plan (meta.plan) equals Filter.
type Override struct {
	Window int    `json:"window" yaml:"window"`
	Limit  int    `json:"limit" yaml:"limit"`
	Filter string `json:"filter" yaml:"filter"`
	Retry  *bool  `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Config is an action's throttle policy. Window is in seconds.
type Config struct {
	Window    int        `json:"window" yaml:"window"`
	Limit     int        `json:"limit" yaml:"limit"`
	Key       string     `json:"key,omitempty" yaml:"key,omitempty"`
	Scope     []string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Retry     *bool      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Overrides []Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// Validate rejects non-positive windows and limits and unknown scopes.
func (c *Config) Validate(path string) error {
	if c == nil {
		return nil
	}
	var violations []base.Violation
	if c.Window <= 0 {
		violations = append(violations, base.Violation{Path: path + ".window", Message: "must be positive"})
	}
	if c.Limit <= 0 {
		violations = append(violations, base.Violation{Path: path + ".limit", Message: "must be positive"})
	}
	for i, s := range c.Scope {
		switch s {
		case ScopeUser, ScopeAuth, ScopeAccount, ScopeAction:
		default:
			violations = append(violations, base.Violation{Path: fmt.Sprintf("%s.scope.%d", path, i), Message: fmt.Sprintf("unknown scope %q", s)})
		}
	}
	for i, o := range c.Overrides {
		p := fmt.Sprintf("%s.overrides.%d", path, i)
		if o.Window <= 0 {
			violations = append(violations, base.Violation{Path: p + ".window", Message: "must be positive"})
		}
		if o.Limit < 0 {
			violations = append(violations, base.Violation{Path: p + ".limit", Message: "must not be negative"})
		}
		if o.Filter == "" {
			violations = append(violations, base.Violation{Path: p + ".filter", Message: "required"})
		}
	}
	if len(violations) > 0 {
		return base.NewValidationError(path, violations...)
	}
	return nil
}

// policy is the effective window/limit/retry for one invocation.
type policy struct {
	window time.Duration
	limit  int
	retry  bool
	filter string
}

// effective picks the first override whose filter matches plan.
func (c *Config) effective(plan string) policy {
	p := policy{
		window: time.Duration(c.Window) * time.Second,
		limit:  c.Limit,
		retry:  c.Retry == nil || *c.Retry,
	}
	for _, o := range c.Overrides {
		if plan == "" || o.Filter != plan {
			continue
		}
		p.window = time.Duration(o.Window) * time.Second
		p.limit = o.Limit
		p.filter = o.Filter
		if o.Retry != nil {
			p.retry = *o.Retry
		}
		break
	}
	return p
}
