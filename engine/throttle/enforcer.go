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
	"context"
	"strings"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// Decisions reported to the observer.
const (
	DecisionAdmitted = "admitted"
	DecisionDelayed  = "delayed"
	DecisionDenied   = "denied"
	DecisionError    = "error"
)

// Result is the answer to an admission check.
type Result struct {
	Admit      bool
	RetryAfter time.Duration
	// Retry is false for a hard denial.
	Retry  bool
	Key    string
	Limit  int
	Window time.Duration
}

// Err converts a denial into *base.ThrottleError; nil when admitted.
func (r Result) Err() error {
	if r.Admit {
		return nil
	}
	return &base.ThrottleError{
		Key:        r.Key,
		Limit:      r.Limit,
		Window:     r.Window,
		RetryAfter: r.RetryAfter,
		Retry:      r.Retry,
	}
}

// Enforcer gates perform routines behind throttle policies.
type Enforcer struct {
	store      Store
	now        func() time.Time
	logger     *logger.Logger
	onDecision func(actionKey, decision string)
}

// Option customizes an Enforcer
type Option func(*Enforcer)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithLogger sets the logger used for denials and store failures
func WithLogger(l *logger.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithObserver reports every decision.
func WithObserver(fn func(actionKey, decision string)) Option {
	return func(e *Enforcer) { e.onDecision = fn }
}

// NewEnforcer creates an enforcer backed by store.
func NewEnforcer(store Store, opts ...Option) *Enforcer {
	e := &Enforcer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CounterKey renders the storage key for an invocation: the configured key
// template (or the action key) followed by the scope members.
func CounterKey(actionKey string, bundle *base.Bundle, cfg *Config) string {
	key := actionKey
	if cfg.Key != "" {
		key = base.Render(cfg.Key, bundle)
	}
	scope := cfg.Scope
	if len(scope) == 0 {
		scope = DefaultScope
	}
	parts := []string{key}
	for _, s := range scope {
		switch s {
		case ScopeUser:
			parts = append(parts, "user="+bundle.MetaString("userId"))
		case ScopeAuth:
			parts = append(parts, "auth="+base.AuthIdentity(bundle.AuthData))
		case ScopeAccount:
			parts = append(parts, "account="+bundle.MetaString("accountId"))
		case ScopeAction:
			parts = append(parts, "action="+actionKey)
		}
	}
	return strings.Join(parts, "|")
}

// ShouldAdmit checks and records one invocation of actionKey. A nil cfg
// always admits. Store failures are logged and admitted.
func (e *Enforcer) ShouldAdmit(ctx context.Context, actionKey string, bundle *base.Bundle, cfg *Config) Result {
	if cfg == nil {
		return Result{Admit: true}
	}
	bundle = bundle.Clone().Normalize()
	p := cfg.effective(bundle.MetaString("plan"))
	key := CounterKey(actionKey, bundle, cfg)
	res := Result{Key: key, Limit: p.limit, Window: p.window, Retry: p.retry}

	d, err := e.store.Allow(ctx, key, p.limit, p.window, e.now())
	if err != nil {
		e.logger.Warn("", bundle.MetaString("invocationId"), "throttle store unavailable, admitting", map[string]interface{}{
			"action": actionKey,
			"error":  err.Error(),
		})
		e.observe(actionKey, DecisionError)
		res.Admit = true
		return res
	}
	if d.Allowed {
		e.observe(actionKey, DecisionAdmitted)
		res.Admit = true
		return res
	}

	decision := DecisionDenied
	if p.retry {
		decision = DecisionDelayed
		res.RetryAfter = d.RetryAfter
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Second
		}
	}
	e.logger.Warn("", bundle.MetaString("invocationId"), "throttle limit reached", map[string]interface{}{
		"action":      actionKey,
		"limit":       p.limit,
		"window_s":    p.window.Seconds(),
		"override":    p.filter,
		"retry":       p.retry,
		"retry_after": res.RetryAfter.Seconds(),
	})
	e.observe(actionKey, decision)
	return res
}

func (e *Enforcer) observe(actionKey, decision string) {
	if e.onDecision != nil {
		e.onDecision(actionKey, decision)
	}
}
