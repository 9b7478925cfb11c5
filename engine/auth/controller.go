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

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
)

// Refresh outcomes reported to the observer.
const (
	RefreshSucceeded = "success"
	RefreshFailed    = "failure"
	RefreshExhausted = "exhausted"
)

// Controller runs every request of one logical invocation and owns its
// single refresh cycle. It is safe for concurrent use by fan-out requests.
type Controller struct {
	cfg       *Config
	pipe      *pipeline.Pipeline
	stage     pipeline.StageContext
	now       func() time.Time
	onRefresh func(outcome string)

	group singleflight.Group

	mu         sync.Mutex
	bundle     *base.Bundle
	updates    map[string]interface{}
	generation uint64
	cycleUsed  bool
}

// ControllerOption customizes a Controller
type ControllerOption func(*Controller)

// WithClock overrides time.Now, used for token expiry checks.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithRefreshObserver reports every refresh attempt.
func WithRefreshObserver(fn func(outcome string)) ControllerOption {
	return func(c *Controller) { c.onRefresh = fn }
}

// NewController creates a controller for one invocation. stage supplies the
// app, action and logging identity; its Bundle is ignored.
func NewController(cfg *Config, p *pipeline.Pipeline, bundle *base.Bundle, stage pipeline.StageContext, opts ...ControllerOption) *Controller {
	c := &Controller{
		cfg:     cfg,
		pipe:    p,
		stage:   stage,
		now:     time.Now,
		bundle:  bundle.Clone().Normalize(),
		updates: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bundle returns the bundle with every credential update applied so far.
func (c *Controller) Bundle() *base.Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle.Clone()
}

// AuthDataUpdates returns the authData fields changed during the invocation.
func (c *Controller) AuthDataUpdates() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return nil
	}
	return base.CloneMap(c.updates)
}

// Refreshed reports whether the refresh cycle has been used.
func (c *Controller) Refreshed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleUsed
}

// Apply merges authData updates produced outside a refresh, such as a
// session login or token exchange.
func (c *Controller) Apply(updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(updates)
}

func (c *Controller) applyLocked(updates map[string]interface{}) {
	c.bundle = c.bundle.WithAuthData(updates)
	for k, v := range updates {
		c.updates[k] = base.CloneValue(v)
	}
	c.generation++
}

func (c *Controller) snapshot() (*base.Bundle, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle, c.generation
}

// Request implements Requester. A refresh signal triggers at most one
// refresh cycle per controller, after which the request is sent once more.
func (c *Controller) Request(ctx context.Context, req *base.Request) (*base.Response, error) {
	bundle, gen := c.snapshot()
	resp, err := c.run(ctx, req, bundle, gen)
	if err == nil || !base.IsRefreshSignal(err) {
		return resp, err
	}
	if req.SkipRefresh {
		return nil, c.terminal("credentials rejected", err)
	}

	if err := c.refresh(ctx, gen, err); err != nil {
		return nil, err
	}

	bundle, gen = c.snapshot()
	resp, err = c.run(ctx, req, bundle, gen)
	if err != nil && base.IsRefreshSignal(err) {
		if c.onRefresh != nil {
			c.onRefresh(RefreshExhausted)
		}
		return nil, c.terminal("credentials still rejected after refresh", err)
	}
	return resp, err
}

func (c *Controller) run(ctx context.Context, req *base.Request, bundle *base.Bundle, gen uint64) (*base.Response, error) {
	sc := c.stage
	sc.Bundle = bundle
	out := req.Clone()
	out.Generation = gen
	return c.pipe.Run(ctx, out, &sc)
}

// refresh performs the cycle, joins one already in flight, or returns nil
// straight away when credentials changed since the failed request was sent.
func (c *Controller) refresh(ctx context.Context, gen uint64, signal error) error {
	if !c.cfg.CanRefresh() {
		return c.terminal("credentials rejected and no refresh is configured", signal)
	}

	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return nil, nil
		}
		if c.cycleUsed {
			c.mu.Unlock()
			return nil, c.terminal("credentials rejected after the refresh cycle was used", signal)
		}
		c.cycleUsed = true
		bundle := c.bundle
		c.mu.Unlock()

		c.stage.Logger.Warn(c.stage.ClientID, c.stage.RequestID, "refreshing credentials", map[string]interface{}{
			"app":      c.stage.App,
			"action":   c.stage.Action,
			"strategy": string(c.cfg.Kind()),
			"reason":   signal.Error(),
		})

		updates, err := c.cfg.Refresh(ctx, refreshRequester{c}, bundle)
		if err != nil {
			if c.onRefresh != nil {
				c.onRefresh(RefreshFailed)
			}
			return nil, c.terminal("could not refresh credentials", err)
		}
		if c.cfg.Kind() == KindOAuth2 {
			updates = normalizeTokenUpdates(updates, c.now())
		}

		c.mu.Lock()
		c.applyLocked(updates)
		c.mu.Unlock()
		if c.onRefresh != nil {
			c.onRefresh(RefreshSucceeded)
		}
		return nil, nil
	})
	return err
}

// Recover handles a refresh signal raised outside a request, for example by
// a perform routine. A nil result means the caller may run once more.
func (c *Controller) Recover(ctx context.Context, signal error) error {
	_, gen := c.snapshot()
	return c.refresh(ctx, gen, signal)
}

// terminal builds the error surfaced when no further refresh is possible.
// Refresh signals are flattened into the message so none escape.
func (c *Controller) terminal(message string, cause error) error {
	var authErr *base.AuthenticationError
	if errors.As(cause, &authErr) {
		return authErr
	}
	if base.IsRefreshSignal(cause) {
		return &base.AuthenticationError{Message: message + ": " + cause.Error()}
	}
	return &base.AuthenticationError{Message: message, Cause: cause}
}

// refreshRequester sends refresh-procedure requests without re-entering the cycle.
type refreshRequester struct {
	c *Controller
}

func (r refreshRequester) Request(ctx context.Context, req *base.Request) (*base.Response, error) {
	out := req.Clone()
	out.SkipRefresh = true
	bundle, gen := r.c.snapshot()
	return r.c.run(ctx, out, bundle, gen)
}
