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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// StageContext is handed to every stage of one pipeline run.
type StageContext struct {
	App       string
	Action    string
	ClientID  string
	RequestID string
	Bundle    *base.Bundle
	Logger    *logger.Logger
}

// BeforeFunc transforms an outgoing request. It must not mutate req.
type BeforeFunc func(ctx context.Context, req *base.Request, sc *StageContext) (*base.Request, error)

// AfterFunc transforms a response. It must not mutate resp.
type AfterFunc func(ctx context.Context, resp *base.Response, sc *StageContext) (*base.Response, error)

// Before is a named request stage
type Before struct {
	Name string
	Fn   BeforeFunc
}

// After is a named response stage
type After struct {
	Name string
	Fn   AfterFunc
}

// Transport issues exactly one HTTP exchange.
type Transport interface {
	RoundTrip(ctx context.Context, req *base.Request) (*base.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *base.Request) (*base.Response, error)

// RoundTrip calls f
func (f TransportFunc) RoundTrip(ctx context.Context, req *base.Request) (*base.Response, error) {
	return f(ctx, req)
}

// Observer is notified once per transport exchange.
type Observer func(req *base.Request, resp *base.Response, err error, elapsed time.Duration)

// Pipeline is an immutable chain of stages wrapped around a Transport.
// Each Run performs exactly one transport call.
type Pipeline struct {
	befores   []Before
	afters    []After
	transport Transport
	observers []Observer
}

// New creates a pipeline with no stages.
func New(transport Transport) *Pipeline {
	return &Pipeline{transport: transport}
}

// WithBefores returns a copy of p with stages appended to the request chain.
func (p *Pipeline) WithBefores(stages ...Before) *Pipeline {
	out := p.clone()
	out.befores = append(out.befores, stages...)
	return out
}

// WithAfters returns a copy of p with stages appended to the response chain.
func (p *Pipeline) WithAfters(stages ...After) *Pipeline {
	out := p.clone()
	out.afters = append(out.afters, stages...)
	return out
}

// WithObserver returns a copy of p that reports every exchange to o.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	out := p.clone()
	out.observers = append(out.observers, o)
	return out
}

// Transport returns the underlying transport
func (p *Pipeline) Transport() Transport {
	return p.transport
}

// StageNames lists the before and after stages in order.
func (p *Pipeline) StageNames() (befores, afters []string) {
	for _, s := range p.befores {
		befores = append(befores, s.Name)
	}
	for _, s := range p.afters {
		afters = append(afters, s.Name)
	}
	return befores, afters
}

func (p *Pipeline) clone() *Pipeline {
	return &Pipeline{
		befores:   append([]Before(nil), p.befores...),
		afters:    append([]After(nil), p.afters...),
		transport: p.transport,
		observers: append([]Observer(nil), p.observers...),
	}
}

// Run folds the request through the before stages, performs one transport
// call and folds the response through the after stages. A stage error aborts
// the run and is returned wrapped in a *base.StageError.
func (p *Pipeline) Run(ctx context.Context, req *base.Request, sc *StageContext) (*base.Response, error) {
	if p.transport == nil {
		return nil, errors.New("pipeline has no transport")
	}
	if sc == nil {
		sc = &StageContext{}
	}
	if sc.Bundle == nil {
		sc.Bundle = base.NewBundle()
	}

	cur := req.Clone()
	if cur == nil {
		cur = &base.Request{}
	}
	for _, stage := range p.befores {
		next, err := stage.Fn(ctx, cur, sc)
		if err != nil {
			return nil, wrapStage(stage.Name, err)
		}
		if next != nil {
			cur = next
		}
		sc.Logger.Debug(sc.ClientID, sc.RequestID, "before stage applied", map[string]interface{}{
			"stage":  stage.Name,
			"action": sc.Action,
		})
	}

	start := time.Now()
	resp, err := p.transport.RoundTrip(ctx, cur)
	elapsed := time.Since(start)
	for _, o := range p.observers {
		o(cur, resp, err, elapsed)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", cur.Method, cur.URL, err)
	}
	if resp.Request == nil {
		resp.Request = cur
	}

	for _, stage := range p.afters {
		next, err := stage.Fn(ctx, resp, sc)
		if err != nil {
			return nil, wrapStage(stage.Name, err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

// wrapStage attaches the stage name unless the error already carries one.
func wrapStage(name string, err error) error {
	var se *base.StageError
	if errors.As(err, &se) {
		return err
	}
	return &base.StageError{Stage: name, Cause: err}
}
