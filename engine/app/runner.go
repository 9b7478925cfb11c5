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
	"strings"
	"time"

	"github.com/google/uuid"

	"actionkit/platform/engine/auth"
	"actionkit/platform/engine/base"
	"actionkit/platform/engine/bulk"
	"actionkit/platform/engine/cursor"
	"actionkit/platform/engine/metrics"
	"actionkit/platform/engine/pipeline"
	"actionkit/platform/engine/stash"
	"actionkit/platform/engine/throttle"
	"actionkit/platform/shared/logger"
)

// Options wires a Runner to its backends. Zero values fall back to
// in-memory stores and a default HTTP transport.
type Options struct {
	Transport       pipeline.Transport
	ThrottleStore   throttle.Store
	Cursors         cursor.Store
	Storage         stash.Storage
	Stash           stash.Options
	DehydrateSecret []byte
	UserAgent       string
	Metrics         *metrics.Metrics
	Logger          *logger.Logger
	Now             func() time.Time
}

// Invocation asks the runner to execute one method of a registered app.
type Invocation struct {
	App    string       `json:"app"`
	Method string       `json:"method"`
	Bundle *base.Bundle `json:"bundle"`
	// Reference is the dehydrated reference a hydrator method resolves.
	Reference string `json:"reference,omitempty"`
}

// Result is what an invocation produced. AuthData holds credential fields
// changed during the invocation and must be persisted by the caller.
type Result struct {
	Output      interface{}            `json:"output"`
	AuthData    map[string]interface{} `json:"authData,omitempty"`
	FieldErrors []stash.FieldError     `json:"fieldErrors,omitempty"`
	RequestID   string                 `json:"requestId"`
}

// Runner executes invocations against the apps of a registry.
type Runner struct {
	registry *Registry
	opts     Options
	enforcer *throttle.Enforcer
	stasher  *stash.Stasher
	logger   *logger.Logger
}

// NewRunner creates a runner
func NewRunner(registry *Registry, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Transport == nil {
		opts.Transport = pipeline.NewHTTPTransport(pipeline.TransportConfig{}, opts.Logger.Named("transport"))
	}
	if opts.ThrottleStore == nil {
		opts.ThrottleStore = throttle.NewMemoryStore()
	}
	if opts.Cursors == nil {
		opts.Cursors = cursor.NewMemoryStore(cursor.DefaultTTL, opts.Now)
	}

	r := &Runner{registry: registry, opts: opts, logger: opts.Logger}
	r.enforcer = throttle.NewEnforcer(opts.ThrottleStore,
		throttle.WithClock(opts.Now),
		throttle.WithLogger(opts.Logger.Named("throttle")),
		throttle.WithObserver(r.observeThrottle),
	)
	if opts.Storage != nil {
		r.stasher = stash.NewStasher(opts.Storage, opts.Stash, opts.Logger.Named("stash"), opts.Metrics.StashedBytes)
	}
	return r
}

func (r *Runner) observeThrottle(actionKey, decision string) {
	app, action, _ := strings.Cut(actionKey, ":")
	r.opts.Metrics.ThrottleDecision(app, action, decision)
}

// Invoke runs one method. On failure the returned Result is still non-nil
// when credentials changed before the failure, so the caller can persist them.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	a, err := r.registry.Get(inv.App)
	if err != nil {
		return nil, err
	}
	m, err := ParseMethod(inv.Method)
	if err != nil {
		return nil, base.NewActionError(a.Key, inv.Method, "", "unknown method", err)
	}

	bundle := inv.Bundle.Clone().Normalize()
	requestID := bundle.MetaString("invocationId")
	if requestID == "" {
		requestID = uuid.New().String()
		bundle.Meta["invocationId"] = requestID
	}
	clientID := clientIDOf(bundle)

	run := &invocation{
		runner:    r,
		app:       a,
		method:    m,
		reference: inv.Reference,
		clientID:  clientID,
		requestID: requestID,
	}
	run.ctrl = auth.NewController(a.Authentication, r.buildPipeline(a, clientID, requestID), bundle,
		pipeline.StageContext{
			App:       a.Key,
			Action:    m.Path,
			ClientID:  clientID,
			RequestID: requestID,
			Logger:    r.logger.Named("auth"),
		},
		auth.WithClock(r.opts.Now),
		auth.WithRefreshObserver(func(outcome string) { r.opts.Metrics.AuthRefresh(a.Key, outcome) }),
	)
	if len(a.Hydrators) > 0 {
		run.dehydrator = stash.NewDehydrator(a.Key, r.opts.DehydrateSecret, a.HydratorKeys())
	}

	r.logger.Debug(clientID, requestID, "invocation started", map[string]interface{}{
		"app":       a.Key,
		"method":    m.Path,
		"auth_data": a.Authentication.CensorAuthData(bundle.AuthData),
	})

	output, fieldErrors, err := run.dispatch(ctx)
	elapsed := time.Since(start)
	result := &Result{
		Output:      output,
		AuthData:    run.ctrl.AuthDataUpdates(),
		FieldErrors: fieldErrors,
		RequestID:   requestID,
	}
	fields := map[string]interface{}{
		"app":       a.Key,
		"method":    m.Path,
		"refreshed": run.ctrl.Refreshed(),
	}

	if err != nil {
		err = wrapFailure(a, m, err)
		kind := base.Classify(err)
		fields["duration_ms"] = float64(elapsed.Microseconds()) / 1000
		r.logger.ErrorWithType(clientID, requestID, "invocation failed", kind, err, fields)
		r.opts.Metrics.Invocation(a.Key, m.Path, kind, elapsed)
		if len(result.AuthData) == 0 {
			return nil, err
		}
		result.Output = nil
		result.FieldErrors = nil
		return result, err
	}

	if len(fieldErrors) > 0 {
		fields["field_errors"] = len(fieldErrors)
	}
	r.logger.InfoWithDuration(clientID, requestID, "invocation completed", float64(elapsed.Microseconds())/1000, fields)
	r.opts.Metrics.Invocation(a.Key, m.Path, "success", elapsed)
	return result, nil
}

// buildPipeline assembles the fixed stage order: request preparation, auth
// stages, app stages, then finalization; and on the way back response
// parsing, auth checks, app stages and the status check.
func (r *Runner) buildPipeline(a *App, clientID, requestID string) *pipeline.Pipeline {
	authBefores, authAfters := a.Authentication.Stages(r.opts.Now)
	return pipeline.New(r.opts.Transport).
		WithObserver(pipeline.LoggingObserver(r.logger.Named("http"), clientID, requestID)).
		WithObserver(func(_ *base.Request, resp *base.Response, _ error, _ time.Duration) {
			status := 0
			if resp != nil {
				status = resp.Status
			}
			r.opts.Metrics.HTTPRequest(a.Key, status)
		}).
		WithBefores(pipeline.PrepareRequest(r.opts.UserAgent)).
		WithBefores(authBefores...).
		WithBefores(a.Befores...).
		WithBefores(pipeline.FinalizeRequest()).
		WithAfters(pipeline.ParseResponse()).
		WithAfters(authAfters...).
		WithAfters(a.Afters...).
		WithAfters(pipeline.ThrowForStatus())
}

// wrapFailure flattens stray refresh signals and tags the error with the
// app, method and failing stage.
func wrapFailure(a *App, m Method, err error) error {
	var authErr *base.AuthenticationError
	if base.IsRefreshSignal(err) && !errors.As(err, &authErr) {
		err = &base.AuthenticationError{Message: "credentials need reconnecting: " + err.Error()}
	}
	stage := ""
	var stageErr *base.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	return base.NewActionError(a.Key, m.Path, stage, string(m.Kind)+" failed", err)
}

// clientIDOf returns a short account fingerprint for log lines.
func clientIDOf(bundle *base.Bundle) string {
	if len(bundle.AuthData) == 0 {
		return ""
	}
	return base.AuthIdentity(bundle.AuthData)[:16]
}

// invocation is the state of one Invoke call.
type invocation struct {
	runner     *Runner
	app        *App
	method     Method
	reference  string
	clientID   string
	requestID  string
	ctrl       *auth.Controller
	dehydrator *stash.Dehydrator
}

func (iv *invocation) dispatch(ctx context.Context) (interface{}, []stash.FieldError, error) {
	cfg := iv.app.Authentication
	switch iv.method.Kind {
	case MethodTest:
		if err := iv.requireAuth(""); err != nil {
			return nil, nil, err
		}
		out, err := cfg.RunTest(ctx, iv.ctrl, iv.ctrl.Bundle())
		return out, nil, err

	case MethodConnectionLabel:
		if err := iv.requireAuth(""); err != nil {
			return nil, nil, err
		}
		testResult, err := cfg.RunTest(ctx, iv.ctrl, iv.ctrl.Bundle())
		if err != nil {
			return nil, nil, err
		}
		label, err := cfg.Label(ctx, iv.ctrl, iv.ctrl.Bundle(), testResult)
		return label, nil, err

	case MethodSessionPerform:
		return iv.exchange(ctx, auth.KindSession, cfg.SessionPerform)
	case MethodOAuth2AccessToken:
		return iv.exchange(ctx, auth.KindOAuth2, cfg.GetAccessToken)
	case MethodOAuth2Refresh:
		return iv.exchange(ctx, auth.KindOAuth2, cfg.RefreshAccessToken)
	case MethodOAuth1RequestToken:
		return iv.exchange(ctx, auth.KindOAuth1, cfg.GetRequestToken)
	case MethodOAuth1AccessToken:
		return iv.exchange(ctx, auth.KindOAuth1, cfg.GetAccessToken)

	case MethodOAuth2AuthorizeURL, MethodOAuth1AuthorizeURL:
		want := auth.KindOAuth2
		if iv.method.Kind == MethodOAuth1AuthorizeURL {
			want = auth.KindOAuth1
		}
		if err := iv.requireAuth(want); err != nil {
			return nil, nil, err
		}
		u, err := cfg.AuthorizeURL(iv.ctrl.Bundle())
		return u, nil, err

	case MethodPerform:
		return iv.perform(ctx)
	case MethodPerformBulk:
		return iv.performBulk(ctx)
	case MethodHydrator:
		return iv.hydrate(ctx)
	}
	return nil, nil, base.NewValidationError("method", base.Violation{Path: iv.method.Path, Message: "unknown method"})
}

// requireAuth checks that the app has authentication, of kind want when set.
func (iv *invocation) requireAuth(want auth.Kind) error {
	cfg := iv.app.Authentication
	if cfg == nil || cfg.Strategy == nil {
		return base.NewValidationError("authentication", base.Violation{Message: "app defines no authentication"})
	}
	if want != "" && cfg.Kind() != want {
		return base.NewValidationError("authentication", base.Violation{
			Path:    "authentication.type",
			Message: fmt.Sprintf("method %s needs %s authentication, app uses %s", iv.method.Path, want, cfg.Kind()),
		})
	}
	return nil
}

// exchange runs a credential procedure and records the returned fields as
// authData updates. Its requests never enter the refresh cycle.
func (iv *invocation) exchange(ctx context.Context, want auth.Kind, proc auth.Procedure) (interface{}, []stash.FieldError, error) {
	if err := iv.requireAuth(want); err != nil {
		return nil, nil, err
	}
	updates, err := proc(ctx, noRefresh{iv.ctrl}, iv.ctrl.Bundle())
	if err != nil {
		return nil, nil, err
	}
	iv.ctrl.Apply(updates)
	return updates, nil, nil
}

func (iv *invocation) action() (*Action, error) {
	act, ok := iv.app.Action(iv.method.Group, iv.method.Key)
	if !ok {
		return nil, base.NewValidationError("method", base.Violation{
			Path:    iv.method.Path,
			Message: fmt.Sprintf("app %s has no %s.%s", iv.app.Key, iv.method.Group, iv.method.Key),
		})
	}
	return act, nil
}

func (iv *invocation) perform(ctx context.Context) (interface{}, []stash.FieldError, error) {
	act, err := iv.action()
	if err != nil {
		return nil, nil, err
	}
	op := act.Operation
	if op.Perform == nil {
		return nil, nil, base.NewValidationError("method", base.Violation{Path: iv.method.Path, Message: "action is buffered; call performBulk"})
	}
	if err := iv.admit(ctx, act); err != nil {
		return nil, nil, err
	}

	z := iv.newZ(op)
	out, err := iv.withRecovery(ctx, func() (interface{}, error) {
		return op.Perform(ctx, z, iv.ctrl.Bundle())
	})
	if err != nil {
		return nil, nil, err
	}
	return iv.resolver().Resolve(ctx, out, op.RequiredOutputFields)
}

func (iv *invocation) performBulk(ctx context.Context) (interface{}, []stash.FieldError, error) {
	act, err := iv.action()
	if err != nil {
		return nil, nil, err
	}
	op := act.Operation
	if op.PerformBulk == nil || op.Buffer == nil {
		return nil, nil, base.NewValidationError("method", base.Violation{Path: iv.method.Path, Message: "action is not buffered"})
	}
	if err := iv.admit(ctx, act); err != nil {
		return nil, nil, err
	}

	actionKey := iv.method.ActionKey()
	rec := bulk.NewReconciler(
		bulk.Options{GroupedBy: op.Buffer.GroupedBy, Limit: op.Buffer.Limit, Concurrency: op.Buffer.Concurrency},
		iv.runner.logger.Named("bulk"),
		func(outcome string) { iv.runner.opts.Metrics.BulkItem(iv.app.Key, actionKey, outcome) },
	)
	z := iv.newZ(op)
	results, err := rec.PerformBulk(ctx, iv.ctrl.Bundle(), func(ctx context.Context, group *base.Bundle) (interface{}, error) {
		return iv.withRecovery(ctx, func() (interface{}, error) {
			current := iv.ctrl.Bundle()
			current.Bulk = group.Bulk
			return op.PerformBulk(ctx, z, current)
		})
	})
	if err != nil {
		return nil, nil, err
	}

	// Each item resolves on its own so one failed required file only fails
	// that item.
	resolver := iv.resolver()
	var fieldErrors []stash.FieldError
	for id, res := range results {
		if res.Error != "" || res.OutputData == nil {
			continue
		}
		out, errs, err := resolver.Resolve(ctx, res.OutputData, op.RequiredOutputFields)
		if err != nil {
			results[id] = bulk.Result{Error: err.Error()}
			continue
		}
		res.OutputData, _ = out.(map[string]interface{})
		results[id] = res
		for _, fe := range errs {
			fieldErrors = append(fieldErrors, stash.FieldError{Path: id + ".outputData." + fe.Path, Err: fe.Err})
		}
	}
	return results, fieldErrors, nil
}

func (iv *invocation) hydrate(ctx context.Context) (interface{}, []stash.FieldError, error) {
	fn := iv.app.Hydrators[iv.method.Key]
	if fn == nil || iv.dehydrator == nil {
		return nil, nil, base.NewValidationError("method", base.Violation{Path: iv.method.Path, Message: "unknown hydrator"})
	}
	if iv.reference == "" {
		return nil, nil, base.NewValidationError("reference", base.Violation{Message: "required"})
	}
	h, err := iv.dehydrator.Decode(iv.reference)
	if err != nil {
		return nil, nil, base.NewValidationError("reference", base.Violation{Message: err.Error()})
	}
	if h.HydratorKey != iv.method.Key {
		return nil, nil, base.NewValidationError("reference", base.Violation{
			Message: fmt.Sprintf("reference is for hydrator %s, not %s", h.HydratorKey, iv.method.Key),
		})
	}

	z := iv.newZ(Operation{})
	out, err := iv.withRecovery(ctx, func() (interface{}, error) {
		return fn(ctx, z, iv.ctrl.Bundle().WithInputData(h.InputData))
	})
	if err != nil {
		return nil, nil, err
	}
	return iv.resolver().Resolve(ctx, out, nil)
}

// withRecovery runs fn and, when it returns a refresh signal itself, refreshes
// credentials through the controller and runs it once more.
func (iv *invocation) withRecovery(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	out, err := fn()
	if err == nil || !base.IsRefreshSignal(err) {
		return out, err
	}
	if rerr := iv.ctrl.Recover(ctx, err); rerr != nil {
		return nil, rerr
	}
	return fn()
}

func (iv *invocation) admit(ctx context.Context, act *Action) error {
	cfg := iv.app.ThrottleFor(act)
	if cfg == nil {
		return nil
	}
	return iv.runner.enforcer.ShouldAdmit(ctx, iv.app.Key+":"+iv.method.ActionKey(), iv.ctrl.Bundle(), cfg).Err()
}

func (iv *invocation) newZ(op Operation) *Z {
	bundle := iv.ctrl.Bundle()
	return &Z{
		Cursor: Cursor{
			store:   iv.runner.opts.Cursors,
			key:     cursor.ScopeKey(iv.app.Key+":"+iv.method.ActionKey(), bundle.AuthData),
			enabled: op.CanPaginate && iv.method.Group == GroupTriggers,
		},
		requester:  iv.ctrl,
		dehydrator: iv.dehydrator,
		stasher:    iv.runner.stasher,
		logger:     iv.runner.logger.Named("console"),
		clientID:   iv.clientID,
		requestID:  iv.requestID,
		fields:     map[string]interface{}{"app": iv.app.Key, "method": iv.method.Path},
	}
}

func (iv *invocation) resolver() *stash.Resolver {
	return stash.NewResolver(iv.dehydrator, iv.runner.stasher, iv.runner.logger.Named("stash"))
}

// noRefresh sends requests that must fail rather than refresh.
type noRefresh struct {
	ctrl *auth.Controller
}

func (n noRefresh) Request(ctx context.Context, req *base.Request) (*base.Response, error) {
	out := req.Clone()
	out.SkipRefresh = true
	return n.ctrl.Request(ctx, out)
}
