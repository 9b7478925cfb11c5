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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
)

func buildPipeline(cfg *Config, now func() time.Time, appAfters ...pipeline.After) *pipeline.Pipeline {
	befores, afters := cfg.Stages(now)
	tr := pipeline.NewHTTPTransport(pipeline.TransportConfig{AllowPrivateIPs: true}, nil)
	p := pipeline.New(tr).WithBefores(pipeline.PrepareRequest(""))
	p = p.WithBefores(befores...).WithBefores(pipeline.FinalizeRequest())
	p = p.WithAfters(pipeline.ParseResponse()).WithAfters(afters...).WithAfters(appAfters...)
	return p.WithAfters(pipeline.ThrowForStatus())
}

func newController(cfg *Config, authData map[string]interface{}, opts ...ControllerOption) *Controller {
	bundle := base.NewBundle()
	bundle.AuthData = authData
	return NewController(cfg, buildPipeline(cfg, nil), bundle, pipeline.StageContext{App: "test", Action: "authentication.test"}, opts...)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestBasicHeaderValue(t *testing.T) {
	if got := BasicHeaderValue("user", "secret"); got != "Basic dXNlcjpzZWNyZXQ=" {
		t.Errorf("BasicHeaderValue() = %q", got)
	}
}

func TestBasic_TestProcedure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"username": user})
	}))
	defer srv.Close()

	cfg := &Config{
		Strategy: Basic{},
		Fields:   []Field{{Key: "username", Required: true}, {Key: "password", Required: true, Sensitive: true}},
		Test:     Test{Request: &base.Request{URL: srv.URL + "/me"}},
	}

	tests := []struct {
		name     string
		password string
		wantErr  string
	}{
		{"valid credentials", "secret", ""},
		{"bad password", "badpwd", "incorrect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(cfg, map[string]interface{}{"username": "user", "password": tt.password})
			result, err := cfg.RunTest(context.Background(), c, c.Bundle())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("RunTest() error = %v", err)
				}
				if result.(map[string]interface{})["username"] != "user" {
					t.Errorf("result = %v", result)
				}
				return
			}
			var authErr *base.AuthenticationError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected AuthenticationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDigest_AttachesCredentials(t *testing.T) {
	cfg := &Config{Strategy: Digest{}}
	befores, afters := cfg.Stages(nil)
	if len(befores) != 1 || len(afters) != 1 {
		t.Fatalf("unexpected stages %d/%d", len(befores), len(afters))
	}
	sc := &pipeline.StageContext{Bundle: &base.Bundle{AuthData: map[string]interface{}{"username": "u", "password": "p"}}}
	out, err := befores[0].Fn(context.Background(), &base.Request{URL: "https://example.com"}, sc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Auth[pipeline.AuthDigestUsername] != "u" || out.Auth[pipeline.AuthDigestPassword] != "p" {
		t.Errorf("auth = %v", out.Auth)
	}

	_, err = afters[0].Fn(context.Background(), &base.Response{Status: 401}, sc)
	if err == nil || !strings.Contains(err.Error(), "incorrect") {
		t.Errorf("expected incorrect credentials error, got %v", err)
	}
}

// sessionServer accepts X-Session: good and issues "good" from /login
// unless loginKey overrides it.
func sessionServer(t *testing.T, loginKey string, apiHits, loginHits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			atomic.AddInt32(loginHits, 1)
			writeJSON(w, 200, map[string]interface{}{"key": loginKey})
			return
		}
		atomic.AddInt32(apiHits, 1)
		if r.Header.Get("X-Session") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"ok": true})
	}))
}

func sessionConfig(srv *httptest.Server, performs *int32) *Config {
	return &Config{
		Strategy: Session{
			HeaderName: "X-Session",
			Perform: func(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
				atomic.AddInt32(performs, 1)
				resp, err := r.Request(ctx, &base.Request{
					Method: "POST",
					URL:    srv.URL + "/login",
					Body:   map[string]interface{}{"username": "{{bundle.authData.username}}"},
				})
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"sessionKey": resp.Data.(map[string]interface{})["key"]}, nil
			},
		},
		Test: Test{Request: &base.Request{URL: srv.URL + "/me"}},
	}
}

func TestSession_RefreshesOnceAndRetries(t *testing.T) {
	var apiHits, loginHits, performs int32
	srv := sessionServer(t, "good", &apiHits, &loginHits)
	defer srv.Close()
	cfg := sessionConfig(srv, &performs)

	var outcomes []string
	original := map[string]interface{}{"username": "u", "sessionKey": "stale"}
	c := newController(cfg, original, WithRefreshObserver(func(o string) { outcomes = append(outcomes, o) }))

	resp, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if resp.Status != 200 {
		t.Errorf("status = %d", resp.Status)
	}
	if performs != 1 || apiHits != 2 || loginHits != 1 {
		t.Errorf("performs=%d apiHits=%d loginHits=%d", performs, apiHits, loginHits)
	}
	if got := c.AuthDataUpdates()["sessionKey"]; got != "good" {
		t.Errorf("updates sessionKey = %v", got)
	}
	if original["sessionKey"] != "stale" {
		t.Error("caller's authData was mutated")
	}
	if !c.Refreshed() || len(outcomes) != 1 || outcomes[0] != RefreshSucceeded {
		t.Errorf("outcomes = %v", outcomes)
	}

	// The cycle is spent: later requests with good credentials still work.
	if _, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"}); err != nil {
		t.Errorf("second request error = %v", err)
	}
}

func TestSession_SecondFailureIsTerminal(t *testing.T) {
	var apiHits, loginHits, performs int32
	srv := sessionServer(t, "still-bad", &apiHits, &loginHits)
	defer srv.Close()
	cfg := sessionConfig(srv, &performs)

	var outcomes []string
	c := newController(cfg, map[string]interface{}{"sessionKey": "stale"}, WithRefreshObserver(func(o string) { outcomes = append(outcomes, o) }))
	_, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"})

	var authErr *base.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if base.IsRefreshSignal(err) {
		t.Error("refresh signal leaked to caller")
	}
	if performs != 1 || apiHits != 2 {
		t.Errorf("performs=%d apiHits=%d, want 1 and 2", performs, apiHits)
	}

	// A further request in the same invocation must not refresh again.
	_, err = c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"})
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if performs != 1 {
		t.Errorf("performs = %d after exhausted cycle", performs)
	}
	if len(outcomes) != 2 || outcomes[1] != RefreshExhausted {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestSession_ConcurrentFailuresShareOneRefresh(t *testing.T) {
	var apiHits, loginHits, performs int32
	srv := sessionServer(t, "good", &apiHits, &loginHits)
	defer srv.Close()
	cfg := sessionConfig(srv, &performs)
	c := newController(cfg, map[string]interface{}{"sessionKey": "stale"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if performs != 1 {
		t.Errorf("performs = %d, want 1", performs)
	}
}

func TestSession_DisableAutoRefresh(t *testing.T) {
	var apiHits, loginHits, performs int32
	srv := sessionServer(t, "good", &apiHits, &loginHits)
	defer srv.Close()
	cfg := sessionConfig(srv, &performs)
	s := cfg.Strategy.(Session)
	s.DisableAutoRefresh = true
	cfg.Strategy = s

	c := newController(cfg, map[string]interface{}{"sessionKey": "stale"})
	_, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/recipes"})
	var httpErr *base.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Fatalf("expected HTTPError 401, got %v", err)
	}
	if performs != 0 {
		t.Errorf("performs = %d", performs)
	}
}

func TestRefreshSignalWithoutProcedureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{"error": "token_expired"})
	}))
	defer srv.Close()

	cfg := &Config{Strategy: Custom{}, Test: Test{Request: &base.Request{URL: srv.URL}}}
	stale := pipeline.After{Name: "detectExpired", Fn: func(_ context.Context, resp *base.Response, _ *pipeline.StageContext) (*base.Response, error) {
		if m, ok := resp.Data.(map[string]interface{}); ok && m["error"] == "token_expired" {
			return nil, &base.RefreshAuthError{Message: "token expired"}
		}
		return resp, nil
	}}
	c := NewController(cfg, buildPipeline(cfg, nil, stale), base.NewBundle(), pipeline.StageContext{})

	_, err := c.Request(context.Background(), &base.Request{URL: srv.URL})
	if base.Classify(err) != base.KindAuthentication {
		t.Fatalf("Classify() = %s (%v)", base.Classify(err), err)
	}
	if base.IsRefreshSignal(err) {
		t.Error("refresh signal leaked")
	}
}

func TestController_RecoverFromPerformSignal(t *testing.T) {
	var performs int32
	cfg := &Config{Strategy: Session{Perform: func(context.Context, Requester, *base.Bundle) (map[string]interface{}, error) {
		atomic.AddInt32(&performs, 1)
		return map[string]interface{}{"sessionKey": "fresh"}, nil
	}}}
	c := NewController(cfg, buildPipeline(cfg, nil), base.NewBundle(), pipeline.StageContext{})

	if err := c.Recover(context.Background(), &base.RefreshAuthError{}); err != nil {
		t.Fatalf("first Recover() error = %v", err)
	}
	if c.Bundle().AuthData["sessionKey"] != "fresh" {
		t.Errorf("bundle not updated: %v", c.Bundle().AuthData)
	}
	err := c.Recover(context.Background(), &base.RefreshAuthError{})
	var authErr *base.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("second Recover() = %v, want AuthenticationError", err)
	}
	if performs != 1 {
		t.Errorf("performs = %d", performs)
	}
}

func TestOAuth2_ProactiveRefreshOnExpiry(t *testing.T) {
	var sawExpired int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer old" {
			atomic.AddInt32(&sawExpired, 1)
		}
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"ok": true})
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	var refreshes int32
	cfg := &Config{Strategy: OAuth2{
		AuthorizeURL: "https://auth.example.com/authorize",
		AutoRefresh:  true,
		RefreshAccessToken: func(_ context.Context, _ Requester, b *base.Bundle) (map[string]interface{}, error) {
			atomic.AddInt32(&refreshes, 1)
			if b.AuthData["refresh_token"] != "r1" {
				return nil, errors.New("wrong refresh token")
			}
			return map[string]interface{}{"access_token": "new", "expires_in": float64(3600)}, nil
		},
	}}
	bundle := base.NewBundle()
	bundle.AuthData = map[string]interface{}{"access_token": "old", "refresh_token": "r1", "expires_at": float64(now.Add(-time.Minute).Unix())}
	c := NewController(cfg, buildPipeline(cfg, func() time.Time { return now }), bundle, pipeline.StageContext{}, WithClock(func() time.Time { return now }))

	if _, err := c.Request(context.Background(), &base.Request{URL: srv.URL}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if sawExpired != 0 {
		t.Errorf("expired token was sent %d times", sawExpired)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d", refreshes)
	}
	updates := c.AuthDataUpdates()
	if updates["expires_at"] != float64(now.Add(time.Hour).Unix()) {
		t.Errorf("expires_at = %v", updates["expires_at"])
	}
}

func TestOAuth2_DefaultTokenEndpoint(t *testing.T) {
	var grants []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			_ = r.ParseForm()
			mu.Lock()
			grants = append(grants, r.Form.Get("grant_type"))
			mu.Unlock()
			switch r.Form.Get("grant_type") {
			case "authorization_code":
				if r.Form.Get("code") != "c1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				writeJSON(w, 200, map[string]interface{}{"access_token": "first", "refresh_token": "r1", "token_type": "bearer", "expires_in": 3600})
			case "refresh_token":
				if r.Form.Get("refresh_token") != "r1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				writeJSON(w, 200, map[string]interface{}{"access_token": "second", "token_type": "bearer", "expires_in": 3600})
			}
		default:
			if r.Header.Get("Authorization") != "Bearer second" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, 200, map[string]interface{}{"ok": true})
		}
	}))
	defer srv.Close()

	cfg := &Config{Strategy: OAuth2{
		ClientID:     "id",
		ClientSecret: "secret",
		AuthorizeURL: srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		AutoRefresh:  true,
	}}

	exchange := base.NewBundle()
	exchange.InputData = map[string]interface{}{"code": "c1", "redirect_uri": "https://app.example.com/cb"}
	tokens, err := cfg.GetAccessToken(context.Background(), newController(cfg, nil), exchange)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if tokens["access_token"] != "first" || tokens["refresh_token"] != "r1" {
		t.Fatalf("tokens = %v", tokens)
	}
	if _, ok := tokens["expires_at"]; !ok {
		t.Error("expires_at missing")
	}

	c := newController(cfg, map[string]interface{}{"access_token": "first", "refresh_token": "r1"})
	if _, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/api"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if c.AuthDataUpdates()["access_token"] != "second" {
		t.Errorf("updates = %v", c.AuthDataUpdates())
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(grants, ",") != "authorization_code,refresh_token" {
		t.Errorf("grants = %v", grants)
	}
}

func TestOAuth2_TokenCallsUseEngineTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			_ = r.ParseForm()
			if r.Form.Get("grant_type") == "refresh_token" {
				writeJSON(w, 200, map[string]interface{}{"access_token": "second", "token_type": "bearer"})
				return
			}
			writeJSON(w, 200, map[string]interface{}{"access_token": "first", "refresh_token": "r1", "token_type": "bearer"})
		default:
			if r.Header.Get("Authorization") != "Bearer second" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeJSON(w, 200, map[string]interface{}{"ok": true})
		}
	}))
	defer srv.Close()

	cfg := &Config{Strategy: OAuth2{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		AutoRefresh:  true,
	}}

	var mu sync.Mutex
	var paths []string
	inner := pipeline.NewHTTPTransport(pipeline.TransportConfig{AllowPrivateIPs: true}, nil)
	recording := pipeline.TransportFunc(func(ctx context.Context, req *base.Request) (*base.Response, error) {
		if u, err := url.Parse(req.URL); err == nil {
			mu.Lock()
			paths = append(paths, req.Method+" "+u.Path)
			mu.Unlock()
		}
		return inner.RoundTrip(ctx, req)
	})
	befores, afters := cfg.Stages(nil)
	p := pipeline.New(recording).
		WithBefores(pipeline.PrepareRequest("")).WithBefores(befores...).WithBefores(pipeline.FinalizeRequest()).
		WithAfters(pipeline.ParseResponse()).WithAfters(afters...).WithAfters(pipeline.ThrowForStatus())

	bundle := base.NewBundle()
	bundle.AuthData = map[string]interface{}{"access_token": "first", "refresh_token": "r1"}
	c := NewController(cfg, p, bundle, pipeline.StageContext{App: "test", Action: "triggers.x.operation.perform"})
	if _, err := c.Request(context.Background(), &base.Request{URL: srv.URL + "/api"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	exchange := base.NewBundle()
	exchange.InputData = map[string]interface{}{"code": "c1"}
	if _, err := cfg.GetAccessToken(context.Background(), c, exchange); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "GET /api,POST /token,GET /api,POST /token"
	if got := strings.Join(paths, ","); got != want {
		t.Errorf("transport saw %q, want %q", got, want)
	}
}

func TestOAuth2_TokenCallsHonorHostGuard(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, 200, map[string]interface{}{"access_token": "leaked", "token_type": "bearer"})
	}))
	defer srv.Close()

	cfg := &Config{Strategy: OAuth2{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL + "/token"}}
	guarded := pipeline.New(pipeline.NewHTTPTransport(pipeline.TransportConfig{}, nil)).
		WithBefores(pipeline.PrepareRequest(""), pipeline.FinalizeRequest()).
		WithAfters(pipeline.ParseResponse())
	c := NewController(cfg, guarded, base.NewBundle(), pipeline.StageContext{App: "test"})

	exchange := base.NewBundle()
	exchange.InputData = map[string]interface{}{"code": "c1"}
	tokens, err := cfg.GetAccessToken(context.Background(), c, exchange)
	if err == nil || !strings.Contains(err.Error(), "SSRF protection") {
		t.Fatalf("GetAccessToken() = %v, %v; want SSRF rejection", tokens, err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("token endpoint was reached %d times", hits)
	}
	if _, err := cfg.GetAccessToken(context.Background(), nil, exchange); err == nil {
		t.Error("GetAccessToken() without a requester succeeded")
	}
}

func TestOAuth2_AuthorizeURL(t *testing.T) {
	b := base.NewBundle()
	b.InputData = map[string]interface{}{"state": "s1", "redirect_uri": "https://app.example.com/cb"}

	templated := &Config{Strategy: OAuth2{AuthorizeURL: "https://auth.example.com/authorize?client_id=abc&state={{bundle.inputData.state}}"}}
	got, err := templated.AuthorizeURL(b)
	if err != nil || got != "https://auth.example.com/authorize?client_id=abc&state=s1" {
		t.Errorf("AuthorizeURL() = %q, %v", got, err)
	}

	bare := &Config{Strategy: OAuth2{ClientID: "abc", AuthorizeURL: "https://auth.example.com/authorize", Scopes: []string{"read"}}}
	got, err = bare.AuthorizeURL(b)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"client_id=abc", "state=s1", "response_type=code", "scope=read", "redirect_uri="} {
		if !strings.Contains(got, want) {
			t.Errorf("AuthorizeURL() = %q missing %s", got, want)
		}
	}

	if _, err := (&Config{Strategy: Basic{}}).AuthorizeURL(b); base.Classify(err) != base.KindValidation {
		t.Errorf("expected validation error for basic, got %v", err)
	}
}

func TestOAuth1_TokenLegs(t *testing.T) {
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/request_token":
			_, _ = w.Write([]byte("oauth_token=req&oauth_token_secret=reqsecret&oauth_callback_confirmed=true"))
		case "/access_token":
			_, _ = w.Write([]byte("oauth_token=acc&oauth_token_secret=accsecret&user_id=42"))
		}
	}))
	defer srv.Close()

	cfg := &Config{Strategy: OAuth1{
		ConsumerKey:     "ck",
		ConsumerSecret:  "cs",
		RequestTokenURL: srv.URL + "/request_token",
		AuthorizeURL:    "https://api.example.com/authorize",
		AccessTokenURL:  srv.URL + "/access_token",
	}}
	c := newController(cfg, nil)

	b := base.NewBundle()
	b.InputData = map[string]interface{}{"redirect_uri": "https://app.example.com/cb"}
	reqTok, err := cfg.GetRequestToken(context.Background(), c, b)
	if err != nil {
		t.Fatalf("GetRequestToken() error = %v", err)
	}
	if reqTok["oauth_token"] != "req" || reqTok["oauth_token_secret"] != "reqsecret" {
		t.Errorf("request token = %v", reqTok)
	}
	if !strings.Contains(authHeaders[0], `oauth_callback="https%3A%2F%2Fapp.example.com%2Fcb"`) {
		t.Errorf("callback not signed: %s", authHeaders[0])
	}

	b.InputData = map[string]interface{}{"oauth_token": "req", "oauth_token_secret": "reqsecret", "oauth_verifier": "v"}
	u, err := cfg.AuthorizeURL(b)
	if err != nil || u != "https://api.example.com/authorize?oauth_token=req" {
		t.Errorf("AuthorizeURL() = %q, %v", u, err)
	}
	accTok, err := cfg.GetAccessToken(context.Background(), c, b)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if accTok["oauth_token"] != "acc" || accTok["user_id"] != "42" {
		t.Errorf("access token = %v", accTok)
	}
	if !strings.Contains(authHeaders[1], `oauth_token="req"`) || !strings.Contains(authHeaders[1], `oauth_verifier="v"`) {
		t.Errorf("access leg header = %s", authHeaders[1])
	}
}

func TestConnectionLabel(t *testing.T) {
	cfg := &Config{ConnectionLabel: &ConnectionLabel{Template: "{{bundle.inputData.username}} @ {{bundle.authData.subdomain}}"}}
	b := base.NewBundle()
	b.AuthData["subdomain"] = "acme"
	got, err := cfg.Label(context.Background(), nil, b, map[string]interface{}{"username": "chef"})
	if err != nil || got != "chef @ acme" {
		t.Errorf("Label() = %q, %v", got, err)
	}
	if len(b.InputData) != 0 {
		t.Error("label rendering mutated the bundle")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		wantPaths []string
	}{
		{"no auth", nil, nil},
		{"basic ok", &Config{Strategy: Basic{}, Test: Test{Request: &base.Request{URL: "https://x"}}}, nil},
		{"session missing perform", &Config{Strategy: Session{}, Test: Test{Request: &base.Request{}}}, []string{"authentication.sessionConfig.perform"}},
		{"oauth2 missing everything", &Config{Strategy: OAuth2{}}, []string{"authentication.oauth2Config.authorizeUrl", "authentication.oauth2Config.getAccessToken", "authentication.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.wantPaths) == 0 {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			var ve *base.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			var paths []string
			for _, v := range ve.Violations {
				paths = append(paths, v.Path)
			}
			if strings.Join(paths, ",") != strings.Join(tt.wantPaths, ",") {
				t.Errorf("paths = %v, want %v", paths, tt.wantPaths)
			}
		})
	}
}

func TestCensorAuthData(t *testing.T) {
	cfg := &Config{Fields: []Field{{Key: "pin", Sensitive: true}}}
	out := cfg.CensorAuthData(map[string]interface{}{"username": "u", "password": "p", "pin": "1234"})
	if out["username"] != "u" {
		t.Error("username should be kept")
	}
	if out["password"] == "p" || out["pin"] == "1234" {
		t.Errorf("sensitive values leaked: %v", out)
	}
	if len(cfg.SensitiveValues(&base.Bundle{AuthData: map[string]interface{}{"pin": "1234"}})) != 1 {
		t.Error("SensitiveValues() should return the pin")
	}
}

func TestExpiresAt(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, v := range []interface{}{float64(ts.Unix()), ts.Format(time.RFC3339), "1767323045"} {
		got, ok := ExpiresAt(map[string]interface{}{"expires_at": v})
		if !ok || !got.Equal(ts) {
			t.Errorf("ExpiresAt(%v) = %v, %v", v, got, ok)
		}
	}
	if _, ok := ExpiresAt(map[string]interface{}{"expires_at": nil}); ok {
		t.Error("nil expires_at should be absent")
	}
}
