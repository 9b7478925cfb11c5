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
	"encoding/base64"
	"net/http"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
)

// Stage names added by strategies.
const (
	StageBasicHeader   = "addBasicAuthHeader"
	StageDigestAuth    = "addDigestAuth"
	StageSessionHeader = "addSessionKeyHeader"
	StageOAuth1Sign    = "addOAuth1Signature"
	StageBearerHeader  = "addBearerHeader"
	StageInvalidCreds  = "throwForInvalidCredentials"
	StageStaleAuth     = "throwForStaleAuth"
)

// IncorrectCredentialsMessage is raised when basic or digest credentials are rejected.
const IncorrectCredentialsMessage = "The username and/or password you supplied is incorrect"

// Stages returns the before and after stages contributed by the strategy.
// now is used to detect expired oauth2 tokens.
func (c *Config) Stages(now func() time.Time) ([]pipeline.Before, []pipeline.After) {
	if c == nil || c.Strategy == nil {
		return nil, nil
	}
	if now == nil {
		now = time.Now
	}

	switch s := c.Strategy.(type) {
	case Basic:
		return []pipeline.Before{{Name: StageBasicHeader, Fn: basicHeader}},
			[]pipeline.After{invalidCredentials()}
	case Digest:
		return []pipeline.Before{{Name: StageDigestAuth, Fn: digestCredentials}},
			[]pipeline.After{invalidCredentials()}
	case Custom:
		return nil, nil
	case Session:
		var befores []pipeline.Before
		if s.HeaderName != "" {
			befores = append(befores, pipeline.Before{Name: StageSessionHeader, Fn: sessionHeader(s.HeaderName, s.HeaderPrefix)})
		}
		var afters []pipeline.After
		if !s.DisableAutoRefresh {
			afters = append(afters, staleAuth())
		}
		return befores, afters
	case OAuth1:
		return []pipeline.Before{{Name: StageOAuth1Sign, Fn: oauth1Credentials(s)}}, nil
	case OAuth2:
		canRefresh := c.CanRefresh() && s.AutoRefresh
		befores := []pipeline.Before{{Name: StageBearerHeader, Fn: bearerHeader(canRefresh, now)}}
		var afters []pipeline.After
		if canRefresh {
			afters = append(afters, staleAuth())
		}
		return befores, afters
	}
	return nil, nil
}

func basicHeader(_ context.Context, req *base.Request, sc *pipeline.StageContext) (*base.Request, error) {
	username := base.Stringify(sc.Bundle.AuthData["username"])
	password := base.Stringify(sc.Bundle.AuthData["password"])
	if username == "" && password == "" {
		return req, nil
	}
	return req.SetHeader("Authorization", BasicHeaderValue(username, password)), nil
}

// BasicHeaderValue encodes username:password for the Authorization header.
func BasicHeaderValue(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func digestCredentials(_ context.Context, req *base.Request, sc *pipeline.StageContext) (*base.Request, error) {
	username := base.Stringify(sc.Bundle.AuthData["username"])
	if username == "" {
		return req, nil
	}
	out := req.Clone()
	if out.Auth == nil {
		out.Auth = map[string]string{}
	}
	out.Auth[pipeline.AuthDigestUsername] = username
	out.Auth[pipeline.AuthDigestPassword] = base.Stringify(sc.Bundle.AuthData["password"])
	return out, nil
}

func sessionHeader(name, prefix string) pipeline.BeforeFunc {
	return func(_ context.Context, req *base.Request, sc *pipeline.StageContext) (*base.Request, error) {
		key := base.Stringify(sc.Bundle.AuthData["sessionKey"])
		if key == "" || req.Headers.Has(name) {
			return req, nil
		}
		return req.SetHeader(name, prefix+key), nil
	}
}

func oauth1Credentials(s OAuth1) pipeline.BeforeFunc {
	return func(_ context.Context, req *base.Request, sc *pipeline.StageContext) (*base.Request, error) {
		out := req.Clone()
		if out.Auth == nil {
			out.Auth = map[string]string{}
		}
		// Explicit values from the request (token exchange legs) win.
		setDefault := func(k, v string) {
			if out.Auth[k] == "" && v != "" {
				out.Auth[k] = v
			}
		}
		setDefault(pipeline.AuthOAuthConsumerKey, s.ConsumerKey)
		setDefault(pipeline.AuthOAuthConsumerSecret, s.ConsumerSecret)
		setDefault(pipeline.AuthOAuthToken, base.Stringify(sc.Bundle.AuthData["oauth_token"]))
		setDefault(pipeline.AuthOAuthTokenSecret, base.Stringify(sc.Bundle.AuthData["oauth_token_secret"]))
		return out, nil
	}
}

func bearerHeader(canRefresh bool, now func() time.Time) pipeline.BeforeFunc {
	return func(_ context.Context, req *base.Request, sc *pipeline.StageContext) (*base.Request, error) {
		token := base.Stringify(sc.Bundle.AuthData["access_token"])
		if token == "" || req.Headers.Has("Authorization") {
			return req, nil
		}
		if canRefresh && !req.SkipRefresh {
			if exp, ok := ExpiresAt(sc.Bundle.AuthData); ok && !now().Before(exp) {
				return nil, &base.ExpiredAuthError{ExpiredAt: exp}
			}
		}
		return req.SetHeader("Authorization", "Bearer "+token), nil
	}
}

// invalidCredentials maps a 401 to a terminal authentication error.
func invalidCredentials() pipeline.After {
	return pipeline.After{Name: StageInvalidCreds, Fn: func(_ context.Context, resp *base.Response, _ *pipeline.StageContext) (*base.Response, error) {
		if resp.Status != http.StatusUnauthorized {
			return resp, nil
		}
		if resp.Request != nil && resp.Request.SkipThrowForStatus {
			return resp, nil
		}
		return nil, &base.AuthenticationError{Message: IncorrectCredentialsMessage}
	}}
}

// staleAuth turns a 401 into a refresh signal.
func staleAuth() pipeline.After {
	return pipeline.After{Name: StageStaleAuth, Fn: func(_ context.Context, resp *base.Response, _ *pipeline.StageContext) (*base.Response, error) {
		if resp.Status != http.StatusUnauthorized {
			return resp, nil
		}
		if resp.Request != nil && resp.Request.SkipRefresh {
			return resp, nil
		}
		return nil, &base.RefreshAuthError{Message: "remote API answered 401"}
	}}
}
