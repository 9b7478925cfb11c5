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
	"fmt"

	"actionkit/platform/engine/base"
)

// Kind names an authentication strategy
type Kind string

const (
	// KindBasic sends username:password as an HTTP Basic credential
	KindBasic Kind = "basic"
	// KindDigest lets the transport answer HTTP Digest challenges
	KindDigest Kind = "digest"
	// KindCustom leaves request decoration to app-level stages
	KindCustom Kind = "custom"
	// KindSession exchanges credentials for a session key
	KindSession Kind = "session"
	// KindOAuth1 signs each request with OAuth 1.0a
	KindOAuth1 Kind = "oauth1"
	// KindOAuth2 attaches a bearer token and refreshes it on demand
	KindOAuth2 Kind = "oauth2"
)

// Requester issues requests through the same pipeline as the action.
type Requester interface {
	Request(ctx context.Context, req *base.Request) (*base.Response, error)
}

// Procedure is an integration-supplied auth step returning authData updates.
type Procedure func(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error)

// TestFunc checks credentials and returns data describing the account.
type TestFunc func(ctx context.Context, r Requester, bundle *base.Bundle) (interface{}, error)

// LabelFunc computes a human-readable connection label.
type LabelFunc func(ctx context.Context, r Requester, bundle *base.Bundle) (string, error)

// Strategy is one of Basic, Digest, Custom, Session, OAuth1 or OAuth2.
// The set is closed; switches over it are exhaustive.
type Strategy interface {
	// Kind returns the strategy name
	Kind() Kind
	strategy()
}

// Basic authentication reads username and password from authData.
type Basic struct{}

// Digest authentication reads username and password from authData and lets
// the transport perform the challenge handshake.
type Digest struct{}

// Custom authentication has no built-in stages.
type Custom struct{}

// Session authentication trades credentials for a session key.
type Session struct {
	// Perform returns the fields merged into authData, usually {sessionKey}.
	Perform Procedure
	// HeaderName, when set, carries authData.sessionKey on every request.
	HeaderName string
	// HeaderPrefix is prepended to the session key (for example "Token ").
	HeaderPrefix string
	// DisableAutoRefresh stops a 401 from triggering a new session.
	DisableAutoRefresh bool
}

// OAuth1 describes the three-legged OAuth 1.0a flow.
type OAuth1 struct {
	ConsumerKey     string
	ConsumerSecret  string
	RequestTokenURL string
	// AuthorizeURL is a template; oauth_token is appended when missing.
	AuthorizeURL   string
	AccessTokenURL string

	GetRequestToken Procedure
	GetAccessToken  Procedure
}

// OAuth2 describes the authorization-code flow.
type OAuth2 struct {
	ClientID     string
	ClientSecret string
	// AuthorizeURL is a template rendered against the bundle.
	AuthorizeURL string
	TokenURL     string
	Scopes       []string

	// GetAccessToken and RefreshAccessToken override the default token
	// exchange against TokenURL.
	GetAccessToken     Procedure
	RefreshAccessToken Procedure
	// AutoRefresh turns 401 responses and expired tokens into a refresh cycle.
	AutoRefresh bool
}

func (Basic) Kind() Kind   { return KindBasic }
func (Digest) Kind() Kind  { return KindDigest }
func (Custom) Kind() Kind  { return KindCustom }
func (Session) Kind() Kind { return KindSession }
func (OAuth1) Kind() Kind  { return KindOAuth1 }
func (OAuth2) Kind() Kind  { return KindOAuth2 }

func (Basic) strategy()   {}
func (Digest) strategy()  {}
func (Custom) strategy()  {}
func (Session) strategy() {}
func (OAuth1) strategy()  {}
func (OAuth2) strategy()  {}

// Field declares one authData input.
type Field struct {
	Key       string `json:"key" yaml:"key"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	Required  bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
	Computed  bool   `json:"computed,omitempty" yaml:"computed,omitempty"`
}

// Test is either a request template or a function.
type Test struct {
	Request *base.Request
	Func    TestFunc
}

// ConnectionLabel is either a template or a function.
type ConnectionLabel struct {
	Template string
	Func     LabelFunc
}

// Config is an app's authentication definition.
type Config struct {
	Strategy        Strategy
	Fields          []Field
	Test            Test
	ConnectionLabel *ConnectionLabel
}

// Kind returns the strategy kind, or "" when no strategy is set.
func (c *Config) Kind() Kind {
	if c == nil || c.Strategy == nil {
		return ""
	}
	return c.Strategy.Kind()
}

// Validate checks the definition for missing pieces.
func (c *Config) Validate() error {
	if c == nil || c.Strategy == nil {
		return nil
	}
	var violations []base.Violation
	if c.Test.Request == nil && c.Test.Func == nil {
		violations = append(violations, base.Violation{Path: "authentication.test", Message: "a test request or function is required"})
	}
	switch s := c.Strategy.(type) {
	case Basic, Digest, Custom:
	case Session:
		if s.Perform == nil {
			violations = append(violations, base.Violation{Path: "authentication.sessionConfig.perform", Message: "required"})
		}
	case OAuth1:
		if s.GetRequestToken == nil && s.RequestTokenURL == "" {
			violations = append(violations, base.Violation{Path: "authentication.oauth1Config.getRequestToken", Message: "a procedure or requestTokenUrl is required"})
		}
		if s.GetAccessToken == nil && s.AccessTokenURL == "" {
			violations = append(violations, base.Violation{Path: "authentication.oauth1Config.getAccessToken", Message: "a procedure or accessTokenUrl is required"})
		}
		if s.AuthorizeURL == "" {
			violations = append(violations, base.Violation{Path: "authentication.oauth1Config.authorizeUrl", Message: "required"})
		}
	case OAuth2:
		if s.AuthorizeURL == "" {
			violations = append(violations, base.Violation{Path: "authentication.oauth2Config.authorizeUrl", Message: "required"})
		}
		if s.GetAccessToken == nil && s.TokenURL == "" {
			violations = append(violations, base.Violation{Path: "authentication.oauth2Config.getAccessToken", Message: "a procedure or tokenUrl is required"})
		}
	default:
		violations = append(violations, base.Violation{Path: "authentication.type", Message: fmt.Sprintf("unsupported strategy %T", s)})
	}
	for i, f := range c.Fields {
		if f.Key == "" {
			violations = append(violations, base.Violation{Path: fmt.Sprintf("authentication.fields.%d.key", i), Message: "required"})
		}
	}
	if len(violations) > 0 {
		return base.NewValidationError("authentication", violations...)
	}
	return nil
}

// CanRefresh reports whether the strategy has a refresh procedure.
func (c *Config) CanRefresh() bool {
	if c == nil {
		return false
	}
	switch s := c.Strategy.(type) {
	case Session:
		return s.Perform != nil
	case OAuth2:
		return s.RefreshAccessToken != nil || s.TokenURL != ""
	}
	return false
}

// alwaysSensitive lists authData keys censored regardless of field declarations.
var alwaysSensitive = []string{"password", "access_token", "refresh_token", "sessionKey", "oauth_token_secret", "api_key"}

func (c *Config) sensitiveKeys() map[string]bool {
	keys := map[string]bool{}
	for _, k := range alwaysSensitive {
		keys[k] = true
	}
	if c != nil {
		for _, f := range c.Fields {
			if f.Sensitive {
				keys[f.Key] = true
			}
		}
	}
	return keys
}

// SensitiveValues returns the authData values that must never be logged.
func (c *Config) SensitiveValues(bundle *base.Bundle) []string {
	if bundle == nil {
		return nil
	}
	var out []string
	for k := range c.sensitiveKeys() {
		if v := base.Stringify(bundle.AuthData[k]); v != "" {
			out = append(out, v)
		}
	}
	return out
}
