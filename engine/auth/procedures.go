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
	"fmt"
	"net/http"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// RunTest runs the test procedure. Remote 401/403 answers surface as
// *base.AuthenticationError so the platform can ask for reconnection.
func (c *Config) RunTest(ctx context.Context, r Requester, bundle *base.Bundle) (interface{}, error) {
	if c == nil || (c.Test.Func == nil && c.Test.Request == nil) {
		return nil, base.NewValidationError("authentication.test", base.Violation{Path: "authentication.test", Message: "not defined"})
	}

	var (
		result interface{}
		err    error
	)
	if c.Test.Func != nil {
		result, err = c.Test.Func(ctx, r, bundle)
	} else {
		var resp *base.Response
		resp, err = r.Request(ctx, c.Test.Request)
		if err == nil {
			result = resp.Data
		}
	}
	if err != nil {
		return nil, asAuthError(err)
	}
	return result, nil
}

// asAuthError converts credential rejections into authentication errors.
func asAuthError(err error) error {
	var authErr *base.AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	var httpErr *base.HTTPError
	if errors.As(err, &httpErr) && (httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden) {
		return &base.AuthenticationError{Message: "the remote API rejected the credentials", Cause: err}
	}
	return err
}

// Label computes the connection label from the test result.
func (c *Config) Label(ctx context.Context, r Requester, bundle *base.Bundle, testResult interface{}) (string, error) {
	if c == nil || c.ConnectionLabel == nil {
		return "", nil
	}
	if c.ConnectionLabel.Func != nil {
		return c.ConnectionLabel.Func(ctx, r, bundle)
	}
	input := map[string]interface{}{}
	if m, ok := testResult.(map[string]interface{}); ok {
		input = m
	}
	return base.Render(c.ConnectionLabel.Template, bundle.WithInputData(input)), nil
}

// Refresh runs the strategy's refresh procedure and returns authData updates.
func (c *Config) Refresh(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if c == nil || c.Strategy == nil {
		return nil, errNoRefresh(c.Kind())
	}
	switch s := c.Strategy.(type) {
	case Session:
		if s.Perform == nil {
			return nil, errNoRefresh(KindSession)
		}
		return s.Perform(ctx, r, bundle)
	case OAuth2:
		if s.RefreshAccessToken == nil && s.TokenURL == "" {
			return nil, errNoRefresh(KindOAuth2)
		}
		return s.refreshAccessToken(ctx, r, bundle)
	case Basic, Digest, Custom, OAuth1:
		return nil, errNoRefresh(s.Kind())
	}
	return nil, errNoRefresh(c.Kind())
}

func errNoRefresh(kind Kind) error {
	return fmt.Errorf("%s authentication has no refresh procedure", kind)
}

// SessionPerform runs sessionConfig.perform.
func (c *Config) SessionPerform(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	s, ok := c.Strategy.(Session)
	if !ok || s.Perform == nil {
		return nil, wrongKind(c, KindSession)
	}
	return s.Perform(ctx, r, bundle)
}

// AuthorizeURL renders the user-facing redirect for oauth1 and oauth2.
func (c *Config) AuthorizeURL(bundle *base.Bundle) (string, error) {
	switch s := c.Strategy.(type) {
	case OAuth2:
		return s.authorizeURL(bundle)
	case OAuth1:
		return s.authorizeURL(bundle)
	}
	return "", wrongKind(c, KindOAuth2)
}

// GetAccessToken completes the oauth1 or oauth2 flow.
func (c *Config) GetAccessToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	switch s := c.Strategy.(type) {
	case OAuth2:
		updates, err := s.getAccessToken(ctx, r, bundle)
		if err != nil {
			return nil, err
		}
		return normalizeTokenUpdates(updates, time.Now()), nil
	case OAuth1:
		return s.getAccessToken(ctx, r, bundle)
	}
	return nil, wrongKind(c, KindOAuth2)
}

// RefreshAccessToken runs the oauth2 refresh outside the refresh cycle, as
// the platform does when it renews tokens ahead of time.
func (c *Config) RefreshAccessToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if _, ok := c.Strategy.(OAuth2); !ok {
		return nil, wrongKind(c, KindOAuth2)
	}
	updates, err := c.Refresh(ctx, r, bundle)
	if err != nil {
		return nil, err
	}
	return normalizeTokenUpdates(updates, time.Now()), nil
}

// GetRequestToken starts the oauth1 flow.
func (c *Config) GetRequestToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	s, ok := c.Strategy.(OAuth1)
	if !ok {
		return nil, wrongKind(c, KindOAuth1)
	}
	return s.getRequestToken(ctx, r, bundle)
}

func wrongKind(c *Config, want Kind) error {
	return base.NewValidationError("authentication", base.Violation{
		Path:    "authentication.type",
		Message: fmt.Sprintf("operation requires %s authentication, app uses %q", want, c.Kind()),
	})
}

// CensorAuthData returns a copy of authData safe to log.
func (c *Config) CensorAuthData(authData map[string]interface{}) map[string]interface{} {
	sensitive := c.sensitiveKeys()
	out := make(map[string]interface{}, len(authData))
	for k, v := range authData {
		if sensitive[k] && v != nil {
			out[k] = logger.Censor(base.Stringify(v))
			continue
		}
		out[k] = v
	}
	return out
}
