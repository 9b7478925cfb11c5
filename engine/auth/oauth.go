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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
)

// ExpiresAt reads authData.expires_at as unix seconds or RFC 3339.
func ExpiresAt(authData map[string]interface{}) (time.Time, bool) {
	switch v := authData["expires_at"].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case string:
		if v == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(n, 0), true
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	case time.Time:
		return v, !v.IsZero()
	}
	return time.Time{}, false
}

// normalizeTokenUpdates derives expires_at from expires_in and clears a stale
// expires_at when the new token carries no expiry.
func normalizeTokenUpdates(updates map[string]interface{}, now time.Time) map[string]interface{} {
	if updates == nil {
		return nil
	}
	out := base.CloneMap(updates)
	if _, ok := out["access_token"]; !ok {
		return out
	}
	if _, ok := out["expires_at"]; ok {
		return out
	}
	var seconds float64
	switch v := out["expires_in"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	case string:
		seconds, _ = strconv.ParseFloat(v, 64)
	}
	if seconds > 0 {
		out["expires_at"] = float64(now.Add(time.Duration(seconds) * time.Second).Unix())
	} else {
		out["expires_at"] = nil
	}
	return out
}

func (s OAuth2) oauthConfig(bundle *base.Bundle) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  base.Render(s.AuthorizeURL, bundle),
			TokenURL: base.Render(s.TokenURL, bundle),
		},
		RedirectURL: base.Stringify(bundle.InputData["redirect_uri"]),
		Scopes:      s.Scopes,
	}
}

// authorizeURL renders the redirect URL the user is sent to.
func (s OAuth2) authorizeURL(bundle *base.Bundle) (string, error) {
	rendered := base.Render(s.AuthorizeURL, bundle)
	if rendered == "" {
		return "", fmt.Errorf("authorizeUrl is empty")
	}
	u, err := url.Parse(rendered)
	if err != nil {
		return "", fmt.Errorf("invalid authorizeUrl: %w", err)
	}
	if u.Query().Has("client_id") {
		return rendered, nil
	}
	// Bare endpoint: let x/oauth2 add the standard parameters.
	cfg := s.oauthConfig(bundle)
	cfg.Endpoint.AuthURL = rendered
	return cfg.AuthCodeURL(base.Stringify(bundle.InputData["state"])), nil
}

func (s OAuth2) getAccessToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if s.GetAccessToken != nil {
		return s.GetAccessToken(ctx, r, bundle)
	}
	code := base.Stringify(bundle.InputData["code"])
	if code == "" {
		return nil, base.NewValidationError("inputData", base.Violation{Path: "inputData.code", Message: "authorization code is required"})
	}
	ctx, err := withRequester(ctx, r)
	if err != nil {
		return nil, err
	}
	tok, err := s.oauthConfig(bundle).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tokenToMap(tok), nil
}

func (s OAuth2) refreshAccessToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if s.RefreshAccessToken != nil {
		return s.RefreshAccessToken(ctx, r, bundle)
	}
	refresh := base.Stringify(bundle.AuthData["refresh_token"])
	if refresh == "" {
		return nil, fmt.Errorf("no refresh_token in authData")
	}
	ctx, err := withRequester(ctx, r)
	if err != nil {
		return nil, err
	}
	src := s.oauthConfig(bundle).TokenSource(ctx, &oauth2.Token{
		RefreshToken: refresh,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	return tokenToMap(tok), nil
}

// withRequester routes x/oauth2's token calls through r so they go through
// the engine transport with its host checks, limits and observers.
func withRequester(ctx context.Context, r Requester) (context.Context, error) {
	if r == nil {
		return nil, errors.New("oauth2 token request needs a requester")
	}
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: requesterTransport{r: r}}), nil
}

// requesterTransport adapts a Requester to http.RoundTripper. Token calls
// never refresh, never fail on status and are sent verbatim.
type requesterTransport struct {
	r Requester
}

func (t requesterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = data
	}
	out := &base.Request{
		Method:             req.Method,
		URL:                req.URL.String(),
		Headers:            base.HeaderFromHTTP(req.Header),
		SkipTemplating:     true,
		SkipThrowForStatus: true,
		SkipRefresh:        true,
		RawResponse:        true,
	}
	if len(body) > 0 {
		out.Body = body
	}
	resp, err := t.r.Request(req.Context(), out)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	resp.Headers.ToHTTP(header)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Raw)),
		ContentLength: int64(len(resp.Raw)),
		Request:       req,
	}, nil
}

func tokenToMap(tok *oauth2.Token) map[string]interface{} {
	out := map[string]interface{}{
		"access_token": tok.AccessToken,
	}
	if tok.RefreshToken != "" {
		out["refresh_token"] = tok.RefreshToken
	}
	if tok.TokenType != "" {
		out["token_type"] = tok.TokenType
	}
	if !tok.Expiry.IsZero() {
		out["expires_at"] = float64(tok.Expiry.Unix())
	}
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		out["id_token"] = id
	}
	return out
}

func (s OAuth1) getRequestToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if s.GetRequestToken != nil {
		return s.GetRequestToken(ctx, r, bundle)
	}
	auth := map[string]string{}
	if cb := base.Stringify(bundle.InputData["redirect_uri"]); cb != "" {
		auth[pipeline.AuthOAuthCallback] = cb
	}
	return s.tokenLeg(ctx, r, s.RequestTokenURL, auth)
}

func (s OAuth1) getAccessToken(ctx context.Context, r Requester, bundle *base.Bundle) (map[string]interface{}, error) {
	if s.GetAccessToken != nil {
		return s.GetAccessToken(ctx, r, bundle)
	}
	auth := map[string]string{
		pipeline.AuthOAuthToken:       base.Stringify(bundle.InputData["oauth_token"]),
		pipeline.AuthOAuthTokenSecret: base.Stringify(bundle.InputData["oauth_token_secret"]),
		pipeline.AuthOAuthVerifier:    base.Stringify(bundle.InputData["oauth_verifier"]),
	}
	return s.tokenLeg(ctx, r, s.AccessTokenURL, auth)
}

// tokenLeg posts to an OAuth1 token endpoint and parses the form-encoded reply.
func (s OAuth1) tokenLeg(ctx context.Context, r Requester, endpoint string, auth map[string]string) (map[string]interface{}, error) {
	resp, err := r.Request(ctx, &base.Request{
		Method:      "POST",
		URL:         endpoint,
		Auth:        auth,
		RawResponse: true,
		SkipRefresh: true,
	})
	if err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(strings.TrimSpace(resp.Text()))
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	out := map[string]interface{}{}
	for k := range values {
		out[k] = values.Get(k)
	}
	if out["oauth_token"] == nil {
		return nil, fmt.Errorf("token response has no oauth_token")
	}
	return out, nil
}

func (s OAuth1) authorizeURL(bundle *base.Bundle) (string, error) {
	rendered := base.Render(s.AuthorizeURL, bundle)
	u, err := url.Parse(rendered)
	if err != nil || rendered == "" {
		return "", fmt.Errorf("invalid authorizeUrl %q", rendered)
	}
	q := u.Query()
	if !q.Has("oauth_token") {
		q.Set("oauth_token", base.Stringify(bundle.InputData["oauth_token"]))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
