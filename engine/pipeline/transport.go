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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseSize is the maximum response body size (10MB)
	DefaultMaxResponseSize = 10 * 1024 * 1024
)

// Keys of base.Request.Auth understood by HTTPTransport.
const (
	AuthDigestUsername      = "digest_username"
	AuthDigestPassword      = "digest_password"
	AuthOAuthConsumerKey    = "oauth_consumer_key"
	AuthOAuthConsumerSecret = "oauth_consumer_secret"
	AuthOAuthToken          = "oauth_token"
	AuthOAuthTokenSecret    = "oauth_token_secret"
	AuthOAuthVerifier       = "oauth_verifier"
	AuthOAuthCallback       = "oauth_callback"
)

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	Timeout          time.Duration
	MaxResponseSize  int64
	TLSSkipVerify    bool
	AllowPrivateIPs  bool
	DisableRedirects bool
}

// HTTPTransport performs one HTTP exchange per call with SSRF protection,
// a response size cap, digest handshakes and OAuth1 signing.
type HTTPTransport struct {
	client          *http.Client
	maxResponseSize int64
	allowPrivateIPs bool
	logger          *logger.Logger

	lookupIP func(host string) ([]net.IP, error)
	now      func() time.Time
	nonce    func() string
}

// NewHTTPTransport creates a transport with secure defaults
func NewHTTPTransport(cfg TransportConfig, log *logger.Logger) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxSize := cfg.MaxResponseSize
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if cfg.TLSSkipVerify {
		tlsConfig.InsecureSkipVerify = true
		log.Warn("", "", "TLS verification disabled for outbound requests", nil)
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	if cfg.DisableRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &HTTPTransport{
		client:          client,
		maxResponseSize: maxSize,
		allowPrivateIPs: cfg.AllowPrivateIPs,
		logger:          log,
		lookupIP:        net.LookupIP,
		now:             time.Now,
		nonce:           randomNonce,
	}
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *base.Request) (*base.Response, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("url must use http or https scheme")
	}
	if !t.allowPrivateIPs {
		if err := t.validateHost(parsed.Hostname()); err != nil {
			return nil, fmt.Errorf("SSRF protection: %w", err)
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := t.newRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}
	if req.Auth[AuthOAuthConsumerKey] != "" {
		httpReq.Header.Set("Authorization", signOAuth1(req, parsed, body, t.now(), t.nonce()))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	// Digest: answer one challenge within the same exchange.
	if resp.StatusCode == http.StatusUnauthorized && req.Auth[AuthDigestUsername] != "" {
		challenge := resp.Header.Get("WWW-Authenticate")
		if strings.HasPrefix(strings.ToLower(challenge), "digest ") {
			drain(resp)
			authz, err := digestAuthorization(challenge, req.Method, parsed.RequestURI(),
				req.Auth[AuthDigestUsername], req.Auth[AuthDigestPassword], t.nonce())
			if err != nil {
				return nil, err
			}
			httpReq, err = t.newRequest(ctx, req, body)
			if err != nil {
				return nil, err
			}
			httpReq.Header.Set("Authorization", authz)
			resp, err = t.client.Do(httpReq)
			if err != nil {
				return nil, err
			}
		}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(raw)) > t.maxResponseSize {
		return nil, fmt.Errorf("response size exceeds limit of %d bytes", t.maxResponseSize)
	}

	return &base.Response{
		Status:  resp.StatusCode,
		Headers: base.HeaderFromHTTP(resp.Header),
		Raw:     raw,
		Request: req,
	}, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, req *base.Request, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Headers.ToHTTP(httpReq.Header)
	return httpReq, nil
}

// validateHost checks if the host is safe to connect to (SSRF protection)
func (t *HTTPTransport) validateHost(host string) error {
	ips, err := t.lookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("connection to private IP %s is not allowed (host: %s)", ip, host)
		}
	}
	return nil
}

// isPrivateIP checks if an IP address is private/reserved
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("unencoded request body of type %T", body)
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
}
