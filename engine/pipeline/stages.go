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
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"
	"time"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// DefaultUserAgent is sent when a request carries no User-Agent.
const DefaultUserAgent = "ActionKit-Runner/1.0"

// Stage names used by the built-in stages.
const (
	StagePrepareRequest  = "prepareRequest"
	StageFinalizeRequest = "finalizeRequest"
	StageParseResponse   = "parseResponse"
	StageThrowForStatus  = "throwForStatus"
)

// PrepareRequest renders bundle placeholders, unless the request opts out
// with SkipTemplating, and fills in default headers.
func PrepareRequest(userAgent string) Before {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return Before{Name: StagePrepareRequest, Fn: func(_ context.Context, req *base.Request, sc *StageContext) (*base.Request, error) {
		out := req.Clone()
		out.Method = strings.ToUpper(strings.TrimSpace(out.Method))
		if out.Method == "" {
			out.Method = "GET"
		}
		if !out.SkipTemplating {
			out.URL = base.Render(out.URL, sc.Bundle)
			for i, f := range out.Headers {
				out.Headers[i].Value = base.Render(f.Value, sc.Bundle)
			}
			if out.Params != nil {
				out.Params = base.RenderValue(out.Params, sc.Bundle).(map[string]interface{})
			}
			switch out.Body.(type) {
			case string, map[string]interface{}, []interface{}:
				out.Body = base.RenderValue(out.Body, sc.Bundle)
			}
		}
		if out.URL == "" {
			return nil, fmt.Errorf("request url is required")
		}
		if !out.Headers.Has("User-Agent") {
			out.Headers.Set("User-Agent", userAgent)
		}
		if !out.Headers.Has("Accept") {
			out.Headers.Set("Accept", "application/json, */*")
		}
		return out, nil
	}}
}

// FinalizeRequest merges params into the URL query and encodes structured
// bodies as JSON. It runs after every other before stage.
func FinalizeRequest() Before {
	return Before{Name: StageFinalizeRequest, Fn: func(_ context.Context, req *base.Request, _ *StageContext) (*base.Request, error) {
		out := req.Clone()
		if len(out.Params) > 0 {
			u, err := url.Parse(out.URL)
			if err != nil {
				return nil, fmt.Errorf("invalid url %q: %w", out.URL, err)
			}
			q := u.Query()
			keys := make([]string, 0, len(out.Params))
			for k := range out.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				v := out.Params[k]
				if v == nil {
					continue
				}
				if list, ok := v.([]interface{}); ok {
					for _, item := range list {
						q.Add(k, base.Stringify(item))
					}
					continue
				}
				q.Set(k, base.Stringify(v))
			}
			u.RawQuery = q.Encode()
			out.URL = u.String()
			out.Params = nil
		}

		switch body := out.Body.(type) {
		case map[string]interface{}, []interface{}:
			if isForm(out.Headers.Get("Content-Type")) {
				if m, ok := body.(map[string]interface{}); ok {
					out.Body = encodeForm(m)
					break
				}
			}
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			out.Body = string(data)
			if !out.Headers.Has("Content-Type") {
				out.Headers.Set("Content-Type", "application/json; charset=utf-8")
			}
		}
		return out, nil
	}}
}

// ParseResponse decodes JSON bodies into Response.Data unless the request
// asked for the raw body.
func ParseResponse() After {
	return After{Name: StageParseResponse, Fn: func(_ context.Context, resp *base.Response, _ *StageContext) (*base.Response, error) {
		if resp.Request != nil && resp.Request.RawResponse {
			return resp, nil
		}
		if len(resp.Raw) == 0 || !looksJSON(resp.Headers.Get("Content-Type"), resp.Raw) {
			return resp, nil
		}
		var data interface{}
		if err := json.Unmarshal(resp.Raw, &data); err != nil {
			return resp, nil
		}
		out := resp.Clone()
		out.Data = data
		return out, nil
	}}
}

// ThrowForStatus turns responses with status >= 400 into *base.HTTPError
// unless the request opted out.
func ThrowForStatus() After {
	return After{Name: StageThrowForStatus, Fn: func(_ context.Context, resp *base.Response, _ *StageContext) (*base.Response, error) {
		if resp.Status < 400 {
			return resp, nil
		}
		if resp.Request != nil && resp.Request.SkipThrowForStatus {
			return resp, nil
		}
		httpErr := &base.HTTPError{Status: resp.Status, Body: resp.Text()}
		if resp.Request != nil {
			httpErr.Method = resp.Request.Method
			httpErr.URL = resp.Request.URL
		}
		return nil, httpErr
	}}
}

// sensitiveHeaders are always redacted in logs.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
}

// RedactHeaders renders h for logging with credential values censored.
func RedactHeaders(h base.Header, extra ...string) map[string]interface{} {
	hidden := map[string]bool{}
	for _, name := range extra {
		hidden[strings.ToLower(name)] = true
	}
	out := make(map[string]interface{}, len(h))
	for _, f := range h {
		name := strings.ToLower(f.Name)
		if sensitiveHeaders[name] || hidden[name] {
			out[f.Name] = logger.Censor(f.Value)
			continue
		}
		out[f.Name] = f.Value
	}
	return out
}

// LoggingObserver logs every exchange at DEBUG with credentials censored.
func LoggingObserver(log *logger.Logger, clientID, requestID string) Observer {
	return func(req *base.Request, resp *base.Response, err error, elapsed time.Duration) {
		fields := map[string]interface{}{
			"method":      req.Method,
			"url":         redactURL(req.URL),
			"headers":     RedactHeaders(req.Headers),
			"duration_ms": float64(elapsed.Microseconds()) / 1000.0,
		}
		if err != nil {
			fields["error"] = err.Error()
			log.Debug(clientID, requestID, "http request failed", fields)
			return
		}
		fields["status"] = resp.Status
		log.Debug(clientID, requestID, "http request completed", fields)
	}
}

// redactURL censors credential-looking query parameters.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "key") || strings.Contains(lk, "secret") || lk == "password" {
			q.Set(k, logger.Censor(q.Get(k)))
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func isForm(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/x-www-form-urlencoded"
}

func encodeForm(m map[string]interface{}) string {
	values := url.Values{}
	for k, v := range m {
		if v == nil {
			continue
		}
		values.Set(k, base.Stringify(v))
	}
	return values.Encode()
}

func looksJSON(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
		if mt != "" && mt != "text/plain" {
			return false
		}
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}
