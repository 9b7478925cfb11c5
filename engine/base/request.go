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

package base

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the value threaded through the before-stages. Stages return a new
// Request rather than mutating the one they were given.
type Request struct {
	Method  string                 `json:"method"`
	URL     string                 `json:"url"`
	Headers Header                 `json:"headers,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	// Body is a JSON-like value, a string or raw bytes.
	Body interface{} `json:"body,omitempty"`
	// Auth carries signing material consumed by the transport (oauth1, digest).
	Auth map[string]string `json:"auth,omitempty"`

	// SkipTemplating sends URL, headers, params and body verbatim. Set it when
	// any of them carries user input that must not expand bundle placeholders.
	SkipTemplating bool `json:"skipTemplating,omitempty"`

	Timeout            time.Duration `json:"timeout,omitempty"`
	SkipThrowForStatus bool          `json:"skipThrowForStatus,omitempty"`
	// Raw disables JSON decoding of the response body.
	RawResponse bool `json:"raw,omitempty"`
	// SkipRefresh marks a request that must never trigger the refresh cycle,
	// such as the refresh call itself.
	SkipRefresh bool `json:"-"`
	// Generation is the credential generation stamped by the refresh controller.
	Generation uint64 `json:"-"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	out.Params = CloneMap(r.Params)
	out.Body = CloneValue(r.Body)
	if r.Auth != nil {
		out.Auth = make(map[string]string, len(r.Auth))
		for k, v := range r.Auth {
			out.Auth[k] = v
		}
	}
	return &out
}

// SetHeader is a convenience for stages: clone, set, return.
func (r *Request) SetHeader(name, value string) *Request {
	out := r.Clone()
	out.Headers.Set(name, value)
	return out
}

// SetParam clones r and sets a query parameter.
func (r *Request) SetParam(name string, value interface{}) *Request {
	out := r.Clone()
	if out.Params == nil {
		out.Params = map[string]interface{}{}
	}
	out.Params[name] = value
	return out
}

// Response is what the transport returns and the after-stages transform.
type Response struct {
	Status  int         `json:"status"`
	Headers Header      `json:"headers,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Raw     []byte      `json:"-"`
	Request *Request    `json:"-"`
}

// Clone returns a deep copy. The originating request pointer is shared.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = r.Headers.Clone()
	out.Data = CloneValue(r.Data)
	out.Raw = append([]byte(nil), r.Raw...)
	return &out
}

// Text returns the raw body as a string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return string(r.Raw)
}

// JSON decodes the raw body into v.
func (r *Response) JSON(v interface{}) error {
	if r == nil || len(r.Raw) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Raw, v)
}
