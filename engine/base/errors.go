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
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ActionError wraps a failure with the app, action and stage it came from.
type ActionError struct {
	App     string
	Action  string
	Stage   string
	Message string
	Cause   error
}

func (e *ActionError) Error() string {
	prefix := e.App + "." + e.Action
	if e.Stage != "" {
		prefix += "[" + e.Stage + "]"
	}
	if e.Cause != nil {
		return prefix + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return prefix + ": " + e.Message
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// NewActionError creates a new ActionError
func NewActionError(app, action, stage, message string, cause error) *ActionError {
	return &ActionError{
		App:     app,
		Action:  action,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// StageError wraps an error returned by a pipeline stage with its name.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return "stage " + e.Stage + ": " + e.Cause.Error()
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// AuthenticationError is terminal: credentials are wrong or could not be refreshed.
type AuthenticationError struct {
	Message string
	Cause   error
}

func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return "authentication failed: " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// RefreshAuthError asks the engine to refresh credentials and retry once.
// It never reaches the caller.
type RefreshAuthError struct {
	Message string
}

func (e *RefreshAuthError) Error() string {
	if e.Message == "" {
		return "credentials need refresh"
	}
	return "credentials need refresh: " + e.Message
}

// ExpiredAuthError is raised before sending when stored credentials are
// known to be expired. It is handled like RefreshAuthError.
type ExpiredAuthError struct {
	ExpiredAt time.Time
}

func (e *ExpiredAuthError) Error() string {
	return fmt.Sprintf("credentials expired at %s", e.ExpiredAt.UTC().Format(time.RFC3339))
}

// ThrottleError reports a rate-limit decision. When Retry is false the caller
// must not retry and RetryAfter is zero.
type ThrottleError struct {
	// Message is set when a perform routine raises the error itself.
	Message    string
	Key        string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
	Retry      bool
}

func (e *ThrottleError) Error() string {
	if e.Message != "" {
		if e.Retry {
			return fmt.Sprintf("throttled: %s, retry after %s", e.Message, e.RetryAfter)
		}
		return "throttled: " + e.Message
	}
	if !e.Retry {
		return fmt.Sprintf("throttled: limit of %d per %s reached", e.Limit, e.Window)
	}
	return fmt.Sprintf("throttled: limit of %d per %s reached, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

// Violation is one problem found by validation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError collects every violation found for a value.
type ValidationError struct {
	Path       string
	Violations []Violation
}

// NewValidationError builds a ValidationError with violations sorted by path.
func NewValidationError(path string, violations ...Violation) *ValidationError {
	v := append([]Violation(nil), violations...)
	sort.SliceStable(v, func(i, j int) bool { return v[i].Path < v[j].Path })
	return &ValidationError{Path: path, Violations: v}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Path != "" {
			parts = append(parts, v.Path+": "+v.Message)
		} else {
			parts = append(parts, v.Message)
		}
	}
	msg := "invalid " + e.Path
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	return msg
}

// HTTPError is raised by throwForStatus for non-success responses.
type HTTPError struct {
	Status int
	Method string
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.Status, body)
}

// HaltedError stops an action on purpose. It is neither retried nor refreshed.
type HaltedError struct {
	Message string
}

func (e *HaltedError) Error() string {
	return "halted: " + e.Message
}

// IsRefreshSignal reports whether err asks for a credential refresh.
func IsRefreshSignal(err error) bool {
	var refresh *RefreshAuthError
	var expired *ExpiredAuthError
	return errors.As(err, &refresh) || errors.As(err, &expired)
}

// Error kinds returned by Classify.
const (
	KindAuthentication = "AuthenticationError"
	KindRefresh        = "RefreshAuthError"
	KindThrottle       = "ThrottleError"
	KindValidation     = "ValidationError"
	KindHalted         = "HaltedError"
	KindHTTP           = "ResponseError"
	KindInternal       = "Error"
)

// Classify maps an error chain to a stable kind name.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var (
		authErr     *AuthenticationError
		throttleErr *ThrottleError
		validErr    *ValidationError
		haltErr     *HaltedError
		httpErr     *HTTPError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuthentication
	case IsRefreshSignal(err):
		return KindRefresh
	case errors.As(err, &throttleErr):
		return KindThrottle
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &haltErr):
		return KindHalted
	case errors.As(err, &httpErr):
		return KindHTTP
	}
	return KindInternal
}

// HTTPStatus maps an error chain to the status the invoke endpoint returns.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case "":
		return http.StatusOK
	case KindAuthentication, KindRefresh:
		return http.StatusUnauthorized
	case KindThrottle:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindHalted:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
