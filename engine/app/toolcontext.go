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
	"io"
	"time"

	"actionkit/platform/engine/auth"
	"actionkit/platform/engine/base"
	"actionkit/platform/engine/cursor"
	"actionkit/platform/engine/stash"
	"actionkit/platform/shared/logger"
)

// ErrNoCursor is returned by cursor access outside a paginating trigger.
var ErrNoCursor = errors.New("cursor is only available to triggers with canPaginate")

// Z is the tool context handed to perform routines. It is bound to one
// invocation and is safe for concurrent use by bulk groups.
type Z struct {
	Cursor Cursor
	Errors Errors

	requester  auth.Requester
	dehydrator *stash.Dehydrator
	stasher    *stash.Stasher
	logger     *logger.Logger
	clientID   string
	requestID  string
	fields     map[string]interface{}
}

// Request sends req through the invocation's pipeline. Credential refresh
// happens transparently at most once.
func (z *Z) Request(ctx context.Context, req *base.Request) (*base.Response, error) {
	return z.requester.Request(ctx, req)
}

// Dehydrate returns a lazy reference to hydratorKey with input. The handle
// becomes a signed reference string when the output is returned.
func (z *Z) Dehydrate(hydratorKey string, input map[string]interface{}) (stash.Handle, error) {
	if z.dehydrator == nil {
		return stash.Handle{}, base.NewValidationError("hydrators", base.Violation{Message: "app defines no hydrators"})
	}
	return z.dehydrator.Dehydrate(hydratorKey, input)
}

// DehydrateFile is Dehydrate for a hydrator that produces a file.
func (z *Z) DehydrateFile(hydratorKey string, input map[string]interface{}) (stash.Handle, error) {
	if z.dehydrator == nil {
		return stash.Handle{}, base.NewValidationError("hydrators", base.Violation{Message: "app defines no hydrators"})
	}
	return z.dehydrator.DehydrateFile(hydratorKey, input)
}

// StashFile uploads r now and returns its retrievable URL.
func (z *Z) StashFile(ctx context.Context, r io.Reader, length int64, filename, contentType string) (string, error) {
	if z.stasher == nil {
		return "", fmt.Errorf("file stash is not configured")
	}
	return z.stasher.Stash(ctx, stash.NewFile(r, length, filename, contentType))
}

// File wraps r as an output placeholder. It is stashed when the result is
// returned; a failed upload nulls the field unless the field is required.
func (z *Z) File(r io.Reader, length int64, filename, contentType string) *stash.File {
	return stash.NewFile(r, length, filename, contentType)
}

// Log writes an informational line tagged with the invocation.
func (z *Z) Log(message string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(z.fields)+len(fields))
	for k, v := range z.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	z.logger.Info(z.clientID, z.requestID, message, merged)
}

// Cursor persists pagination state for one (action, account) scope.
type Cursor struct {
	store   cursor.Store
	key     string
	enabled bool
}

// Get returns the stored cursor, or nil when none is set.
func (c Cursor) Get(ctx context.Context) (interface{}, error) {
	if !c.enabled || c.store == nil {
		return nil, ErrNoCursor
	}
	v, ok, err := c.store.Get(ctx, c.key)
	if err != nil || !ok {
		return nil, err
	}
	return v, nil
}

// Set stores the cursor for the next page. Nil or "" clears it.
func (c Cursor) Set(ctx context.Context, value interface{}) error {
	if !c.enabled || c.store == nil {
		return ErrNoCursor
	}
	return c.store.Set(ctx, c.key, value)
}

// Errors builds the control-flow errors perform routines may return.
type Errors struct{}

// Halted stops the action without retry or refresh.
func (Errors) Halted(message string) error {
	return &base.HaltedError{Message: message}
}

// RefreshAuth asks for a credential refresh and one retry of the routine.
func (Errors) RefreshAuth(message string) error {
	return &base.RefreshAuthError{Message: message}
}

// Authentication reports credentials that cannot work.
func (Errors) Authentication(message string) error {
	return &base.AuthenticationError{Message: message}
}

// Throttled asks the caller to retry after the given delay.
func (Errors) Throttled(message string, retryAfter time.Duration) error {
	return &base.ThrottleError{Message: message, RetryAfter: retryAfter, Retry: true}
}

// Error is a plain failure shown to the user as is.
func (Errors) Error(message string) error {
	return errors.New(message)
}
