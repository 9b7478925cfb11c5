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

package stash

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// FieldError records a stash failure that was confined to one output field.
type FieldError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Resolver replaces placeholders in action output.
type Resolver struct {
	dehydrator *Dehydrator
	stasher    *Stasher
	logger     *logger.Logger
}

// NewResolver creates a Resolver. stasher may be nil when no storage is
// configured; files in the output then fail as field errors.
func NewResolver(d *Dehydrator, s *Stasher, log *logger.Logger) *Resolver {
	return &Resolver{dehydrator: d, stasher: s, logger: log}
}

// Resolve walks value and returns a copy in which every Handle is replaced
// by its reference string and every *File by the URL of the stashed upload.
//
// A failed upload sets its field to nil and is reported in the returned
// field errors. If the field is listed in required, the whole resolution
// fails instead. Required names fields by dotted path without list indices,
// e.g. "attachments.file".
func (r *Resolver) Resolve(ctx context.Context, value interface{}, required []string) (interface{}, []FieldError, error) {
	req := make(map[string]bool, len(required))
	for _, p := range required {
		req[p] = true
	}
	w := &walker{r: r, ctx: ctx, required: req}
	out, err := w.walk(value, nil)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(w.fieldErrors, func(i, j int) bool { return w.fieldErrors[i].Path < w.fieldErrors[j].Path })
	return out, w.fieldErrors, nil
}

type walker struct {
	r           *Resolver
	ctx         context.Context
	required    map[string]bool
	fieldErrors []FieldError
}

func (w *walker) walk(v interface{}, path []string) (interface{}, error) {
	switch t := v.(type) {
	case Handle:
		return w.dehydrate(t, path)
	case *Handle:
		if t == nil {
			return nil, nil
		}
		return w.dehydrate(*t, path)
	case *File:
		return w.stash(t, path)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			resolved, err := w.walk(item, append(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			resolved, err := w.walk(item, append(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			resolved, err := w.walk(item, append(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return base.CloneValue(v), nil
	}
}

func (w *walker) dehydrate(h Handle, path []string) (interface{}, error) {
	if w.r.dehydrator == nil {
		return nil, base.NewValidationError("output", base.Violation{Path: strings.Join(path, "."), Message: "dehydration is not configured"})
	}
	ref, err := w.r.dehydrator.Encode(h)
	if err != nil {
		return nil, fmt.Errorf("output field %s: %w", strings.Join(path, "."), err)
	}
	return ref, nil
}

func (w *walker) stash(f *File, path []string) (interface{}, error) {
	var (
		ref string
		err error
	)
	if w.r.stasher == nil {
		err = fmt.Errorf("no stash storage configured")
	} else {
		ref, err = w.r.stasher.Stash(w.ctx, f)
	}
	if err == nil {
		return ref, nil
	}

	full := strings.Join(path, ".")
	if w.required[fieldName(path)] {
		return nil, fmt.Errorf("required output field %s: %w", full, err)
	}
	w.r.logger.Warn("", "", "stash failed, field dropped", map[string]interface{}{
		"field": full,
		"error": err.Error(),
	})
	w.fieldErrors = append(w.fieldErrors, FieldError{Path: full, Err: err.Error()})
	return nil, nil
}

func fieldName(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if _, err := strconv.Atoi(p); err == nil {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}
