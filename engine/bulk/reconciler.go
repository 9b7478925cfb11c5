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

package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// Result is the outcome of one buffered item.
type Result struct {
	OutputData map[string]interface{} `json:"outputData,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Results maps idempotency ids to outcomes.
type Results map[string]Result

// PerformBulkFunc performs one group. bundle.Bulk holds the group's items.
// It returns a map keyed by item id or a slice in input order.
type PerformBulkFunc func(ctx context.Context, bundle *base.Bundle) (interface{}, error)

// Options configures grouping and fan-out.
type Options struct {
	// GroupedBy lists inputData keys that all items of one call share.
	GroupedBy []string
	// Limit caps the items per call; 0 means unlimited.
	Limit int
	// Concurrency bounds parallel group calls; defaults to 1.
	Concurrency int
}

// Reconciler runs bulk performs and maps results back to items.
type Reconciler struct {
	opts   Options
	logger *logger.Logger
	onItem func(outcome string)
}

// NewReconciler creates a reconciler
func NewReconciler(opts Options, log *logger.Logger, onItem func(outcome string)) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Reconciler{opts: opts, logger: log, onItem: onItem}
}

// Group splits items into calls. Items sharing every GroupedBy value land
// in the same group, in first-seen order; groups are then cut at limit.
func Group(items []base.BufferedItem, groupedBy []string, limit int) ([][]base.BufferedItem, error) {
	var violations []base.Violation
	seen := map[string]bool{}
	for i, item := range items {
		id := item.ID()
		switch {
		case id == "":
			violations = append(violations, base.Violation{Path: fmt.Sprintf("bulk.%d.meta.id", i), Message: "idempotency id is required"})
		case seen[id]:
			violations = append(violations, base.Violation{Path: id, Message: "duplicate idempotency id"})
		}
		seen[id] = true
	}
	if len(violations) > 0 {
		return nil, base.NewValidationError("bulk input", violations...)
	}

	var order []string
	byKey := map[string][]base.BufferedItem{}
	for _, item := range items {
		key := groupKey(item, groupedBy)
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], item)
	}

	var groups [][]base.BufferedItem
	for _, key := range order {
		g := byKey[key]
		if limit <= 0 {
			groups = append(groups, g)
			continue
		}
		for len(g) > limit {
			groups = append(groups, g[:limit])
			g = g[limit:]
		}
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func groupKey(item base.BufferedItem, groupedBy []string) string {
	if len(groupedBy) == 0 {
		return ""
	}
	vals := make([]interface{}, len(groupedBy))
	for i, k := range groupedBy {
		vals[i] = item.InputData[k]
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return fmt.Sprint(vals)
	}
	return string(data)
}

// PerformBulk groups bundle.Bulk, calls fn once per group and reconciles
// the answers. A validation failure or a failed call aborts the whole
// bulk; per-item errors reported by fn stay on their items.
func (r *Reconciler) PerformBulk(ctx context.Context, bundle *base.Bundle, fn PerformBulkFunc) (Results, error) {
	groups, err := Group(bundle.Bulk, r.opts.GroupedBy, r.opts.Limit)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	out := make(Results, len(bundle.Bulk))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, items := range groups {
		g.Go(func() error {
			sub := bundle.Clone()
			sub.Bulk = cloneItems(items)
			raw, err := fn(gctx, sub)
			if err != nil {
				return fmt.Errorf("bulk group %d (%s): %w", i, strings.Join(ids(items), ","), err)
			}
			res, err := Reconcile(items, raw)
			if err != nil {
				return err
			}
			mu.Lock()
			for id, v := range res {
				out[id] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, res := range out {
		outcome := "success"
		if res.Error != "" {
			outcome = "error"
			failed++
		}
		if r.onItem != nil {
			r.onItem(outcome)
		}
	}
	r.logger.Info("", bundle.MetaString("invocationId"), "bulk perform reconciled", map[string]interface{}{
		"groups": len(groups),
		"items":  len(out),
		"failed": failed,
	})
	return out, nil
}

// Reconcile checks one group's answer against its items. Every violation is
// reported, sorted by id.
func Reconcile(items []base.BufferedItem, raw interface{}) (Results, error) {
	want := make(map[string]bool, len(items))
	for _, item := range items {
		want[item.ID()] = true
	}

	entries := map[string]interface{}{}
	var violations []base.Violation

	switch v := raw.(type) {
	case Results:
		for id, res := range v {
			entries[id] = res
		}
	case map[string]Result:
		for id, res := range v {
			entries[id] = res
		}
	case map[string]interface{}:
		entries = v
	case []Result:
		violations = zip(items, len(v), func(i int) interface{} { return v[i] }, entries)
	case []interface{}:
		violations = zip(items, len(v), func(i int) interface{} { return v[i] }, entries)
	case []map[string]interface{}:
		violations = zip(items, len(v), func(i int) interface{} { return v[i] }, entries)
	default:
		return nil, base.NewValidationError("bulk result", base.Violation{
			Message: fmt.Sprintf("expected an object keyed by id or an array, got %T", raw),
		})
	}

	out := make(Results, len(items))
	for id, entry := range entries {
		if !want[id] {
			violations = append(violations, base.Violation{Path: id, Message: "unexpected id not present in input"})
			continue
		}
		res, msg := toResult(entry)
		if msg != "" {
			violations = append(violations, base.Violation{Path: id, Message: msg})
			continue
		}
		out[id] = res
	}
	for id := range want {
		if _, ok := entries[id]; !ok {
			violations = append(violations, base.Violation{Path: id, Message: "missing from bulk result"})
		}
	}

	if len(violations) > 0 {
		sort.SliceStable(violations, func(i, j int) bool { return violations[i].Path < violations[j].Path })
		return nil, base.NewValidationError("bulk result", violations...)
	}
	return out, nil
}

// zip pairs a positional answer with item ids. Surplus elements are violations.
func zip(items []base.BufferedItem, n int, at func(int) interface{}, entries map[string]interface{}) []base.Violation {
	var violations []base.Violation
	for i := 0; i < n; i++ {
		if i >= len(items) {
			violations = append(violations, base.Violation{Path: fmt.Sprintf("[%d]", i), Message: "unexpected extra result element"})
			continue
		}
		entries[items[i].ID()] = at(i)
	}
	return violations
}

func toResult(entry interface{}) (Result, string) {
	switch e := entry.(type) {
	case Result:
		if e.OutputData == nil && e.Error == "" {
			return Result{}, "entry has neither outputData nor error"
		}
		return e, ""
	case map[string]interface{}:
		var res Result
		if od, ok := e["outputData"]; ok && od != nil {
			m, ok := od.(map[string]interface{})
			if !ok {
				return Result{}, fmt.Sprintf("outputData must be an object, got %T", od)
			}
			res.OutputData = m
		}
		if er, ok := e["error"]; ok && er != nil {
			s, ok := er.(string)
			if !ok {
				return Result{}, fmt.Sprintf("error must be a string, got %T", er)
			}
			res.Error = s
		}
		if res.OutputData == nil && res.Error == "" {
			return Result{}, "entry has neither outputData nor error"
		}
		return res, ""
	case nil:
		return Result{}, "entry is null"
	}
	return Result{}, fmt.Sprintf("entry must be an object, got %T", entry)
}

func ids(items []base.BufferedItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID()
	}
	return out
}

func cloneItems(items []base.BufferedItem) []base.BufferedItem {
	out := make([]base.BufferedItem, len(items))
	for i, item := range items {
		out[i] = base.BufferedItem{InputData: base.CloneMap(item.InputData), Meta: base.CloneMap(item.Meta)}
	}
	return out
}
