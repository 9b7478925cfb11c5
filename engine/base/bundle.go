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
	"fmt"
	"strconv"
	"strings"
)

// Bundle is the per-invocation input envelope handed to every perform routine.
// Perform routines treat it as read-only; credential updates produce a new Bundle.
type Bundle struct {
	AuthData       map[string]interface{} `json:"authData"`
	InputData      map[string]interface{} `json:"inputData"`
	InputDataRaw   map[string]interface{} `json:"inputDataRaw"`
	Meta           map[string]interface{} `json:"meta"`
	CleanedRequest interface{}            `json:"cleanedRequest,omitempty"`
	Bulk           []BufferedItem         `json:"bulk,omitempty"`
}

// BufferedItem is one buffered write waiting for a bulk perform.
// Meta["id"] is the idempotency key.
type BufferedItem struct {
	InputData map[string]interface{} `json:"inputData"`
	Meta      map[string]interface{} `json:"meta"`
}

// ID returns the item's idempotency key
func (i BufferedItem) ID() string {
	if i.Meta == nil {
		return ""
	}
	return Stringify(i.Meta["id"])
}

// NewBundle returns an empty bundle with all maps allocated
func NewBundle() *Bundle {
	return &Bundle{
		AuthData:     map[string]interface{}{},
		InputData:    map[string]interface{}{},
		InputDataRaw: map[string]interface{}{},
		Meta:         map[string]interface{}{},
	}
}

// Normalize allocates nil maps so callers can read without nil checks.
func (b *Bundle) Normalize() *Bundle {
	if b == nil {
		return NewBundle()
	}
	if b.AuthData == nil {
		b.AuthData = map[string]interface{}{}
	}
	if b.InputData == nil {
		b.InputData = map[string]interface{}{}
	}
	if b.InputDataRaw == nil {
		b.InputDataRaw = map[string]interface{}{}
	}
	if b.Meta == nil {
		b.Meta = map[string]interface{}{}
	}
	return b
}

// Clone returns a deep copy of the bundle
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	out := &Bundle{
		AuthData:       CloneMap(b.AuthData),
		InputData:      CloneMap(b.InputData),
		InputDataRaw:   CloneMap(b.InputDataRaw),
		Meta:           CloneMap(b.Meta),
		CleanedRequest: CloneValue(b.CleanedRequest),
	}
	if b.Bulk != nil {
		out.Bulk = make([]BufferedItem, len(b.Bulk))
		for i, item := range b.Bulk {
			out.Bulk[i] = BufferedItem{
				InputData: CloneMap(item.InputData),
				Meta:      CloneMap(item.Meta),
			}
		}
	}
	return out
}

// WithAuthData returns a copy of the bundle whose authData has updates merged in.
// The receiver is left untouched.
func (b *Bundle) WithAuthData(updates map[string]interface{}) *Bundle {
	out := b.Clone().Normalize()
	for k, v := range updates {
		out.AuthData[k] = CloneValue(v)
	}
	return out
}

// WithInputData returns a copy of the bundle with inputData replaced.
func (b *Bundle) WithInputData(input map[string]interface{}) *Bundle {
	out := b.Clone().Normalize()
	out.InputData = CloneMap(input)
	if out.InputData == nil {
		out.InputData = map[string]interface{}{}
	}
	return out
}

// Lookup resolves a dotted path such as "authData.account.id" against the bundle.
// The first segment selects authData, inputData, inputDataRaw or meta.
func (b *Bundle) Lookup(path string) (interface{}, bool) {
	if b == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}

	var root interface{}
	switch parts[0] {
	case "authData":
		root = b.AuthData
	case "inputData":
		root = b.InputData
	case "inputDataRaw":
		root = b.InputDataRaw
	case "meta":
		root = b.Meta
	default:
		return nil, false
	}
	return LookupPath(root, parts[1:])
}

// MetaString returns meta[key] as a string, or "" when absent.
func (b *Bundle) MetaString(key string) string {
	if b == nil || b.Meta == nil {
		return ""
	}
	v, ok := b.Meta[key]
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Page returns meta.page (0 when unset or not numeric).
func (b *Bundle) Page() int {
	if b == nil || b.Meta == nil {
		return 0
	}
	switch v := b.Meta["page"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// LookupPath walks nested maps and slices following parts.
func LookupPath(root interface{}, parts []string) (interface{}, bool) {
	cur := root
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders scalar values the way templates and keys expect them.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies JSON-like values (maps, slices, scalars).
// Other types are shared as-is.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
