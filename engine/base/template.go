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
	"regexp"
	"strings"
)

// templateRegex matches {{bundle.authData.key}} style placeholders.
var templateRegex = regexp.MustCompile(`\{\{\s*bundle\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// HasTemplate reports whether s contains a bundle placeholder
func HasTemplate(s string) bool {
	return templateRegex.MatchString(s)
}

// Render expands {{bundle.<section>.<path>}} placeholders against b.
// Unknown placeholders render as the empty string. Non-scalar values are
// rendered as JSON.
func Render(s string, b *Bundle) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return templateRegex.ReplaceAllStringFunc(s, func(match string) string {
		path := templateRegex.FindStringSubmatch(match)[1]
		val, ok := b.Lookup(path)
		if !ok || val == nil {
			return ""
		}
		switch val.(type) {
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(val)
			if err != nil {
				return ""
			}
			return string(data)
		}
		return Stringify(val)
	})
}

// RenderValue walks maps and slices rendering every string leaf.
// A string that is exactly one placeholder keeps the referenced value's type.
func RenderValue(v interface{}, b *Bundle) interface{} {
	switch t := v.(type) {
	case string:
		if m := templateRegex.FindStringSubmatch(t); m != nil && m[0] == strings.TrimSpace(t) {
			if val, ok := b.Lookup(m[1]); ok {
				return CloneValue(val)
			}
			return ""
		}
		return Render(t, b)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = RenderValue(e, b)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = RenderValue(e, b)
		}
		return out
	}
	return v
}
