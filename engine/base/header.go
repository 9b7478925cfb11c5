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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// HeaderField is a single header name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered, case-insensitive header collection. Insertion order is
// kept so that stage output is deterministic on the wire.
type Header []HeaderField

// Get returns the first value for name, matched case-insensitively.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces the first occurrence of name in place and drops the rest.
// A new name is appended.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if replaced {
				continue
			}
			f.Value = value
			replaced = true
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Add appends a value without touching existing entries.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every occurrence of name.
func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// ToHTTP copies the header into a net/http header
func (h Header) ToHTTP(dst http.Header) {
	for _, f := range h {
		dst.Add(f.Name, f.Value)
	}
}

// HeaderFromHTTP converts a net/http header. Keys are sorted so the
// result is deterministic.
func HeaderFromHTTP(src http.Header) Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out Header
	for _, k := range keys {
		for _, v := range src[k] {
			out = append(out, HeaderField{Name: k, Value: v})
		}
	}
	return out
}

// MarshalJSON encodes the header as an object in insertion order. Repeated
// names are joined with ", ".
func (h Header) MarshalJSON() ([]byte, error) {
	var order []string
	values := map[string][]string{}
	for _, f := range h {
		key := strings.ToLower(f.Name)
		if _, ok := values[key]; !ok {
			order = append(order, f.Name)
		}
		values[key] = append(values[key], f.Value)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(strings.Join(values[strings.ToLower(name)], ", "))
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object, keeping the key order of the document.
func (h *Header) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*h = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("header: expected object, got %v", tok)
	}
	var out Header
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = append(out, HeaderField{Name: key, Value: Stringify(raw)})
	}
	*h = out
	return nil
}
