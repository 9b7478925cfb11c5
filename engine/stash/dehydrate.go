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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"actionkit/platform/engine/base"
)

const (
	referencePrefix = "hydrate|||"
	referenceSuffix = "|||hydrate"
)

// Reference types
const (
	TypeMethod = "method"
	TypeFile   = "file"
)

// Handle is a dehydration placeholder. It stays inert until ResolveOutput
// turns it into a reference string.
type Handle struct {
	HydratorKey string                 `json:"hydratorKey"`
	InputData   map[string]interface{} `json:"inputData"`
	Type        string                 `json:"type"`
}

type referenceClaims struct {
	Hydrator string                 `json:"hydrator"`
	Input    map[string]interface{} `json:"inputData"`
	Type     string                 `json:"type"`
	jwt.RegisteredClaims
}

// ErrInvalidReference is returned by Decode for anything that is not a
// reference produced with the same secret.
var ErrInvalidReference = errors.New("invalid dehydrated reference")

// Dehydrator signs and verifies deferred references for one app.
type Dehydrator struct {
	app       string
	secret    []byte
	hydrators map[string]bool
	now       func() time.Time
}

// NewDehydrator creates a Dehydrator. hydrators lists the keys the app
// defines; references to any other key are rejected.
func NewDehydrator(app string, secret []byte, hydrators []string) *Dehydrator {
	known := make(map[string]bool, len(hydrators))
	for _, h := range hydrators {
		known[h] = true
	}
	return &Dehydrator{app: app, secret: secret, hydrators: known, now: time.Now}
}

// IsReference reports whether s looks like a dehydrated reference.
func IsReference(s string) bool {
	return strings.HasPrefix(s, referencePrefix) && strings.HasSuffix(s, referenceSuffix) &&
		len(s) > len(referencePrefix)+len(referenceSuffix)
}

// Dehydrate returns a placeholder for a method hydrator.
func (d *Dehydrator) Dehydrate(hydratorKey string, inputData map[string]interface{}) (Handle, error) {
	return d.handle(hydratorKey, inputData, TypeMethod)
}

// DehydrateFile returns a placeholder whose hydrator produces a file.
func (d *Dehydrator) DehydrateFile(hydratorKey string, inputData map[string]interface{}) (Handle, error) {
	return d.handle(hydratorKey, inputData, TypeFile)
}

func (d *Dehydrator) handle(key string, inputData map[string]interface{}, typ string) (Handle, error) {
	if err := d.checkKey(key); err != nil {
		return Handle{}, err
	}
	if inputData == nil {
		inputData = map[string]interface{}{}
	}
	return Handle{HydratorKey: key, InputData: base.CloneMap(inputData), Type: typ}, nil
}

func (d *Dehydrator) checkKey(key string) error {
	if key == "" || !d.hydrators[key] {
		known := make([]string, 0, len(d.hydrators))
		for k := range d.hydrators {
			known = append(known, k)
		}
		sort.Strings(known)
		return base.NewValidationError("dehydrate", base.Violation{
			Path:    "hydrators." + key,
			Message: fmt.Sprintf("unknown hydrator (defined: %s)", strings.Join(known, ", ")),
		})
	}
	return nil
}

// Encode serializes a handle into a signed reference string.
func (d *Dehydrator) Encode(h Handle) (string, error) {
	if err := d.checkKey(h.HydratorKey); err != nil {
		return "", err
	}
	typ := h.Type
	if typ == "" {
		typ = TypeMethod
	}
	claims := referenceClaims{
		Hydrator: h.HydratorKey,
		Input:    h.InputData,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   d.app,
			IssuedAt: jwt.NewNumericDate(d.now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("sign reference for %s: %w", h.HydratorKey, err)
	}
	return referencePrefix + token + referenceSuffix, nil
}

// Decode verifies a reference and returns the handle it carries.
func (d *Dehydrator) Decode(ref string) (Handle, error) {
	if !IsReference(ref) {
		return Handle{}, ErrInvalidReference
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(ref, referencePrefix), referenceSuffix)

	claims := &referenceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return d.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(d.app))
	if err != nil || !token.Valid {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if err := d.checkKey(claims.Hydrator); err != nil {
		return Handle{}, err
	}
	input := claims.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	return Handle{HydratorKey: claims.Hydrator, InputData: input, Type: claims.Type}, nil
}
