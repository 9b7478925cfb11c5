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

// Package sampleapp is a small recipe-API integration. The runner serves it
// out of the box and the engine's end-to-end tests drive it against a fake API.
package sampleapp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"actionkit/platform/engine/app"
	"actionkit/platform/engine/auth"
	"actionkit/platform/engine/base"
	"actionkit/platform/engine/pipeline"
	"actionkit/platform/engine/throttle"
)

// Key is the app key the recipe integration registers under.
const Key = "recipes"

// Version of the integration definition.
const Version = "1.2.0"

// CreateThrottle admits five creates per connected account every ten minutes.
var CreateThrottle = throttle.Config{Window: 600, Limit: 5}

// New returns the recipe app talking to the API at baseURL.
func New(baseURL string) *app.App {
	api := &recipeAPI{base: strings.TrimRight(baseURL, "/")}
	createThrottle := CreateThrottle

	return &app.App{
		Key:     Key,
		Version: Version,
		Authentication: &auth.Config{
			Strategy: auth.Basic{},
			Fields: []auth.Field{
				{Key: "username", Label: "Username", Required: true},
				{Key: "password", Label: "Password", Type: "password", Required: true, Sensitive: true},
			},
			Test:            auth.Test{Request: &base.Request{URL: api.base + "/me"}},
			ConnectionLabel: &auth.ConnectionLabel{Template: "{{bundle.inputData.username}}"},
		},
		Befores: []pipeline.Before{{Name: "apiVersion", Fn: apiVersion}},
		Afters:  []pipeline.After{{Name: "remoteRateLimit", Fn: remoteRateLimit}},
		Triggers: map[string]*app.Action{
			"new_recipe": {
				Key:       "new_recipe",
				Noun:      "Recipe",
				Label:     "New Recipe",
				Operation: app.Operation{Perform: api.listRecipes, CanPaginate: true},
			},
		},
		Searches: map[string]*app.Action{
			"recipe": {
				Key:       "recipe",
				Noun:      "Recipe",
				Label:     "Find Recipe",
				Operation: app.Operation{Perform: api.findRecipe},
			},
		},
		Creates: map[string]*app.Action{
			"recipe": {
				Key:   "recipe",
				Noun:  "Recipe",
				Label: "Create Recipe",
				Operation: app.Operation{
					Perform:     api.createRecipe,
					PerformBulk: api.createRecipes,
					Buffer:      &app.Buffer{GroupedBy: []string{"genre"}, Limit: 10},
					Throttle:    &createThrottle,
				},
			},
		},
		Hydrators: map[string]app.PerformFunc{
			"photo": api.photo,
		},
	}
}

type recipeAPI struct {
	base string
}

// listRecipes walks the API's cursor pages. Page 0 always starts from the
// newest recipes; later pages continue from the cursor the previous page stored.
func (a *recipeAPI) listRecipes(ctx context.Context, z *app.Z, bundle *base.Bundle) (interface{}, error) {
	req := &base.Request{URL: a.base + "/recipes"}
	if bundle.Page() > 0 {
		cursor, err := z.Cursor.Get(ctx)
		if err != nil {
			return nil, err
		}
		next := base.Stringify(cursor)
		if next == "" {
			return []interface{}{}, nil
		}
		req.Params = map[string]interface{}{"cursor": next}
	}

	resp, err := z.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	var page struct {
		Recipes    []map[string]interface{} `json:"recipes"`
		NextCursor string                   `json:"next_cursor"`
	}
	if err := resp.JSON(&page); err != nil {
		return nil, fmt.Errorf("decode recipes page: %w", err)
	}
	if err := z.Cursor.Set(ctx, page.NextCursor); err != nil {
		return nil, err
	}

	out := make([]interface{}, 0, len(page.Recipes))
	for _, r := range page.Recipes {
		if _, ok := r["photo_url"]; ok {
			photo, err := z.DehydrateFile("photo", map[string]interface{}{"id": r["id"]})
			if err != nil {
				return nil, err
			}
			r["photo"] = photo
			delete(r, "photo_url")
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *recipeAPI) findRecipe(ctx context.Context, z *app.Z, bundle *base.Bundle) (interface{}, error) {
	resp, err := z.Request(ctx, &base.Request{
		URL:    a.base + "/recipes/search",
		Params: map[string]interface{}{"name": "{{bundle.inputData.name}}"},
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (a *recipeAPI) createRecipe(ctx context.Context, z *app.Z, bundle *base.Bundle) (interface{}, error) {
	if base.Stringify(bundle.InputData["name"]) == "" {
		return nil, z.Errors.Halted("a recipe needs a name")
	}
	// Recipe text is user input; braces in it are not placeholders.
	resp, err := z.Request(ctx, &base.Request{
		Method:         "POST",
		URL:            a.base + "/recipes",
		Body:           bundle.InputData,
		SkipTemplating: true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// createRecipes posts one buffered group. The API answers with the created
// recipes in request order.
func (a *recipeAPI) createRecipes(ctx context.Context, z *app.Z, bundle *base.Bundle) (interface{}, error) {
	recipes := make([]interface{}, 0, len(bundle.Bulk))
	for _, item := range bundle.Bulk {
		recipes = append(recipes, item.InputData)
	}
	resp, err := z.Request(ctx, &base.Request{
		Method:         "POST",
		URL:            a.base + "/recipes/bulk",
		Body:           map[string]interface{}{"recipes": recipes},
		SkipTemplating: true,
	})
	if err != nil {
		return nil, err
	}
	created, ok := resp.Data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("bulk create returned %T, want an array", resp.Data)
	}
	out := make([]interface{}, 0, len(created))
	for _, c := range created {
		entry, _ := c.(map[string]interface{})
		if msg, ok := entry["error"].(string); ok {
			out = append(out, map[string]interface{}{"error": msg})
			continue
		}
		out = append(out, map[string]interface{}{"outputData": entry})
	}
	return out, nil
}

// photo downloads a recipe photo and hands it to the stash.
func (a *recipeAPI) photo(ctx context.Context, z *app.Z, bundle *base.Bundle) (interface{}, error) {
	id := base.Stringify(bundle.InputData["id"])
	if id == "" {
		return nil, z.Errors.Halted("photo reference has no recipe id")
	}
	resp, err := z.Request(ctx, &base.Request{
		URL:         a.base + "/recipes/" + url.PathEscape(id) + "/photo",
		RawResponse: true,
	})
	if err != nil {
		return nil, err
	}
	return z.File(bytes.NewReader(resp.Raw), int64(len(resp.Raw)), "recipe-"+id+".jpg", resp.Headers.Get("Content-Type")), nil
}

func apiVersion(_ context.Context, req *base.Request, _ *pipeline.StageContext) (*base.Request, error) {
	return req.SetHeader("X-Api-Version", "2"), nil
}

// remoteRateLimit turns the API's 429 into a retryable throttle error.
func remoteRateLimit(_ context.Context, resp *base.Response, _ *pipeline.StageContext) (*base.Response, error) {
	if resp.Status != http.StatusTooManyRequests {
		return resp, nil
	}
	retryAfter := time.Minute
	if s, err := strconv.Atoi(resp.Headers.Get("Retry-After")); err == nil && s > 0 {
		retryAfter = time.Duration(s) * time.Second
	}
	return nil, &base.ThrottleError{Message: "recipe API rate limit", RetryAfter: retryAfter, Retry: true}
}
