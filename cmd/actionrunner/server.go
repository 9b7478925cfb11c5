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

package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"actionkit/platform/engine/app"
	"actionkit/platform/engine/base"
	"actionkit/platform/shared/logger"
)

// maxInvokeBody bounds the JSON body of one invoke request.
const maxInvokeBody = 10 << 20

// invokeRequest is the body of POST /v1/apps/{app}/invoke.
type invokeRequest struct {
	Method    string       `json:"method"`
	Bundle    *base.Bundle `json:"bundle"`
	Reference string       `json:"reference,omitempty"`
}

type errorDetail struct {
	Type              string           `json:"type"`
	Message           string           `json:"message"`
	RetryAfterSeconds *int             `json:"retry_after_seconds,omitempty"`
	Violations        []base.Violation `json:"violations,omitempty"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
	// AuthData carries credentials refreshed before the failure.
	AuthData map[string]interface{} `json:"authData,omitempty"`
}

type server struct {
	registry *app.Registry
	runner   *app.Runner
	gatherer prometheus.Gatherer
	logger   *logger.Logger
}

func newHandler(s *server, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/v1/apps", s.listAppsHandler).Methods("GET")
	r.HandleFunc("/v1/apps/{app}/invoke", s.invokeHandler).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"apps":      s.registry.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) listAppsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": s.registry.List()})
}

func (s *server) invokeHandler(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvokeBody))
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("", "", "rejected invoke body", map[string]interface{}{"app": mux.Vars(r)["app"], "error": err.Error()})
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorDetail{Type: "BadRequest", Message: "invalid JSON body: " + err.Error()}})
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorDetail{Type: "BadRequest", Message: "method is required"}})
		return
	}

	res, err := s.runner.Invoke(r.Context(), app.Invocation{
		App:       mux.Vars(r)["app"],
		Method:    req.Method,
		Bundle:    req.Bundle,
		Reference: req.Reference,
	})
	if err != nil {
		writeError(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError renders err with the status its classification maps to.
func writeError(w http.ResponseWriter, res *app.Result, err error) {
	status, body := errorBody(err)
	if res != nil {
		body.AuthData = res.AuthData
	}
	if body.Error.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*body.Error.RetryAfterSeconds))
	}
	writeJSON(w, status, body)
}

func errorBody(err error) (int, errorResponse) {
	if errors.Is(err, app.ErrNotFound) {
		return http.StatusNotFound, errorResponse{Error: errorDetail{Type: "NotFound", Message: err.Error()}}
	}
	detail := errorDetail{Type: base.Classify(err), Message: err.Error()}
	var terr *base.ThrottleError
	if errors.As(err, &terr) && terr.Retry {
		secs := int(math.Ceil(terr.RetryAfter.Seconds()))
		detail.RetryAfterSeconds = &secs
	}
	var verr *base.ValidationError
	if errors.As(err, &verr) {
		detail.Violations = verr.Violations
	}
	return base.HTTPStatus(err), errorResponse{Error: detail}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
