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
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"actionkit/platform/engine/config"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the invoke API",
		Long: `Start the HTTP server exposing POST /v1/apps/{app}/invoke, /healthz and /metrics.

Examples:
  actionrunner serve --config runner.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx, opts.configPath)
			if err != nil {
				return err
			}
			e, err := buildEngine(ctx, cfg, opts.sampleAPIURL)
			if err != nil {
				return err
			}
			defer e.Close()

			handler := newHandler(&server{
				registry: e.registry,
				runner:   e.runner,
				gatherer: e.gatherer,
				logger:   e.logger.Named("server"),
			}, cfg.Server.AllowedOrigins)
			return serve(ctx, e, cfg.Server, handler)
		},
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// invocations for up to shutdownTimeout.
func serve(ctx context.Context, e *engine, cfg config.ServerConfig, handler http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("", "", "actionrunner listening", map[string]interface{}{"addr": cfg.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.logger.Info("", "", "shutting down", map[string]interface{}{"timeout_s": shutdownTimeout.Seconds()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
