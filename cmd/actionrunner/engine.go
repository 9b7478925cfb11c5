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
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"actionkit/platform/engine/app"
	"actionkit/platform/engine/config"
	"actionkit/platform/engine/cursor"
	"actionkit/platform/engine/metrics"
	"actionkit/platform/engine/pipeline"
	"actionkit/platform/engine/stash"
	"actionkit/platform/engine/throttle"
	"actionkit/platform/internal/sampleapp"
	"actionkit/platform/shared/logger"
)

// engine is everything a runner needs, built from one configuration.
type engine struct {
	registry *app.Registry
	runner   *app.Runner
	gatherer prometheus.Gatherer
	logger   *logger.Logger
	closers  []func() error
}

// Close releases backend connections in reverse order of creation.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("", "", "close failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, sampleAPIURL string) (*engine, error) {
	log := logger.New(cfg.Log.Component)
	log.SetLevel(logger.LogLevel(strings.ToUpper(cfg.Log.Level)))
	e := &engine{logger: log}

	var rdb *redis.Client
	if cfg.Throttle.Backend == "redis" || cfg.Cursor.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb = redis.NewClient(opt)
		e.closers = append(e.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	var throttleStore throttle.Store = throttle.NewMemoryStore()
	if cfg.Throttle.Backend == "redis" {
		throttleStore = throttle.NewRedisStore(rdb, cfg.Throttle.Prefix)
	}

	cursors, err := buildCursorStore(ctx, cfg, rdb, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	storage, err := buildStorage(ctx, cfg.Stash, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.gatherer = promReg

	transport := pipeline.NewHTTPTransport(pipeline.TransportConfig{
		Timeout:         cfg.HTTP.Timeout,
		MaxResponseSize: cfg.HTTP.MaxResponseBytes,
		TLSSkipVerify:   cfg.HTTP.TLSSkipVerify,
		AllowPrivateIPs: cfg.HTTP.AllowPrivateIPs,
	}, log.Named("transport"))
	e.closers = append(e.closers, func() error { transport.Close(); return nil })

	e.registry = app.NewRegistry(log.Named("registry"))
	if err := e.registry.Register(sampleapp.New(sampleAPIURL)); err != nil {
		e.Close()
		return nil, err
	}

	e.runner = app.NewRunner(e.registry, app.Options{
		Transport:     transport,
		ThrottleStore: throttleStore,
		Cursors:       cursors,
		Storage:       storage,
		Stash: stash.Options{
			Prefix:    cfg.Stash.Prefix,
			MaxSize:   cfg.Stash.MaxSize,
			URLExpiry: cfg.Stash.URLExpiry,
		},
		DehydrateSecret: []byte(cfg.Dehydrate.Secret),
		UserAgent:       cfg.HTTP.UserAgent,
		Metrics:         metrics.New(promReg),
		Logger:          log.Named("runner"),
	})

	log.Info("", "", "engine ready", map[string]interface{}{
		"throttle_backend": cfg.Throttle.Backend,
		"cursor_backend":   cfg.Cursor.Backend,
		"stash_backend":    cfg.Stash.Backend,
		"apps":             e.registry.List(),
	})
	return e, nil
}

func buildCursorStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, e *engine) (cursor.Store, error) {
	switch cfg.Cursor.Backend {
	case "redis":
		return cursor.NewRedisStore(rdb, cfg.Cursor.Prefix, cfg.Cursor.TTL), nil
	case "postgres", "mysql":
		store, err := cursor.OpenSQLStore(ctx, cursor.Dialect(cfg.Cursor.Backend), cfg.Cursor.DSN, cfg.Cursor.TTL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
		return store, nil
	}
	return cursor.NewMemoryStore(cfg.Cursor.TTL, nil), nil
}

func buildStorage(ctx context.Context, cfg config.StashConfig, e *engine) (stash.Storage, error) {
	switch cfg.Backend {
	case "s3":
		s, err := stash.NewS3Storage(ctx, stash.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			ForcePathStyle:  cfg.ForcePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gcs":
		s, err := stash.NewGCSStorage(ctx, stash.GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			CredentialsJSON: cfg.CredentialsJSON,
			Endpoint:        cfg.Endpoint,
			GoogleAccessID:  cfg.GoogleAccessID,
			PrivateKey:      cfg.PrivateKey,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, s.Close)
		return s, nil
	case "azureblob":
		s, err := stash.NewAzureBlobStorage(stash.AzureBlobConfig{
			Container:        cfg.Container,
			AccountName:      cfg.AccountName,
			AccountKey:       cfg.AccountKey,
			ConnectionString: cfg.ConnectionString,
			ServiceURL:       cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return stash.NewMemoryStorage(cfg.BaseURL), nil
}
