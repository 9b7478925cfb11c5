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
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures GCSStorage. GoogleAccessID and PrivateKey sign URLs
// when the client credentials cannot sign on their own.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	CredentialsJSON string
	Endpoint        string
	GoogleAccessID  string
	PrivateKey      string
	Anonymous       bool
}

// GCSStorage stores objects in a Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
	cfg    GCSConfig
	now    func() time.Time
}

// NewGCSStorage creates the storage client.
func NewGCSStorage(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs stash: bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.Anonymous:
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs stash: create client: %w", err)
	}
	return &GCSStorage{client: client, bucket: cfg.Bucket, cfg: cfg, now: time.Now}, nil
}

func (g *GCSStorage) Name() string { return "gcs" }

// Close releases the client.
func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := g.client.Bucket(g.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if size > 0 && size < int64(w.ChunkSize) {
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, r); err != nil {
		// cancelling the context aborts the upload
		cancel()
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", g.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

func (g *GCSStorage) URL(_ context.Context, key string, expiry time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:  "GET",
		Expires: g.now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	}
	if g.cfg.GoogleAccessID != "" && g.cfg.PrivateKey != "" {
		opts.GoogleAccessID = g.cfg.GoogleAccessID
		opts.PrivateKey = []byte(g.cfg.PrivateKey)
	}
	u, err := g.client.Bucket(g.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("sign gs://%s/%s: %w", g.bucket, key, err)
	}
	return u, nil
}
