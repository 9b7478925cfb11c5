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

package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"actionkit/platform/engine/base"
)

// Config is the root of runner.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Cursor    CursorConfig    `yaml:"cursor"`
	Redis     RedisConfig     `yaml:"redis"`
	Stash     StashConfig     `yaml:"stash"`
	Dehydrate DehydrateConfig `yaml:"dehydrate"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the invoke API.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// HTTPConfig configures the outbound transport.
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	TLSSkipVerify    bool          `yaml:"tls_skip_verify"`
	AllowPrivateIPs  bool          `yaml:"allow_private_ips"`
	UserAgent        string        `yaml:"user_agent"`
}

// ThrottleConfig selects the throttle counter backend.
type ThrottleConfig struct {
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix"`
}

// CursorConfig selects the cursor backend.
type CursorConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	DSN     string        `yaml:"dsn"`
	Prefix  string        `yaml:"prefix"`
}

// RedisConfig is shared by the Redis-backed stores.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StashConfig selects and configures file storage.
type StashConfig struct {
	Backend   string        `yaml:"backend"`
	Prefix    string        `yaml:"prefix"`
	MaxSize   int64         `yaml:"max_size"`
	URLExpiry time.Duration `yaml:"url_expiry"`
	BaseURL   string        `yaml:"base_url"`

	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
	GoogleAccessID  string `yaml:"google_access_id"`
	PrivateKey      string `yaml:"private_key"`

	Container        string `yaml:"container"`
	AccountName      string `yaml:"account_name"`
	AccountKey       string `yaml:"account_key"`
	ConnectionString string `yaml:"connection_string"`
}

// DehydrateConfig holds the key that signs deferred references.
type DehydrateConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Component string `yaml:"component"`
	Level     string `yaml:"level"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			MaxResponseBytes: 10 << 20,
		},
		Throttle: ThrottleConfig{Backend: "memory"},
		Cursor:   CursorConfig{Backend: "memory", TTL: time.Hour},
		Stash: StashConfig{
			Backend:   "memory",
			Prefix:    "stash",
			MaxSize:   150 << 20,
			URLExpiry: time.Hour,
		},
		Log: LogConfig{Component: "actionrunner", Level: "INFO"},
	}
}

// Option customizes Load.
type Option func(*loader)

type loader struct {
	secrets SecretFetcher
}

// WithSecretFetcher resolves secret references through f instead of a
// client built from the default AWS configuration.
func WithSecretFetcher(f SecretFetcher) Option {
	return func(l *loader) { l.secrets = f }
}

// Load reads, expands, resolves and validates the file at path.
func Load(ctx context.Context, path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(ctx, data, opts...)
}

// Parse is Load for in-memory content.
func Parse(ctx context.Context, data []byte, opts ...Option) (*Config, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	expanded := expandEnvVars(string(data))

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(expanded), &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := l.resolveSecrets(ctx, &root); err != nil {
		return nil, err
	}

	cfg := Default()
	if len(root.Content) > 0 {
		resolved, err := yaml.Marshal(&root)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(resolved))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// ${VAR:-default} falls back to default when VAR is unset or empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

var (
	throttleBackends = []string{"memory", "redis"}
	cursorBackends   = []string{"memory", "redis", "postgres", "mysql"}
	stashBackends    = []string{"memory", "s3", "gcs", "azureblob"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every problem, each keyed by its YAML path.
func (c *Config) Validate() error {
	var v []base.Violation
	add := func(path, format string, args ...interface{}) {
		v = append(v, base.Violation{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Addr == "" {
		add("server.addr", "is required")
	}
	if c.HTTP.Timeout <= 0 {
		add("http.timeout", "must be positive")
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		add("http.max_response_bytes", "must be positive")
	}

	if !oneOf(c.Throttle.Backend, throttleBackends) {
		add("throttle.backend", "unknown backend %q (want one of %s)", c.Throttle.Backend, strings.Join(throttleBackends, ", "))
	}
	if c.Throttle.Backend == "redis" && c.Redis.URL == "" {
		add("redis.url", "is required by throttle.backend redis")
	}

	if !oneOf(c.Cursor.Backend, cursorBackends) {
		add("cursor.backend", "unknown backend %q (want one of %s)", c.Cursor.Backend, strings.Join(cursorBackends, ", "))
	}
	if c.Cursor.TTL <= 0 {
		add("cursor.ttl", "must be positive")
	}
	switch c.Cursor.Backend {
	case "redis":
		if c.Redis.URL == "" {
			add("redis.url", "is required by cursor.backend redis")
		}
	case "postgres", "mysql":
		if c.Cursor.DSN == "" {
			add("cursor.dsn", "is required by cursor.backend %s", c.Cursor.Backend)
		}
	}

	if !oneOf(c.Stash.Backend, stashBackends) {
		add("stash.backend", "unknown backend %q (want one of %s)", c.Stash.Backend, strings.Join(stashBackends, ", "))
	}
	if c.Stash.MaxSize <= 0 {
		add("stash.max_size", "must be positive")
	}
	if c.Stash.URLExpiry <= 0 {
		add("stash.url_expiry", "must be positive")
	}
	switch c.Stash.Backend {
	case "s3", "gcs":
		if c.Stash.Bucket == "" {
			add("stash.bucket", "is required by stash.backend %s", c.Stash.Backend)
		}
	case "azureblob":
		if c.Stash.Container == "" {
			add("stash.container", "is required by stash.backend azureblob")
		}
		if c.Stash.AccountName == "" && c.Stash.ConnectionString == "" && c.Stash.Endpoint == "" {
			add("stash.account_name", "account_name, connection_string or endpoint is required by stash.backend azureblob")
		}
	}

	if c.Dehydrate.Secret == "" {
		add("dehydrate.secret", "is required")
	}

	if len(v) > 0 {
		return base.NewValidationError("config", v...)
	}
	return nil
}
