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

package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

type queries struct {
	create string
	get    string
	set    string
	clear  string
}

var dialects = map[Dialect]queries{
	Postgres: {
		create: `
		CREATE TABLE IF NOT EXISTS action_cursors (
			scope_key  VARCHAR(255) PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		get: `SELECT value FROM action_cursors WHERE scope_key = $1 AND expires_at > $2`,
		set: `
		INSERT INTO action_cursors (scope_key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope_key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`,
		clear: `DELETE FROM action_cursors WHERE scope_key = $1`,
	},
	MySQL: {
		create: `
		CREATE TABLE IF NOT EXISTS action_cursors (
			scope_key  VARCHAR(255) NOT NULL PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at DATETIME(6) NOT NULL
		)`,
		get: `SELECT value FROM action_cursors WHERE scope_key = ? AND expires_at > ?`,
		set: `
		INSERT INTO action_cursors (scope_key, value, expires_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value = VALUES(value),
			expires_at = VALUES(expires_at)`,
		clear: `DELETE FROM action_cursors WHERE scope_key = ?`,
	},
}

// SQLStore keeps cursors in a relational table. Upserts make every write a
// single statement.
type SQLStore struct {
	db  *sql.DB
	q   queries
	ttl time.Duration
	now func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect, ttl time.Duration) (*SQLStore, error) {
	q, ok := dialects[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported cursor dialect %q", dialect)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLStore{db: db, q: q, ttl: ttl, now: time.Now}, nil
}

// OpenSQLStore opens dsn with the dialect's driver and creates the table.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, ttl time.Duration) (*SQLStore, error) {
	if dialect == MySQL {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	s, err := NewSQLStore(db, dialect, ttl)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the cursor table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.create); err != nil {
		return fmt.Errorf("failed to create cursor table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get implements Store. Rows past their expiry read as absent.
func (s *SQLStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q.get, key, s.now().UTC()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cursor: %w", err)
	}
	v, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set implements Store with an upsert.
func (s *SQLStore) Set(ctx context.Context, key string, value interface{}) error {
	if IsEmpty(value) {
		return s.Clear(ctx, key)
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q.set, key, raw, s.now().UTC().Add(s.ttl)); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.clear, key); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}
