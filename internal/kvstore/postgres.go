/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds connection and pool settings for the PostgreSQL-backed Store.
type Config struct {
	// ConnString is the PostgreSQL connection URI.
	ConnString string
	// MaxConns is the maximum number of connections in the pool. Default: 10.
	MaxConns int32
	// MinConns is the minimum number of idle connections maintained. Default: 2.
	MinConns int32
	// MaxConnLifetime is the maximum lifetime of a connection. Default: 1h.
	MaxConnLifetime time.Duration
	// MaxConnIdleTime is the maximum time a connection can be idle. Default: 30m.
	MaxConnIdleTime time.Duration
	// HealthCheckPeriod is the interval between health checks on idle connections. Default: 1m.
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults. Callers must
// still set ConnString.
func DefaultConfig() Config {
	return Config{
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// PostgresStore is a Store backed by the share_sessions and share_kv tables
// (see migrations/). It is the durable backend used by cmd/share-server.
type PostgresStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPostgresStore creates a PostgresStore that owns the underlying
// connection pool, built from cfg and verified with a ping. Close shuts
// down the pool.
func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("kvstore: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parsing connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("kvstore: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kvstore: ping failed: %w", err)
	}

	return &PostgresStore{pool: pool, ownsPool: true}, nil
}

// NewPostgresStoreFromPool wraps an existing connection pool. Close is a
// no-op because the caller retains ownership of the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, ownsPool: false}
}

func scanSessionRecord(row pgx.Row) (SessionRecord, error) {
	var rec SessionRecord
	var state string
	err := row.Scan(&rec.ShareName, &rec.SesID, &rec.Secret, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("kvstore: scan session: %w", err)
	}
	rec.State = State(state)
	return rec, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, shareName string) (SessionRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT share_name, ses_id, secret, state
		FROM share_sessions
		WHERE share_name = $1`, shareName)
	return scanSessionRecord(row)
}

// CreateSession stores rec if no record exists yet for rec.ShareName, and
// returns the stored record. A concurrent first insert wins; a loser
// re-reads the winning row.
func (p *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO share_sessions (share_name, ses_id, secret, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (share_name) DO NOTHING`,
		rec.ShareName, rec.SesID, rec.Secret, string(rec.State))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("kvstore: create session: %w", err)
	}
	return p.GetSession(ctx, rec.ShareName)
}

func (p *PostgresStore) SetSessionState(ctx context.Context, shareName string, state State) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE share_sessions SET state = $2 WHERE share_name = $1`,
		shareName, string(state))
	if err != nil {
		return fmt.Errorf("kvstore: set session state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, shareName, key string) (json.RawMessage, error) {
	var content json.RawMessage
	err := p.pool.QueryRow(ctx, `
		SELECT content FROM share_kv
		WHERE share_name = $1 AND key = $2`, shareName, key).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	return content, nil
}

func (p *PostgresStore) Put(ctx context.Context, shareName, key string, content json.RawMessage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO share_kv (share_name, key, content, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (share_name, key)
		DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		shareName, key, content)
	if err != nil {
		return fmt.Errorf("kvstore: put: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListByPrefix(ctx context.Context, shareName, prefix string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key, content FROM share_kv
		WHERE share_name = $1 AND key LIKE $2
		ORDER BY id ASC`, shareName, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kvstore: list by prefix: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Content); err != nil {
			return nil, fmt.Errorf("kvstore: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: list by prefix: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) DeleteByPrefix(ctx context.Context, shareName, prefix string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM share_kv WHERE share_name = $1 AND key LIKE $2`,
		shareName, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return fmt.Errorf("kvstore: delete by prefix: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteAll(ctx context.Context, shareName string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM share_kv WHERE share_name = $1`, shareName)
	if err != nil {
		return fmt.Errorf("kvstore: delete all: %w", err)
	}
	return nil
}

// escapeLikePrefix escapes LIKE metacharacters so a key prefix is matched
// literally; ids in the key grammar (share.ParseKey) contain _ (ses_, msg_,
// prt_), which LIKE would otherwise treat as a single-character wildcard.
func escapeLikePrefix(prefix string) string {
	r := make([]rune, 0, len(prefix))
	for _, c := range prefix {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
