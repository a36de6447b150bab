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

package placement

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	leaseKeyPrefix  = "share:lease:"
	defaultLeaseTTL = 15 * time.Second
)

// RedisConfig holds connection settings for the Redis-backed Leaser.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	TLS      *tls.Config
	// TTL is how long an acquired lease is held before it must be renewed.
	// Default: 15s.
	TTL time.Duration
}

// RedisLeaser implements Leaser with `SET key holderID NX EX ttl` and
// compare-then-act Lua scripts (compare-and-delete for Release,
// compare-and-PEXPIRE for Renew), so a replica can only release or extend a
// lease it currently holds.
type RedisLeaser struct {
	client     goredis.UniversalClient
	ownsClient bool
	ttl        time.Duration
}

// NewRedisLeaser creates a RedisLeaser that owns the underlying client,
// verified with a ping. Close shuts down the client.
func NewRedisLeaser(cfg RedisConfig) (*RedisLeaser, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("placement: at least one redis address is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:     cfg.Addrs,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("placement: connect to redis: %w", err)
	}

	return &RedisLeaser{client: client, ownsClient: true, ttl: ttl}, nil
}

// NewRedisLeaserFromClient wraps an existing client. Close is a no-op
// because the caller retains ownership of the client.
func NewRedisLeaserFromClient(client goredis.UniversalClient, ttl time.Duration) *RedisLeaser {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLeaser{client: client, ownsClient: false, ttl: ttl}
}

func leaseKey(shareName string) string {
	return leaseKeyPrefix + shareName
}

// Acquire takes the lease for shareName if it is unheld or expired.
func (l *RedisLeaser) Acquire(ctx context.Context, shareName, holderID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(shareName), holderID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("placement: acquire %s: %w", shareName, err)
	}
	return ok, nil
}

// renewScript extends the TTL only if holderID still owns the lease.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Renew extends a held lease. Returns ErrNotOwner if holderID no longer
// owns it (lease expired and was taken by another replica, or was never
// held).
func (l *RedisLeaser) Renew(ctx context.Context, shareName, holderID string) error {
	res, err := renewScript.Run(ctx, l.client, []string{leaseKey(shareName)}, holderID, l.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("placement: renew %s: %w", shareName, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotOwner
	}
	return nil
}

// releaseScript deletes the key only if holderID still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release gives up a held lease. Returns ErrNotOwner if holderID did not
// hold it.
func (l *RedisLeaser) Release(ctx context.Context, shareName, holderID string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{leaseKey(shareName)}, holderID).Result()
	if err != nil {
		return fmt.Errorf("placement: release %s: %w", shareName, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Ping checks connectivity to the underlying Redis client.
func (l *RedisLeaser) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close shuts down the owned client, if any.
func (l *RedisLeaser) Close() error {
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

var _ Leaser = (*RedisLeaser)(nil)
