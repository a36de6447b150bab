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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaser(t *testing.T, ttl time.Duration) (*RedisLeaser, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLeaserFromClient(client, ttl), mr
}

func TestRedisLeaser_AcquireExclusive(t *testing.T) {
	l, _ := newTestLeaser(t, time.Minute)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "abcd1234", "replica-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "abcd1234", "replica-b")
	require.NoError(t, err)
	assert.False(t, ok, "a second replica must not acquire an already-held lease")
}

func TestRedisLeaser_RenewByOwner(t *testing.T) {
	l, _ := newTestLeaser(t, time.Minute)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "abcd1234", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Renew(ctx, "abcd1234", "replica-a"))
	assert.ErrorIs(t, l.Renew(ctx, "abcd1234", "replica-b"), ErrNotOwner)
}

func TestRedisLeaser_ReleaseByOwner(t *testing.T) {
	l, _ := newTestLeaser(t, time.Minute)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "abcd1234", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, l.Release(ctx, "abcd1234", "replica-b"), ErrNotOwner)
	require.NoError(t, l.Release(ctx, "abcd1234", "replica-a"))

	// Lease is free again after release.
	ok, err = l.Acquire(ctx, "abcd1234", "replica-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaser_ExpiresAndIsReacquirable(t *testing.T) {
	l, mr := newTestLeaser(t, time.Second)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "abcd1234", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = l.Acquire(ctx, "abcd1234", "replica-b")
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease must become acquirable by another replica")
}
