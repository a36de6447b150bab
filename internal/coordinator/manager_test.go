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

package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencodehq/share/internal/blobstore"
	"github.com/opencodehq/share/internal/kvstore"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	store := kvstore.NewMemoryStore()
	mirror := blobstore.NewMirror(blobstore.NewMemoryBlobStore())
	m := NewManager("example.com", store, mirror, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CoordinatorForReturnsSameInstance(t *testing.T) {
	m := newTestManager(t)

	c1 := m.CoordinatorFor("abcd1234")
	c2 := m.CoordinatorFor("abcd1234")
	assert.Same(t, c1, c2)
}

func TestManager_CoordinatorForDistinctShareNames(t *testing.T) {
	m := newTestManager(t)

	c1 := m.CoordinatorFor("abcd1234")
	c2 := m.CoordinatorFor("efgh5678")
	assert.NotSame(t, c1, c2)
}

func TestManager_EvictAllowsRecreate(t *testing.T) {
	m := newTestManager(t)

	c1 := m.CoordinatorFor("abcd1234")
	_, err := c1.Share(context.Background(), "ses_abc")
	require.NoError(t, err)

	m.Evict("abcd1234")

	c2 := m.CoordinatorFor("abcd1234")
	assert.NotSame(t, c1, c2)

	// The backing store is shared, so the session record survives eviction
	// of the in-process actor.
	resp, err := c2.Share(context.Background(), "ses_abc")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Secret)
}

func TestManager_CloseClosesAllCoordinators(t *testing.T) {
	m := NewManager("example.com", kvstore.NewMemoryStore(), blobstore.NewMirror(blobstore.NewMemoryBlobStore()))

	c := m.CoordinatorFor("abcd1234")
	m.Close()

	// A closed coordinator's do() returns ErrCancelled rather than hanging.
	_, err := c.Share(context.Background(), "ses_abc")
	assert.Error(t, err)
}
