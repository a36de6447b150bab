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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActor struct {
	closed atomic.Bool
}

func (a *fakeActor) Close() { a.closed.Store(true) }

func TestRegistry_GetOrCreate_CreatesOnce(t *testing.T) {
	r := NewRegistry()
	var creates atomic.Int32

	create := func() Actor {
		creates.Add(1)
		return &fakeActor{}
	}

	a1 := r.GetOrCreate("abcd1234", create)
	a2 := r.GetOrCreate("abcd1234", create)

	assert.Same(t, a1, a2)
	assert.Equal(t, int32(1), creates.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_GetOrCreate_ConcurrentCallersCreateOnce(t *testing.T) {
	r := NewRegistry()
	var creates atomic.Int32
	create := func() Actor {
		creates.Add(1)
		return &fakeActor{}
	}

	var wg sync.WaitGroup
	results := make([]Actor, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("abcd1234", create)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load())
	for _, a := range results {
		assert.Same(t, results[0], a)
	}
}

func TestRegistry_Remove_ClosesActor(t *testing.T) {
	r := NewRegistry()
	a := &fakeActor{}
	r.GetOrCreate("abcd1234", func() Actor { return a })

	r.Remove("abcd1234")

	assert.True(t, a.closed.Load())
	_, ok := r.Get("abcd1234")
	assert.False(t, ok)
}

func TestRegistry_Remove_UnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NotPanics(t, func() { r.Remove("nope") })
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a1, a2 := &fakeActor{}, &fakeActor{}
	r.GetOrCreate("abcd1234", func() Actor { return a1 })
	r.GetOrCreate("efgh5678", func() Actor { return a2 })

	r.CloseAll()

	assert.True(t, a1.closed.Load())
	assert.True(t, a2.closed.Load())
	assert.Equal(t, 0, r.Len())
}
