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

package publisher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/internal/storage"
	"github.com/opencodehq/share/pkg/bus"
)

type memSecrets struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newMemSecrets() *memSecrets { return &memSecrets{secrets: map[string]string{}} }

func (m *memSecrets) share(sesID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[sesID] = secret
}

func (m *memSecrets) Secret(sesID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[sesID]
	return s, ok
}

type recordingServer struct {
	mu       sync.Mutex
	received []share.PublishEnvelope
}

func (r *recordingServer) handler(w http.ResponseWriter, req *http.Request) {
	var env share.PublishEnvelope
	_ = json.NewDecoder(req.Body).Decode(&env)
	r.mu.Lock()
	r.received = append(r.received, env)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

func (r *recordingServer) snapshot() []share.PublishEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]share.PublishEnvelope(nil), r.received...)
}

func TestPipeline_PublishesSharedSessionWrites(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.handler(w, r)
	}))
	defer srv.Close()

	secrets := newMemSecrets()
	secrets.share("ses_abc", "s3cr3t")

	b := bus.New()
	p := New(b, secrets, srv.URL)
	defer p.Close()

	store, err := storage.New(t.TempDir(), b)
	require.NoError(t, err)
	require.NoError(t, store.WriteJSON("session/info/ses_abc", json.RawMessage(`{"title":"x"}`)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	got := rec.snapshot()[0]
	assert.Equal(t, "ses_abc", got.SesID)
	assert.Equal(t, "s3cr3t", got.Secret)
	assert.Equal(t, "session/info/ses_abc", got.Key)
}

func TestPipeline_DropsWritesForUnsharedSessions(t *testing.T) {
	rec := &recordingServer{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	b := bus.New()
	p := New(b, newMemSecrets(), srv.URL)
	defer p.Close()

	store, err := storage.New(t.TempDir(), b)
	require.NoError(t, err)
	require.NoError(t, store.WriteJSON("session/info/ses_unshared", json.RawMessage(`{}`)))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestPipeline_CoalescesBurstsToSameKey(t *testing.T) {
	gate := make(chan struct{})
	var requestCount int
	var mu sync.Mutex
	var received []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requestCount++
		first := requestCount == 1
		mu.Unlock()
		if first {
			<-gate // hold the first POST in flight while the burst happens
		}
		var env share.PublishEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		received = append(received, string(env.Content))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	secrets := newMemSecrets()
	secrets.share("ses_abc", "s3cr3t")

	b := bus.New()
	p := New(b, secrets, srv.URL)
	defer p.Close()

	store, err := storage.New(t.TempDir(), b)
	require.NoError(t, err)

	require.NoError(t, store.WriteJSON("session/info/ses_abc", json.RawMessage(`{"n":1}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requestCount == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.WriteJSON("session/info/ses_abc", json.RawMessage(`{"n":2}`)))
	require.NoError(t, store.WriteJSON("session/info/ses_abc", json.RawMessage(`{"n":3}`)))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, `{"n":1}`, received[0])
	assert.Equal(t, `{"n":3}`, received[1], "the coalesced {n:2} value must never be sent")
}

func TestPipeline_CrossKeyOrderFollowsWrites(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var requestCount int
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requestCount++
		first := requestCount == 1
		mu.Unlock()
		if first {
			<-gate // queue the burst behind the first in-flight POST
		}
		var env share.PublishEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		keys = append(keys, env.Key)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	secrets := newMemSecrets()
	secrets.share("ses_abc", "s3cr3t")

	b := bus.New()
	p := New(b, secrets, srv.URL)
	defer p.Close()

	store, err := storage.New(t.TempDir(), b)
	require.NoError(t, err)

	require.NoError(t, store.WriteJSON("session/info/ses_abc", json.RawMessage(`{}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requestCount == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.WriteJSON("session/message/ses_abc/msg_001", json.RawMessage(`{}`)))
	require.NoError(t, store.WriteJSON("session/part/ses_abc/msg_001/prt_001", json.RawMessage(`{}`)))
	require.NoError(t, store.WriteJSON("session/message/ses_abc/msg_002", json.RawMessage(`{}`)))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"session/info/ses_abc",
		"session/message/ses_abc/msg_001",
		"session/part/ses_abc/msg_001/prt_001",
		"session/message/ses_abc/msg_002",
	}, keys, "cross-key dispatch order must follow write order")
}

func TestPipeline_FailedPostDoesNotHaltDispatch(t *testing.T) {
	var mu sync.Mutex
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env share.PublishEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		keys = append(keys, env.Key)
		n := len(keys)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	secrets := newMemSecrets()
	secrets.share("ses_abc", "s3cr3t")

	b := bus.New()
	p := New(b, secrets, srv.URL)
	defer p.Close()

	store, err := storage.New(t.TempDir(), b)
	require.NoError(t, err)

	require.NoError(t, store.WriteJSON("session/message/ses_abc/msg_001", json.RawMessage(`{}`)))
	require.NoError(t, store.WriteJSON("session/message/ses_abc/msg_002", json.RawMessage(`{}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 2
	}, time.Second, 5*time.Millisecond)
}
