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

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencodehq/share/internal/share"
)

// newTestCoordinator starts a stub coordinator exposing just enough of
// share_create/share_delete to exercise controlHandler's proxy logic.
func newTestCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /share_create", func(w http.ResponseWriter, r *http.Request) {
		var req share.CreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(share.CreateResponse{
			Secret: "secret-for-" + req.SesID,
			URL:    "https://example.com/s/" + req.SesID,
		})
	})
	mux.HandleFunc("POST /share_delete", func(w http.ResponseWriter, r *http.Request) {
		var req share.DeleteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Secret == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestControlHandler_ShareCreate_PersistsSecret(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	body := strings.NewReader(`{"sessionID":"ses_abc123"}`)
	req := httptest.NewRequest(http.MethodPost, "/share_create", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp share.CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "secret-for-ses_abc123", resp.Secret)

	secret, shared := secrets.Secret("ses_abc123")
	require.True(t, shared)
	assert.Equal(t, "secret-for-ses_abc123", secret)
}

func TestControlHandler_ShareCreate_MissingSessionID(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/share_create", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlHandler_ShareDelete_ForgetsLocalSecret(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	require.NoError(t, secrets.Put("ses_abc123", "secret-for-ses_abc123"))

	h := newControlHandler(coordinator.URL, secrets, logr.Discard())
	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/share_delete", strings.NewReader(`{"sessionID":"ses_abc123"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	_, shared := secrets.Secret("ses_abc123")
	assert.False(t, shared, "share_delete must forget the local secret")
}

func TestControlHandler_ShareDelete_UnknownSessionIsNoop(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/share_delete", strings.NewReader(`{"sessionID":"ses_never_shared"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlHandler_HandleID_MintsPrefixedID(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/id?kind=msg", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "msg_"))
}

func TestControlHandler_HandleID_MissingKindIsBadRequest(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlHandler_Healthz_Route(t *testing.T) {
	coordinator := newTestCoordinator(t)
	secrets := newTestSecretStore(t)
	h := newControlHandler(coordinator.URL, secrets, logr.Discard())

	mux := http.NewServeMux()
	h.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
