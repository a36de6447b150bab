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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/httputil"
	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/pkg/id"
)

// controlHandler is the local loopback API the authoring client (the CLI
// process embedding this agent) uses to start and stop sharing a session
// and to mint ids. share_create/share_delete are thin proxies onto the
// coordinator; the agent's only local
// responsibility is remembering the secret the coordinator hands back.
type controlHandler struct {
	coordinatorURL string
	httpClient     *http.Client
	secrets        *secretStore
	ids            *id.Generator
	log            logr.Logger
}

func newControlHandler(coordinatorURL string, secrets *secretStore, log logr.Logger) *controlHandler {
	return &controlHandler{
		coordinatorURL: coordinatorURL,
		httpClient:     http.DefaultClient,
		secrets:        secrets,
		ids:            id.NewGenerator(),
		log:            log.WithName("control"),
	}
}

func (h *controlHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /share_create", h.handleShareCreate)
	mux.HandleFunc("POST /share_delete", h.handleShareDelete)
	mux.HandleFunc("GET /id", h.handleID)
}

func (h *controlHandler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleShareCreate forwards to the coordinator's POST /share_create and
// persists the returned secret locally so PublisherPipeline can
// authenticate subsequent writes for this session.
func (h *controlHandler) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req share.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SesID == "" {
		http.Error(w, "sessionID required", http.StatusBadRequest)
		return
	}

	resp, status, err := h.forward(r, "/share_create", req)
	if err != nil {
		h.log.Error(err, "share_create proxy failed", "sessionID", req.SesID)
		http.Error(w, "coordinator unreachable", http.StatusServiceUnavailable)
		return
	}
	if status >= 300 {
		w.WriteHeader(status)
		_, _ = w.Write(resp)
		return
	}

	var created share.CreateResponse
	if err := json.Unmarshal(resp, &created); err != nil {
		h.log.Error(err, "decoding share_create response", "sessionID", req.SesID)
		http.Error(w, "malformed coordinator response", http.StatusBadGateway)
		return
	}
	if err := h.secrets.Put(req.SesID, created.Secret); err != nil {
		h.log.Error(err, "persisting share secret", "sessionID", req.SesID)
		http.Error(w, "could not persist secret", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

// handleShareDelete looks up the locally stored secret, forwards to the
// coordinator's POST /share_delete, and forgets the secret regardless of
// the coordinator's response (a stale local secret is never useful once
// the caller has asked to stop sharing).
func (h *controlHandler) handleShareDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SesID string `json:"sessionID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SesID == "" {
		http.Error(w, "sessionID required", http.StatusBadRequest)
		return
	}

	secret, shared := h.secrets.Secret(req.SesID)
	defer func() { _ = h.secrets.Forget(req.SesID) }()
	if !shared {
		w.WriteHeader(http.StatusOK)
		return
	}

	resp, status, err := h.forward(r, "/share_delete", share.DeleteRequest{SesID: req.SesID, Secret: secret})
	if err != nil {
		h.log.Error(err, "share_delete proxy failed", "sessionID", req.SesID)
		http.Error(w, "coordinator unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp)
}

// handleID mints a new id of the kind named by the "kind" query parameter
// (ses, msg, prt), ascending unless "order=desc" is given.
func (h *controlHandler) handleID(w http.ResponseWriter, r *http.Request) {
	kind := id.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		http.Error(w, "kind required", http.StatusBadRequest)
		return
	}

	var generated string
	if r.URL.Query().Get("order") == "desc" {
		generated = h.ids.Descending(kind)
	} else {
		generated = h.ids.Ascending(kind)
	}

	_ = httputil.WriteJSON(w, http.StatusOK, struct {
		ID string `json:"id"`
	}{ID: generated})
}

func (h *controlHandler) forward(r *http.Request, path string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.coordinatorURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("coordinator request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, 0, fmt.Errorf("reading coordinator response: %w", err)
	}
	return buf.Bytes(), resp.StatusCode, nil
}
