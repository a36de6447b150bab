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

// Package httpapi is the HTTP surface of the share service: a thin
// stateless router over the per-shareName coordinators. No per-connection
// state lives here outside each coordinator; shareName selects the
// coordinator instance via Manager.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/coordinator"
	"github.com/opencodehq/share/internal/httputil"
	"github.com/opencodehq/share/internal/share"
)

// Manager resolves the placed Coordinator for a shareName. Satisfied by
// *coordinator.Manager.
type Manager interface {
	CoordinatorFor(shareName string) *coordinator.Coordinator
}

// Poller is the subset of *viewer.Server the handler hands GET /share_poll
// off to, kept as an interface so httpapi does not import internal/viewer
// (avoiding an import cycle is incidental here; the real point is that
// httpapi only needs ServeHTTP).
type Poller interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// ErrorResponse is the JSON response body for a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler provides the share service's HTTP endpoints.
type Handler struct {
	manager Manager
	poller  Poller
	log     logr.Logger
}

// NewHandler constructs a Handler backed by manager, delegating
// GET /share_poll to poller.
func NewHandler(manager Manager, poller Poller, log logr.Logger) *Handler {
	return &Handler{
		manager: manager,
		poller:  poller,
		log:     log.WithName("httpapi"),
	}
}

// RegisterRoutes registers the share HTTP API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /share_create", h.handleCreate)
	mux.HandleFunc("POST /share_sync", h.handleSync)
	mux.HandleFunc("POST /share_delete", h.handleDelete)
	mux.HandleFunc("GET /share_poll", h.handlePoll)
	mux.HandleFunc("GET /share_data", h.handleData)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req share.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, share.ErrBadRequest)
		return
	}
	if req.SesID == "" {
		writeError(w, share.ErrBadRequest)
		return
	}

	shareName := share.ShareNameFor(req.SesID)
	c := h.manager.CoordinatorFor(shareName)

	resp, err := c.Share(r.Context(), req.SesID)
	if err != nil {
		h.log.Error(err, "share failed", "shareName", shareName)
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var env share.PublishEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, share.ErrBadRequest)
		return
	}
	if env.SesID == "" {
		writeError(w, share.ErrBadRequest)
		return
	}

	shareName := share.ShareNameFor(env.SesID)
	c := h.manager.CoordinatorFor(shareName)

	if err := c.Publish(r.Context(), env); err != nil {
		if !errors.Is(err, share.ErrForbidden) && !errors.Is(err, share.ErrBadRequest) {
			h.log.Error(err, "publish failed", "shareName", shareName)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req share.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, share.ErrBadRequest)
		return
	}
	if req.SesID == "" {
		writeError(w, share.ErrBadRequest)
		return
	}

	shareName := share.ShareNameFor(req.SesID)
	c := h.manager.CoordinatorFor(shareName)

	if err := c.Clear(r.Context(), req); err != nil {
		if !errors.Is(err, share.ErrForbidden) {
			h.log.Error(err, "clear failed", "shareName", shareName)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	h.poller.ServeHTTP(w, r)
}

func (h *Handler) handleData(w http.ResponseWriter, r *http.Request) {
	shareName := r.URL.Query().Get("id")
	if shareName == "" {
		writeError(w, share.ErrBadRequest)
		return
	}

	c := h.manager.CoordinatorFor(shareName)
	dump, err := c.Dump(r.Context())
	if err != nil {
		if !errors.Is(err, share.ErrNotFound) {
			h.log.Error(err, "dump failed", "shareName", shareName)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, dump)
}

// writeJSON writes a JSON 200 OK response.
func writeJSON(w http.ResponseWriter, data any) {
	_ = httputil.WriteJSON(w, http.StatusOK, data)
}

// writeError maps the share error taxonomy to HTTP status codes and writes
// a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, share.ErrBadRequest):
		status = http.StatusBadRequest
		msg = "bad request"
	case errors.Is(err, share.ErrUnauthorized):
		status = http.StatusUnauthorized
		msg = "unauthorized"
	case errors.Is(err, share.ErrForbidden):
		status = http.StatusForbidden
		msg = "forbidden"
	case errors.Is(err, share.ErrNotFound):
		status = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, share.ErrCancelled):
		status = http.StatusServiceUnavailable
		msg = "cancelled"
	case errors.Is(err, share.ErrTransient):
		status = http.StatusServiceUnavailable
		msg = "temporarily unavailable"
	}

	_ = httputil.WriteJSON(w, status, ErrorResponse{Error: msg})
}
