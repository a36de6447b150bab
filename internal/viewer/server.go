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

package viewer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opencodehq/share/internal/coordinator"
	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/pkg/logctx"
)

// Config controls the websocket transport's framing and keepalive
// parameters.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
}

// DefaultConfig returns sane keepalive defaults for the viewer transport.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  32 * 1024,
	}
}

// Manager resolves the placed Coordinator for a shareName. Satisfied by
// *coordinator.Manager.
type Manager interface {
	CoordinatorFor(shareName string) *coordinator.Coordinator
}

// Server upgrades GET /share_poll requests and hands the resulting
// connection off to coordinator.Attach.
type Server struct {
	cfg      Config
	manager  Manager
	log      logr.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]*wsStream
	shutdown bool
}

// NewServer constructs a viewer Server backed by manager.
func NewServer(cfg Config, manager Manager, log logr.Logger) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		log:     log.WithName("viewer"),
		conns:   make(map[*websocket.Conn]*wsStream),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements GET /share_poll?id=<shareName>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	shuttingDown := s.shutdown
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	shareName := r.URL.Query().Get("id")
	if shareName == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}

	c := s.manager.CoordinatorFor(shareName)

	// A best-effort pre-upgrade existence check: GET /share_poll returns 404
	// for an unknown shareName. The canonical check happens
	// inside Attach, after upgrade, since a coordinator actor always exists
	// once CoordinatorFor is called; a session deleted between these two
	// calls is caught there and the connection closed with a close frame.
	if _, err := c.Dump(r.Context()); err != nil {
		if errors.Is(err, share.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "failed to upgrade connection", "shareName", shareName)
		return
	}

	viewerID := uuid.New().String()
	stream := newWSStream(conn, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.conns[conn] = stream
	s.mu.Unlock()

	// The connection outlives the upgrade request, so its context derives
	// from Background rather than r.Context().
	ctx := logctx.WithShareName(context.Background(), shareName)
	ctx = logctx.WithViewerID(ctx, viewerID)
	log := logctx.LoggerWithContext(s.log, ctx)

	if err := c.Attach(ctx, viewerID, stream); err != nil {
		log.Error(err, "attach failed")
		s.cleanupConn(conn)
		stream.Close()
		return
	}

	log.Info("viewer attached")
	go s.handleConnection(ctx, c, viewerID, conn, stream, log)
}

// handleConnection runs the ping loop and read loop for one attached
// viewer.
func (s *Server) handleConnection(ctx context.Context, c *coordinator.Coordinator, viewerID string, conn *websocket.Conn, stream *wsStream, log logr.Logger) {
	defer func() {
		s.cleanupConn(conn)
		c.Detach(context.Background(), viewerID)
		stream.Close()
		log.Info("viewer detached")
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout)); err != nil {
		log.Error(err, "failed to set read deadline")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	go s.runPingLoop(connCtx, stream, pingTicker)

	s.readMessageLoop(conn, log)
}

// runPingLoop sends periodic pings to keep the connection alive. This
// protocol is server-to-client only, so the pong handler (not the ping
// payload) is what signals liveness back to us.
func (s *Server) runPingLoop(ctx context.Context, stream *wsStream, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !stream.sendPing() {
				return
			}
		}
	}
}

// readMessageLoop drains inbound frames until the connection errors or
// closes. No client-to-server payload is part of this protocol; the loop
// exists only to process pongs and detect disconnects.
func (s *Server) readMessageLoop(conn *websocket.Conn, log logr.Logger) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				log.Error(err, "unexpected close error")
			}
			return
		}
	}
}

func (s *Server) cleanupConn(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown closes every active viewer connection with a going-away close
// frame. It does not wait for coordinator.Detach to run on each connection;
// callers that need that should close the owning Manager separately.
func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	return nil
}

// ConnectionCount returns the number of active viewer connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
