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

// Package viewer implements the websocket transport for ViewerStream
// of the share service: it upgrades GET /share_poll requests, attaches the
// resulting connection to the session's coordinator, and keeps the
// connection alive with ping/pong keepalive while the coordinator pushes
// frames.
package viewer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencodehq/share/internal/share"
)

// wsStream adapts a *websocket.Conn to coordinator.Stream. All writes
// (frames and pings) go through sendMu so a ping never races a frame send.
type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	sendMu sync.Mutex
	closed bool
}

func newWSStream(conn *websocket.Conn, writeTimeout time.Duration) *wsStream {
	return &wsStream{conn: conn, writeTimeout: writeTimeout}
}

// SendFrame implements broadcast.Viewer (and coordinator.Stream). The write
// deadline honors ctx when it expires sooner than the configured write
// timeout, so the broadcaster's per-send timeout and the actual network
// failure boundary are the same instant — a send the fan-out counts as
// timed out has really been abandoned, not left running under a longer
// deadline of its own.
func (w *wsStream) SendFrame(ctx context.Context, key string, content json.RawMessage) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if w.closed {
		return nil
	}
	deadline := w.deadline()
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteJSON(share.ViewerFrame{Key: key, Content: content})
}

// sendPing writes a ping control frame. It reports false when the
// connection should be considered dead.
func (w *wsStream) sendPing() bool {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if w.closed {
		return false
	}
	if w.conn.SetWriteDeadline(w.deadline()) != nil {
		return false
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil) == nil
}

// Close implements coordinator.Stream. It sends a close frame best-effort
// and closes the underlying connection. Safe to call more than once.
func (w *wsStream) Close() {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = w.conn.Close()
}

func (w *wsStream) deadline() time.Time {
	return time.Now().Add(w.writeTimeout)
}
