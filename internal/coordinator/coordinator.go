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

// Package coordinator implements the SessionCoordinator: a
// single-writer actor keyed by shareName. All mutations — share, publish,
// clear, dump, attach — go through the actor's serial mailbox, so kv writes,
// viewer-set manipulation, and the backlog-then-live handoff for attach
// never interleave with each other for the same shareName.
package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/blobstore"
	"github.com/opencodehq/share/internal/broadcast"
	"github.com/opencodehq/share/internal/kvstore"
	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/pkg/metrics"
)

// Stream is the surface a ViewerStream must expose to be attached to a
// Coordinator: frame delivery (used by broadcast.Local for fan-out) plus an
// explicit Close a coordinator-initiated disconnect (clear, eviction) can
// call to tear the connection down.
type Stream interface {
	broadcast.Viewer
	Close()
}

// Coordinator is the single-writer actor owning one shared session.
type Coordinator struct {
	shareName string
	webDomain string

	store  kvstore.Store
	mirror *blobstore.Mirror
	local  *broadcast.Local
	remote *broadcast.Redis // optional cross-instance relay

	metrics metrics.Recorder
	log     logr.Logger

	// streams mirrors local's membership but keeps the Close method
	// available for clear/eviction. Only ever touched from inside the
	// actor's mailbox, so it needs no lock of its own.
	streams map[string]Stream

	mailbox chan func()
	done    chan struct{}
	closed  chan struct{}
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithRemote attaches a cross-instance redis broadcaster.
func WithRemote(r *broadcast.Redis) Option {
	return func(c *Coordinator) { c.remote = r }
}

// WithMetrics attaches a metrics recorder. Default is a no-op.
func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger attaches a logger. Default is logr.Discard().
func WithLogger(l logr.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New starts a Coordinator actor for shareName and returns it running.
// Callers obtain one through Manager.CoordinatorFor rather than calling New
// directly, so that single-placement (one actor per shareName) is enforced.
func New(shareName, webDomain string, store kvstore.Store, mirror *blobstore.Mirror, opts ...Option) *Coordinator {
	c := &Coordinator{
		shareName: shareName,
		webDomain: webDomain,
		store:     store,
		mirror:    mirror,
		metrics:   metrics.NoOp{},
		log:       logr.Discard(),
		streams:   make(map[string]Stream),
		mailbox:   make(chan func()),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.local = broadcast.NewLocal(broadcast.WithObserver(func(ok bool) {
		c.metrics.RecordBroadcast(ok)
	}))
	go c.run()
	if c.remote != nil {
		go c.runRemoteRelay()
	}
	return c
}

// runRemoteRelay feeds frames published by other coordinator replicas into
// the local viewer fan-out. Frames this replica published itself are
// recognized by origin and skipped, since they were already delivered
// locally on the publish path.
func (c *Coordinator) runRemoteRelay() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	frames, stop, err := c.remote.Subscribe(ctx, c.shareName)
	if err != nil {
		c.log.Error(err, "redis subscribe failed")
		return
	}
	defer stop()

	for rm := range frames {
		if rm.Origin == c.remote.InstanceID() {
			continue
		}
		_ = c.do(ctx, func() {
			if rm.Close {
				c.closeLocalViewers()
				return
			}
			c.deliverLocal(ctx, share.ViewerFrame{Key: rm.Frame.Key, Content: rm.Frame.Content})
		})
	}
}

func (c *Coordinator) run() {
	defer close(c.closed)
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// do dispatches fn onto the actor's serial mailbox and blocks until it has
// run, respecting both ctx cancellation and actor shutdown. Every exported
// operation below is a thin wrapper around do, which is what makes the
// coordinator single-threaded with respect to its own state.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	task := func() {
		defer close(ran)
		fn()
	}

	select {
	case c.mailbox <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return share.ErrCancelled
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return share.ErrCancelled
	}
}

// Close shuts down the actor loop and detaches (without notifying) every
// attached viewer. Satisfies placement.Actor.
func (c *Coordinator) Close() {
	close(c.done)
	<-c.closed
	c.local.CloseAll()
}

func (c *Coordinator) publicURL() string {
	return fmt.Sprintf("https://%s/s/%s", c.webDomain, c.shareName)
}

func (c *Coordinator) recordOp(op string, start time.Time, err error) {
	c.metrics.RecordOperation(metrics.OperationMetrics{
		Op:              op,
		DurationSeconds: time.Since(start).Seconds(),
		Success:         err == nil,
	})
}

// Share implements the share operation: first-wins, no auth. A session
// already shared returns its existing secret idempotently (AlreadyShared
// is not an error).
func (c *Coordinator) Share(ctx context.Context, sesID string) (resp share.CreateResponse, err error) {
	start := time.Now()
	defer func() { c.recordOp("share", start, err) }()

	secret := share.NewSecret()
	var created bool
	dispatchErr := c.do(ctx, func() {
		rec, storeErr := c.store.CreateSession(ctx, kvstore.SessionRecord{
			ShareName: c.shareName,
			SesID:     sesID,
			Secret:    secret,
			State:     kvstore.StateShared,
		})
		if storeErr != nil {
			err = fmt.Errorf("%w: create session: %v", share.ErrTransient, storeErr)
			return
		}
		created = rec.Secret == secret
		resp = share.CreateResponse{Secret: rec.Secret, URL: c.publicURL()}
	})
	if dispatchErr != nil {
		return share.CreateResponse{}, dispatchErr
	}
	if err != nil {
		return share.CreateResponse{}, err
	}
	if created {
		c.metrics.IncSessionsActive()
	}
	return resp, nil
}

// Publish implements the publish operation: authenticated write-then-
// broadcast. The durable kv write completes before the caller is told the
// publish succeeded; broadcast outcomes never fail the publish. Publish
// returns once every local viewer send has completed or hit its per-send
// timeout, since the fan-out runs inside the actor.
func (c *Coordinator) Publish(ctx context.Context, env share.PublishEnvelope) (err error) {
	start := time.Now()
	defer func() {
		c.recordOp("publish", start, err)
		c.metrics.RecordPublish(err == nil)
	}()

	dispatchErr := c.do(ctx, func() {
		if env.Secret == "" {
			err = share.ErrUnauthorized
			return
		}
		if _, parseErr := share.ParseKey(env.Key); parseErr != nil {
			err = parseErr
			return
		}

		rec, getErr := c.store.GetSession(ctx, c.shareName)
		if getErr != nil {
			if errors.Is(getErr, kvstore.ErrNotFound) {
				// No session record means no secret can match; NotFound is
				// reserved for the public read endpoints (dump, attach).
				err = share.ErrForbidden
				return
			}
			err = fmt.Errorf("%w: get session: %v", share.ErrTransient, getErr)
			return
		}
		if subtle.ConstantTimeCompare([]byte(rec.Secret), []byte(env.Secret)) != 1 {
			err = share.ErrForbidden
			return
		}

		if putErr := c.store.Put(ctx, c.shareName, env.Key, env.Content); putErr != nil {
			err = fmt.Errorf("%w: kv put: %v", share.ErrTransient, putErr)
			return
		}
		// The blob mirror is an archival side artifact, not the read path
		// (dump and attach both replay from kv). A mirror failure is logged
		// rather than failing the publish.
		if mirrorErr := c.mirror.Put(ctx, env.Key, env.Content); mirrorErr != nil {
			c.log.Error(mirrorErr, "blob mirror put failed", "key", env.Key)
		}

		c.broadcastFrame(ctx, share.ViewerFrame{Key: env.Key, Content: env.Content})
	})
	if dispatchErr != nil {
		return dispatchErr
	}
	return err
}

func (c *Coordinator) broadcastFrame(ctx context.Context, frame share.ViewerFrame) {
	c.deliverLocal(ctx, frame)

	if c.remote != nil {
		if pubErr := c.remote.PublishFrame(ctx, c.shareName, broadcast.Frame{Key: frame.Key, Content: frame.Content}); pubErr != nil {
			c.log.Error(pubErr, "redis publish failed")
		}
	}
}

// deliverLocal fans frame out to this replica's attached viewers, closing
// and forgetting any evicted for repeated send timeouts. Runs inside the
// actor's mailbox only.
func (c *Coordinator) deliverLocal(ctx context.Context, frame share.ViewerFrame) {
	evicted := c.local.Broadcast(ctx, broadcast.Frame{Key: frame.Key, Content: frame.Content})
	for _, id := range evicted {
		c.metrics.RecordViewerEviction()
		if s, ok := c.streams[id]; ok {
			s.Close()
			delete(c.streams, id)
		}
	}
	c.metrics.SetViewersActive(float64(c.local.Len()))
}

// Clear implements the clear operation: authenticated destruction of the
// session's data (kv + blob mirror) without revoking the share handle
// itself; secret and shareName remain addressable.
func (c *Coordinator) Clear(ctx context.Context, req share.DeleteRequest) (err error) {
	start := time.Now()
	defer func() { c.recordOp("clear", start, err) }()

	dispatchErr := c.do(ctx, func() {
		if req.Secret == "" {
			err = share.ErrUnauthorized
			return
		}
		rec, getErr := c.store.GetSession(ctx, c.shareName)
		if getErr != nil {
			if errors.Is(getErr, kvstore.ErrNotFound) {
				// Same as publish: an unshared session cannot authenticate.
				err = share.ErrForbidden
				return
			}
			err = fmt.Errorf("%w: get session: %v", share.ErrTransient, getErr)
			return
		}
		if subtle.ConstantTimeCompare([]byte(rec.Secret), []byte(req.Secret)) != 1 {
			err = share.ErrForbidden
			return
		}

		if delErr := c.store.DeleteByPrefix(ctx, c.shareName, share.SessionKeyPrefix); delErr != nil {
			err = fmt.Errorf("%w: kv delete: %v", share.ErrTransient, delErr)
			return
		}
		if mirrorErr := c.mirror.DeleteAll(ctx, rec.SesID); mirrorErr != nil {
			c.log.Error(mirrorErr, "blob mirror delete-all failed")
		}
		if stateErr := c.store.SetSessionState(ctx, c.shareName, kvstore.StateCleared); stateErr != nil {
			c.log.Error(stateErr, "set session state failed")
		}

		c.closeAllViewers(ctx)
	})
	if dispatchErr != nil {
		return dispatchErr
	}
	if err == nil {
		c.metrics.DecSessionsActive()
	}
	return err
}

func (c *Coordinator) closeAllViewers(ctx context.Context) {
	c.closeLocalViewers()

	if c.remote != nil {
		if pubErr := c.remote.PublishClose(ctx, c.shareName); pubErr != nil {
			c.log.Error(pubErr, "redis publish close failed")
		}
	}
}

// closeLocalViewers closes and forgets every viewer attached to this
// replica. Runs inside the actor's mailbox only.
func (c *Coordinator) closeLocalViewers() {
	ids := c.local.CloseAll()
	for _, id := range ids {
		if s, ok := c.streams[id]; ok {
			s.Close()
			delete(c.streams, id)
		}
	}
	c.metrics.SetViewersActive(0)
}

// Dump implements the dump operation: the public, unauthenticated read
// model assembled from the three key families.
func (c *Coordinator) Dump(ctx context.Context) (dump share.DataDump, err error) {
	start := time.Now()
	defer func() { c.recordOp("dump", start, err) }()

	dispatchErr := c.do(ctx, func() {
		if _, getErr := c.store.GetSession(ctx, c.shareName); getErr != nil {
			if errors.Is(getErr, kvstore.ErrNotFound) {
				err = share.ErrNotFound
				return
			}
			err = fmt.Errorf("%w: get session: %v", share.ErrTransient, getErr)
			return
		}
		entries, listErr := c.store.ListByPrefix(ctx, c.shareName, share.SessionKeyPrefix)
		if listErr != nil {
			err = fmt.Errorf("%w: list: %v", share.ErrTransient, listErr)
			return
		}
		dump = assembleDump(entries)
	})
	if dispatchErr != nil {
		return share.DataDump{}, dispatchErr
	}
	if err != nil {
		return share.DataDump{}, err
	}
	return dump, nil
}

// assembleDump groups session/* entries into the {info, messages} shape of
// the share_data response, joining each message with its parts by msgID.
// entries must be in insertion order (kvstore.KV.ListByPrefix's contract)
// so a message's parts are appended in the order they were published.
func assembleDump(entries []kvstore.Entry) share.DataDump {
	dump := share.DataDump{Messages: make(map[string]share.MessageView)}
	for _, e := range entries {
		parsed, parseErr := share.ParseKey(e.Key)
		if parseErr != nil {
			continue
		}
		switch parsed.Family {
		case share.KeyFamilyInfo:
			dump.Info = e.Content
		case share.KeyFamilyMessage:
			mv := dump.Messages[parsed.MsgID]
			mv.Content = e.Content
			dump.Messages[parsed.MsgID] = mv
		case share.KeyFamilyPart:
			mv := dump.Messages[parsed.MsgID]
			mv.Parts = append(mv.Parts, e.Content)
			dump.Messages[parsed.MsgID] = mv
		}
	}
	return dump
}

// Attach implements the backlog-then-live handoff: the snapshot
// is read and sent to stream, then stream is added to the viewer set, all
// inside one actor task — so no publish can interleave between backlog and
// going live.
func (c *Coordinator) Attach(ctx context.Context, viewerID string, stream Stream) (err error) {
	start := time.Now()
	defer func() { c.recordOp("attach", start, err) }()

	dispatchErr := c.do(ctx, func() {
		if _, getErr := c.store.GetSession(ctx, c.shareName); getErr != nil {
			if errors.Is(getErr, kvstore.ErrNotFound) {
				err = share.ErrNotFound
				return
			}
			err = fmt.Errorf("%w: get session: %v", share.ErrTransient, getErr)
			return
		}

		entries, listErr := c.store.ListByPrefix(ctx, c.shareName, share.SessionKeyPrefix)
		if listErr != nil {
			err = fmt.Errorf("%w: list backlog: %v", share.ErrTransient, listErr)
			return
		}
		for _, e := range entries {
			if sendErr := stream.SendFrame(ctx, e.Key, e.Content); sendErr != nil {
				err = fmt.Errorf("%w: backlog send: %v", share.ErrCancelled, sendErr)
				return
			}
		}

		c.local.Attach(viewerID, stream)
		c.streams[viewerID] = stream
		c.metrics.SetViewersActive(float64(c.local.Len()))
	})
	if dispatchErr != nil {
		return dispatchErr
	}
	return err
}

// Detach removes viewerID from the viewer set, e.g. on client disconnect.
// It is a no-op if viewerID was never attached or was already removed.
func (c *Coordinator) Detach(ctx context.Context, viewerID string) {
	_ = c.do(ctx, func() {
		c.local.Detach(viewerID)
		delete(c.streams, viewerID)
		c.metrics.SetViewersActive(float64(c.local.Len()))
	})
}

// ViewerCount returns the number of viewers currently attached.
func (c *Coordinator) ViewerCount(ctx context.Context) int {
	var n int
	_ = c.do(ctx, func() { n = c.local.Len() })
	return n
}
