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

// Package publisher implements the author-side PublisherPipeline
// of the share service: it subscribes to storage write events, coalesces
// in-flight updates per key, and drives an ordered, at-most-once-per-POST
// dispatch to the coordinator.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/internal/storage"
	"github.com/opencodehq/share/pkg/bus"
	"github.com/opencodehq/share/pkg/metrics"
)

// SecretLookup reports whether sesID is currently shared and, if so, the
// secret to authenticate writes with. The author-side process owns this
// mapping (populated by share_create responses); it is out of scope here.
type SecretLookup interface {
	Secret(sesID string) (secret string, shared bool)
}

// defaultDrainDeadline is how long Close waits for the pending map to
// drain before abandoning whatever remains.
const defaultDrainDeadline = 5 * time.Second

// Pipeline is the per-process author-side publisher. Construct with New,
// which subscribes to b immediately; call Close to unsubscribe and drain.
type Pipeline struct {
	secrets        SecretLookup
	coordinatorURL string
	httpClient     *http.Client
	log            logr.Logger
	metrics        metrics.Recorder

	unsubscribe bus.Unsubscribe

	mu      sync.Mutex
	pending map[string]json.RawMessage // key -> latest content
	order   []string                   // keys in first-pending order
	wake    chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	stop      chan struct{}
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithHTTPClient overrides the default http.Client (e.g. to inject
// otelhttp instrumentation or a test transport).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = c }
}

// WithLogger attaches a logger; publish failures are logged here, never
// returned to the storage write path.
func WithLogger(log logr.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics attaches a metrics recorder. Default is a no-op.
func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a Pipeline and subscribes it to b's storage write events.
func New(b *bus.Bus, secrets SecretLookup, coordinatorURL string, opts ...Option) *Pipeline {
	p := &Pipeline{
		secrets:        secrets,
		coordinatorURL: coordinatorURL,
		httpClient:     http.DefaultClient,
		log:            logr.Discard(),
		metrics:        metrics.NoOp{},
		pending:        make(map[string]json.RawMessage),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.unsubscribe = b.Subscribe(storage.EventWrite, p.onWrite)

	p.wg.Add(1)
	go p.dispatchLoop()

	return p
}

// onWrite is the bus.Handler invoked synchronously on the storage writer's
// goroutine. It must not block.
func (p *Pipeline) onWrite(e bus.Event) {
	evt, ok := e.Data.(storage.WriteEvent)
	if !ok {
		return
	}

	parsed, err := share.ParseKey(evt.Key)
	if err != nil {
		return // not a session/* key; not this pipeline's concern
	}

	if _, shared := p.secrets.Secret(parsed.SesID); !shared {
		return
	}

	p.mu.Lock()
	if _, queued := p.pending[evt.Key]; queued {
		p.metrics.RecordPublishCoalesced()
	} else {
		p.order = append(p.order, evt.Key)
	}
	p.pending[evt.Key] = evt.Content // latest-wins coalescing
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default: // dispatch loop already has a pending wakeup queued
	}
}

// dispatchLoop is the single consumer draining p.pending. At most one POST
// is ever in flight (the coalescing invariant): while a POST for a given
// key is in flight, further writes to that key only update p.pending, so
// the next send for that key carries only the latest value.
func (p *Pipeline) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			key, content, ok := p.popOne()
			if !ok {
				break
			}
			p.sendOne(context.Background(), key, content)

			select {
			case <-p.stop:
				return
			default:
			}
		}
	}
}

// popOne removes and returns the oldest pending entry. Keys drain in the
// order they first became pending, so cross-key dispatch order follows the
// order of the originating storage writes.
func (p *Pipeline) popOne() (string, json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return "", nil, false
	}
	k := p.order[0]
	p.order = p.order[1:]
	v := p.pending[k]
	delete(p.pending, k)
	return k, v, true
}

func (p *Pipeline) sendOne(ctx context.Context, key string, content json.RawMessage) {
	parsed, err := share.ParseKey(key)
	if err != nil {
		return
	}
	secret, shared := p.secrets.Secret(parsed.SesID)
	if !shared {
		return
	}

	env := share.PublishEnvelope{
		SesID:   parsed.SesID,
		Secret:  secret,
		Key:     key,
		Content: content,
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.log.Error(err, "publisher: marshal envelope", "key", key)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.coordinatorURL+"/share_sync", bytes.NewReader(body))
	if err != nil {
		p.log.Error(err, "publisher: build request", "key", key)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// A single failure does not halt the pipeline. The value is
		// dropped and not re-sent; the key is published again only when
		// it is written again.
		p.log.Error(err, "publisher: POST share_sync failed", "key", key)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		p.log.Error(fmt.Errorf("unexpected status %d", resp.StatusCode), "publisher: share_sync rejected", "key", key)
	}
}

// Close stops accepting new dispatch cycles, unsubscribes from the bus, and
// drains whatever remains in the pending map for up to defaultDrainDeadline
// before abandoning it.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.unsubscribe()

		deadline := time.NewTimer(defaultDrainDeadline)
		defer deadline.Stop()

	drain:
		for {
			p.mu.Lock()
			empty := len(p.pending) == 0
			p.mu.Unlock()
			if empty {
				break
			}
			select {
			case p.wake <- struct{}{}:
			default:
			}
			select {
			case <-deadline.C:
				break drain
			case <-time.After(10 * time.Millisecond):
			}
		}

		close(p.stop)
		p.wg.Wait()
	})
}
