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
	"time"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/blobstore"
	"github.com/opencodehq/share/internal/broadcast"
	"github.com/opencodehq/share/internal/kvstore"
	"github.com/opencodehq/share/internal/placement"
	"github.com/opencodehq/share/pkg/metrics"
)

// defaultLeaseRenewInterval is how often Manager renews a held lease,
// relative to the lease's own TTL (see placement.RedisLeaser's default).
const defaultLeaseRenewInterval = 5 * time.Second

// Manager hands out one Coordinator per shareName, enforcing single-
// placement within this process via placement.Registry. When a Leaser is
// supplied it additionally tracks cluster-wide ownership: losing a lease
// (to another replica) evicts the local actor so at most one replica keeps
// broadcasting for a given shareName.
type Manager struct {
	webDomain string
	store     kvstore.Store
	mirror    *blobstore.Mirror
	remote    *broadcast.Redis
	metrics   metrics.Recorder
	log       logr.Logger

	registry *placement.Registry

	leaser   placement.Leaser
	holderID string
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithManagerRemote attaches a cross-instance redis broadcaster to every
// Coordinator the Manager creates.
func WithManagerRemote(r *broadcast.Redis) ManagerOption {
	return func(m *Manager) { m.remote = r }
}

// WithManagerMetrics attaches a metrics recorder to every Coordinator the
// Manager creates.
func WithManagerMetrics(rec metrics.Recorder) ManagerOption {
	return func(m *Manager) { m.metrics = rec }
}

// WithManagerLogger sets the base logger; each Coordinator gets it enriched
// with its shareName.
func WithManagerLogger(l logr.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithLeaser enables cross-process single-placement enforcement. holderID
// identifies this replica in lease metadata.
func WithLeaser(l placement.Leaser, holderID string) ManagerOption {
	return func(m *Manager) {
		m.leaser = l
		m.holderID = holderID
	}
}

// NewManager constructs a Manager backed by store and mirror, which every
// Coordinator it creates shares.
func NewManager(webDomain string, store kvstore.Store, mirror *blobstore.Mirror, opts ...ManagerOption) *Manager {
	m := &Manager{
		webDomain: webDomain,
		store:     store,
		mirror:    mirror,
		metrics:   metrics.NoOp{},
		log:       logr.Discard(),
		registry:  placement.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CoordinatorFor returns the Coordinator for shareName, creating it (and, if
// a Leaser is configured, acquiring its lease) on first use.
func (m *Manager) CoordinatorFor(shareName string) *Coordinator {
	actor := m.registry.GetOrCreate(shareName, func() placement.Actor {
		opts := []Option{
			WithMetrics(m.metrics),
			WithLogger(m.log.WithValues("shareName", shareName)),
		}
		if m.remote != nil {
			opts = append(opts, WithRemote(m.remote))
		}
		c := New(shareName, m.webDomain, m.store, m.mirror, opts...)
		if m.leaser != nil {
			go m.maintainLease(shareName, c)
		}
		return c
	})
	return actor.(*Coordinator)
}

// maintainLease acquires and periodically renews the cluster-wide lease for
// shareName. If the lease is lost to another replica, the local actor is
// evicted so this replica stops broadcasting as if it still owned the
// session; a subsequent request re-creates it and re-attempts acquisition.
func (m *Manager) maintainLease(shareName string, c *Coordinator) {
	ctx := context.Background()
	ok, err := m.leaser.Acquire(ctx, shareName, m.holderID)
	if err != nil {
		m.log.Error(err, "lease acquire failed", "shareName", shareName)
	} else if !ok {
		m.log.Info("lease already held by another replica", "shareName", shareName)
	}

	ticker := time.NewTicker(defaultLeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.leaser.Renew(ctx, shareName, m.holderID); err != nil {
				m.log.Error(err, "lease renew failed, evicting local actor", "shareName", shareName)
				m.Evict(shareName)
				return
			}
		case <-c.closed:
			_ = m.leaser.Release(ctx, shareName, m.holderID)
			return
		}
	}
}

// Evict removes and closes the Coordinator for shareName, if any.
func (m *Manager) Evict(shareName string) {
	m.registry.Remove(shareName)
}

// Close shuts down every Coordinator the Manager has created.
func (m *Manager) Close() {
	m.registry.CloseAll()
}
