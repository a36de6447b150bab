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

// Package placement guarantees at most one coordinator actor per shareName.
// Registry is the in-process name→actor directory (one process, one
// coordinator per shareName); Leaser is the cross-process lock used when
// multiple share-server replicas run behind a load balancer.
package placement

import (
	"context"
	"errors"
)

// ErrNotOwner is returned by Lease.Renew/Release when the caller no longer
// holds the lease (it expired or was acquired by another replica).
var ErrNotOwner = errors.New("placement: not the lease owner")

// Actor is the minimal surface a placed coordinator exposes to its Registry.
type Actor interface {
	Close()
}

// Registry is a process-local name→actor directory guaranteeing at most one
// actor per shareName within this process. It does not by itself guarantee
// cluster-wide single-placement; pair it with a Lease when more than one
// replica can serve the same shareName.
type Registry struct {
	mu     chan struct{} // binary semaphore; see lock/unlock below
	actors map[string]Actor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{
		mu:     make(chan struct{}, 1),
		actors: make(map[string]Actor),
	}
	r.mu <- struct{}{}
	return r
}

func (r *Registry) lock()   { <-r.mu }
func (r *Registry) unlock() { r.mu <- struct{}{} }

// Get returns the actor currently registered for shareName, if any.
func (r *Registry) Get(shareName string) (Actor, bool) {
	r.lock()
	defer r.unlock()
	a, ok := r.actors[shareName]
	return a, ok
}

// GetOrCreate returns the existing actor for shareName, or calls create and
// registers its result if none exists yet. create is invoked at most once
// per shareName even under concurrent callers.
func (r *Registry) GetOrCreate(shareName string, create func() Actor) Actor {
	r.lock()
	defer r.unlock()
	if a, ok := r.actors[shareName]; ok {
		return a
	}
	a := create()
	r.actors[shareName] = a
	return a
}

// Remove unregisters and closes the actor for shareName, if one exists.
func (r *Registry) Remove(shareName string) {
	r.lock()
	defer r.unlock()
	if a, ok := r.actors[shareName]; ok {
		a.Close()
		delete(r.actors, shareName)
	}
}

// Len reports how many actors are currently registered.
func (r *Registry) Len() int {
	r.lock()
	defer r.unlock()
	return len(r.actors)
}

// CloseAll closes and unregisters every actor.
func (r *Registry) CloseAll() {
	r.lock()
	defer r.unlock()
	for name, a := range r.actors {
		a.Close()
		delete(r.actors, name)
	}
}

// Leaser acquires and renews cross-process single-placement leases keyed by
// shareName.
type Leaser interface {
	// Acquire attempts to take the lease for shareName, returning true if
	// acquired. holderID identifies this replica for diagnostics.
	Acquire(ctx context.Context, shareName, holderID string) (bool, error)
	// Renew extends a held lease's TTL. Returns ErrNotOwner if this holder
	// no longer owns it.
	Renew(ctx context.Context, shareName, holderID string) error
	// Release gives up a held lease.
	Release(ctx context.Context, shareName, holderID string) error
}
