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

// Package storage implements the author-side local JSON key-value store
// for session state: atomic tmp-write-then-rename writes, ascending
// lexicographic listing, and a WriteEvent (EventWrite) emitted on pkg/bus strictly
// after each successful rename.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/opencodehq/share/pkg/bus"
)

// EventWrite is the bus.Event.Type published after every successful write.
const EventWrite = "storage.write"

// WriteEvent is the payload of an EventWrite event.
type WriteEvent struct {
	Key     string
	Content json.RawMessage
}

// ErrNotFound is returned by Read when key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Store is a JSON key-value store rooted at a directory; every operation is
// confined to that directory tree. All operations are safe for concurrent use.
type Store struct {
	root string
	bus  *bus.Bus
}

// New returns a Store rooted at root, creating it if necessary. Writes emit
// events on b; pass a dedicated bus.New() or a shared process-wide one.
func New(root string, b *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating root %q: %w", root, err)
	}
	return &Store{root: root, bus: b}, nil
}

// path resolves key to an on-disk path, confined to s.root via securejoin
// so a crafted key cannot escape the session directory tree.
func (s *Store) path(key string) (string, error) {
	rel := key + ".json"
	p, err := securejoin.SecureJoin(s.root, rel)
	if err != nil {
		return "", fmt.Errorf("storage: resolving key %q: %w", key, err)
	}
	return p, nil
}

// ReadJSON returns the raw JSON value stored at key, or ErrNotFound.
func (s *Store) ReadJSON(key string) (json.RawMessage, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: reading %q: %w", key, err)
	}
	return json.RawMessage(data), nil
}

// WriteJSON writes value to key via a tmp-file-then-rename so a crash never
// leaves a partially-written file, then emits a WriteEvent on
// the bus strictly after the rename succeeds.
func (s *Store) WriteJSON(key string, value json.RawMessage) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: creating directory for %q: %w", key, err)
	}

	// A unique temp name per write, so concurrent writes of one key never
	// share (and truncate) the same temp file.
	f, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: writing temp file for %q: %w", key, err)
	}
	tmp := f.Name()
	_, err = f.Write(value)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o644)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: writing temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("storage: renaming into place for %q: %w", key, err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{Type: EventWrite, Data: WriteEvent{Key: key, Content: value}})
	}
	return nil
}

// EnsureDir creates the directory that prefix would resolve to, if it does
// not already exist. Used by startup migrations that need a key namespace
// to exist before the first write lands in it.
func (s *Store) EnsureDir(prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	dir := strings.TrimSuffix(p, ".json")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: creating directory %q: %w", prefix, err)
	}
	return nil
}

// Remove deletes the value stored at key. It is not an error if key does
// not exist.
func (s *Store) Remove(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: removing %q: %w", key, err)
	}
	return nil
}

// RemoveDir deletes every key stored under prefix. It is not an error if
// nothing exists under prefix.
func (s *Store) RemoveDir(prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	dir := strings.TrimSuffix(p, ".json")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: removing directory %q: %w", prefix, err)
	}
	return nil
}

// List returns every key stored under prefix, in ascending lexicographic
// order.
func (s *Store) List(prefix string) ([]string, error) {
	root, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	dir := strings.TrimSuffix(root, ".json")

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: listing prefix %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}
