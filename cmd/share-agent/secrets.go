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
	"fmt"

	"github.com/opencodehq/share/internal/storage"
)

// secretRecord is the on-disk shape of a stored share secret.
type secretRecord struct {
	Secret string `json:"secret"`
}

// secretKeyPrefix lives outside the "session/*" key grammar
// so PublisherPipeline.onWrite's share.ParseKey check silently ignores
// writes to it; secrets never enter the publish stream.
const secretKeyPrefix = "_secret/"

func secretKey(sesID string) string {
	return secretKeyPrefix + sesID
}

// secretStore persists the per-session share secret returned by
// share_create, satisfying publisher.SecretLookup. It reuses the author's
// own storage.Store rather than a second file format.
type secretStore struct {
	store *storage.Store
}

func newSecretStore(store *storage.Store) *secretStore {
	return &secretStore{store: store}
}

// Secret implements publisher.SecretLookup.
func (s *secretStore) Secret(sesID string) (string, bool) {
	raw, err := s.store.ReadJSON(secretKey(sesID))
	if err != nil {
		return "", false
	}
	var rec secretRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false
	}
	return rec.Secret, true
}

// Put stores secret for sesID, overwriting any previous value.
func (s *secretStore) Put(sesID, secret string) error {
	raw, err := json.Marshal(secretRecord{Secret: secret})
	if err != nil {
		return fmt.Errorf("marshal secret record: %w", err)
	}
	return s.store.WriteJSON(secretKey(sesID), raw)
}

// Forget removes the stored secret for sesID, if any.
func (s *secretStore) Forget(sesID string) error {
	return s.store.Remove(secretKey(sesID))
}
