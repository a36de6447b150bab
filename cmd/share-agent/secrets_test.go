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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencodehq/share/internal/storage"
)

func newTestSecretStore(t *testing.T) *secretStore {
	t.Helper()
	store, err := storage.New(t.TempDir(), nil)
	require.NoError(t, err)
	return newSecretStore(store)
}

func TestSecretStore_PutThenSecret(t *testing.T) {
	s := newTestSecretStore(t)

	_, shared := s.Secret("ses_abc123")
	assert.False(t, shared, "unknown session must report unshared")

	require.NoError(t, s.Put("ses_abc123", "topsecret"))

	secret, shared := s.Secret("ses_abc123")
	require.True(t, shared)
	assert.Equal(t, "topsecret", secret)
}

func TestSecretStore_PutOverwrites(t *testing.T) {
	s := newTestSecretStore(t)

	require.NoError(t, s.Put("ses_abc123", "first"))
	require.NoError(t, s.Put("ses_abc123", "second"))

	secret, shared := s.Secret("ses_abc123")
	require.True(t, shared)
	assert.Equal(t, "second", secret)
}

func TestSecretStore_Forget(t *testing.T) {
	s := newTestSecretStore(t)

	require.NoError(t, s.Put("ses_abc123", "topsecret"))
	require.NoError(t, s.Forget("ses_abc123"))

	_, shared := s.Secret("ses_abc123")
	assert.False(t, shared)
}

func TestSecretStore_ForgetUnknownIsNoop(t *testing.T) {
	s := newTestSecretStore(t)
	assert.NoError(t, s.Forget("ses_neverexisted"))
}

func TestSecretKey_OutsideSessionGrammar(t *testing.T) {
	key := secretKey("ses_abc123")
	assert.NotContains(t, key, "session/")
}
