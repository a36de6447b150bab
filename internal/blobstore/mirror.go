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

package blobstore

import (
	"context"
	"errors"
	"fmt"
)

// Mirror maps storage keys onto blob object keys (share/<key>.json) and
// drives the cascade delete a cleared share requires. Per-session isolation
// comes from the key grammar itself: every key embeds its sesID, so clear
// removes the session's info object and the message/part family prefixes
// without needing a session path segment of its own. BlobStore has no
// DeleteByPrefix; Mirror builds one out of List+Delete since that operation
// only runs on the cold clear path, not the hot publish path.
type Mirror struct {
	store BlobStore
}

// NewMirror wraps store for share-keyed object access.
func NewMirror(store BlobStore) *Mirror {
	return &Mirror{store: store}
}

// objectKey derives the blob key for one storage key.
func objectKey(key string) string {
	return fmt.Sprintf("share/%s.json", key)
}

// familyPrefixes returns the blob key prefixes covering every message and
// part object belonging to sesID.
func familyPrefixes(sesID string) []string {
	return []string{
		fmt.Sprintf("share/session/message/%s/", sesID),
		fmt.Sprintf("share/session/part/%s/", sesID),
	}
}

// Put mirrors content at share/<key>.json.
func (mr *Mirror) Put(ctx context.Context, key string, content []byte) error {
	return mr.store.Put(ctx, objectKey(key), content, "application/json")
}

// Get retrieves the mirrored content for key, or ErrObjectNotFound.
func (mr *Mirror) Get(ctx context.Context, key string) ([]byte, error) {
	return mr.store.Get(ctx, objectKey(key))
}

// DeleteAll removes every mirrored object belonging to sesID: the
// share/session/info/<sesID>.json object plus everything under the
// message and part family prefixes. Missing objects between the List and
// the Delete (e.g. a racing writer) are tolerated.
func (mr *Mirror) DeleteAll(ctx context.Context, sesID string) error {
	infoKey := objectKey("session/info/" + sesID)
	if err := mr.store.Delete(ctx, infoKey); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("blobstore: delete %s: %w", infoKey, err)
	}

	for _, prefix := range familyPrefixes(sesID) {
		keys, err := mr.store.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("blobstore: list %s: %w", prefix, err)
		}
		for _, k := range keys {
			if err := mr.store.Delete(ctx, k); err != nil && !errors.Is(err, ErrObjectNotFound) {
				return fmt.Errorf("blobstore: delete %s: %w", k, err)
			}
		}
	}
	return nil
}

// Ping checks connectivity to the underlying store.
func (mr *Mirror) Ping(ctx context.Context) error {
	return mr.store.Ping(ctx)
}

// Close releases resources held by the underlying store.
func (mr *Mirror) Close() error {
	return mr.store.Close()
}
