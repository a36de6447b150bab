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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirror_PutWritesShareKeyDotJSON(t *testing.T) {
	store := NewMemoryBlobStore()
	mr := NewMirror(store)
	ctx := context.Background()

	require.NoError(t, mr.Put(ctx, "session/info/ses_abc", []byte(`{"title":"hi"}`)))
	require.NoError(t, mr.Put(ctx, "session/message/ses_abc/msg_1", []byte(`{"role":"user"}`)))

	// The object key written to the underlying store is share/<key>.json,
	// with no other path segments.
	got, err := store.Get(ctx, "share/session/info/ses_abc.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hi"}`, string(got))

	got, err = store.Get(ctx, "share/session/message/ses_abc/msg_1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user"}`, string(got))
}

func TestMirror_PutGetDeleteAll(t *testing.T) {
	mr := NewMirror(NewMemoryBlobStore())
	ctx := context.Background()

	require.NoError(t, mr.Put(ctx, "session/info/ses_abc", []byte(`{"title":"hi"}`)))
	require.NoError(t, mr.Put(ctx, "session/message/ses_abc/msg_1", []byte(`{"role":"user"}`)))
	require.NoError(t, mr.Put(ctx, "session/part/ses_abc/msg_1/prt_1", []byte(`{"text":"x"}`)))
	require.NoError(t, mr.Put(ctx, "session/info/ses_other", []byte(`{"title":"other"}`)))
	require.NoError(t, mr.Put(ctx, "session/message/ses_other/msg_9", []byte(`{}`)))

	got, err := mr.Get(ctx, "session/info/ses_abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hi"}`, string(got))

	require.NoError(t, mr.DeleteAll(ctx, "ses_abc"))

	_, err = mr.Get(ctx, "session/info/ses_abc")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = mr.Get(ctx, "session/message/ses_abc/msg_1")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = mr.Get(ctx, "session/part/ses_abc/msg_1/prt_1")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// Unrelated session untouched.
	got, err = mr.Get(ctx, "session/info/ses_other")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"other"}`, string(got))
	_, err = mr.Get(ctx, "session/message/ses_other/msg_9")
	require.NoError(t, err)
}

func TestMirror_DeleteAll_NoObjects(t *testing.T) {
	mr := NewMirror(NewMemoryBlobStore())
	assert.NoError(t, mr.DeleteAll(context.Background(), "ses_nothing"))
}
