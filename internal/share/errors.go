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

package share

import "errors"

// Error taxonomy for the share service. These are sentinel values, matched
// with errors.Is, never types — callers wrap them with fmt.Errorf("...: %w")
// to add context without losing the ability to classify the failure.
var (
	// ErrBadRequest indicates a malformed payload or an invalid key shape.
	ErrBadRequest = errors.New("share: bad request")
	// ErrUnauthorized indicates a missing secret on an authenticated operation.
	ErrUnauthorized = errors.New("share: unauthorized")
	// ErrForbidden indicates a secret that does not match the stored secret.
	ErrForbidden = errors.New("share: forbidden")
	// ErrNotFound indicates the shareName has no session record.
	ErrNotFound = errors.New("share: not found")
	// ErrTransient indicates a downstream (KV, blob) IO failure that may
	// succeed on retry.
	ErrTransient = errors.New("share: transient failure")
	// ErrCancelled indicates the operation was aborted due to shutdown or
	// client disconnect.
	ErrCancelled = errors.New("share: cancelled")
	// ErrInternal is the catch-all for anything else.
	ErrInternal = errors.New("share: internal error")
)
