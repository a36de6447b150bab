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
	"github.com/opencodehq/share/internal/share"
	"github.com/opencodehq/share/internal/storage"
)

// migrations is the ordered, crash-resumable upgrade path applied to the
// local Store at every startup. Index 0 establishes the session/ directory
// tree so the publisher's watcher and the
// control API's first share_create never race a missing parent directory;
// later indices are appended here as the on-disk layout evolves.
var migrations = []storage.Migration{
	{
		Index: 0,
		Name:  "establish-session-root",
		Run: func(s *storage.Store) error {
			return s.EnsureDir(share.SessionKeyPrefix)
		},
	},
}
