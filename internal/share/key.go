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

import (
	"fmt"
	"strings"
)

// KeyFamily identifies which of the three permitted key shapes a given key
// belongs to.
type KeyFamily int

const (
	KeyFamilyInfo KeyFamily = iota
	KeyFamilyMessage
	KeyFamilyPart
)

// ParsedKey is the result of successfully parsing a storage key against the
// key grammar:
//
//	session/info/<sesID>
//	session/message/<sesID>/<msgID>
//	session/part/<sesID>/<msgID>/<partID>
type ParsedKey struct {
	Family KeyFamily
	SesID  string
	MsgID  string
	PartID string
}

// ParseKey validates key against the three permitted shapes and returns its
// parsed form. Any deviation returns ErrBadRequest.
func ParseKey(key string) (ParsedKey, error) {
	segs := strings.Split(key, "/")

	if len(segs) < 2 || segs[0] != "session" {
		return ParsedKey{}, fmt.Errorf("%w: key %q does not start with \"session/\"", ErrBadRequest, key)
	}

	switch segs[1] {
	case "info":
		if len(segs) != 3 || segs[2] == "" {
			return ParsedKey{}, fmt.Errorf("%w: malformed session/info key %q", ErrBadRequest, key)
		}
		return ParsedKey{Family: KeyFamilyInfo, SesID: segs[2]}, nil

	case "message":
		if len(segs) != 4 || segs[2] == "" || segs[3] == "" {
			return ParsedKey{}, fmt.Errorf("%w: malformed session/message key %q", ErrBadRequest, key)
		}
		return ParsedKey{Family: KeyFamilyMessage, SesID: segs[2], MsgID: segs[3]}, nil

	case "part":
		if len(segs) != 5 || segs[2] == "" || segs[3] == "" || segs[4] == "" {
			return ParsedKey{}, fmt.Errorf("%w: malformed session/part key %q", ErrBadRequest, key)
		}
		return ParsedKey{Family: KeyFamilyPart, SesID: segs[2], MsgID: segs[3], PartID: segs[4]}, nil

	default:
		return ParsedKey{}, fmt.Errorf("%w: unknown key family %q in %q", ErrBadRequest, segs[1], key)
	}
}

// ValidateKey reports whether key conforms to the key grammar without
// returning the parsed components.
func ValidateKey(key string) error {
	_, err := ParseKey(key)
	return err
}

// ShareNameFor derives the public shareName handle from a sesID: the last
// eight characters of sesID.
func ShareNameFor(sesID string) string {
	r := []rune(sesID)
	if len(r) <= 8 {
		return sesID
	}
	return string(r[len(r)-8:])
}

// SessionKeyPrefix is the "session/" prefix every valid key begins with.
// Having it does not make a key valid; ParseKey checks the full shape.
const SessionKeyPrefix = "session/"

// IsSessionKey reports whether key belongs to the session/* namespace that
// the coordinator persists and replays to viewers (as opposed to internal
// bookkeeping keys it may also happen to store).
func IsSessionKey(key string) bool {
	return strings.HasPrefix(key, SessionKeyPrefix)
}
