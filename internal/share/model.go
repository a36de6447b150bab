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

// Package share holds the domain model shared by the author-side and
// coordinator-side components of the session share service: the wire
// envelopes, the key grammar, and the error taxonomy. It has no I/O of
// its own.
package share

import "encoding/json"

// PublishEnvelope is the wire payload POSTed from the author's publisher
// pipeline to the coordinator (POST /share_sync).
type PublishEnvelope struct {
	SesID   string          `json:"sessionID"`
	Secret  string          `json:"secret"`
	Key     string          `json:"key"`
	Content json.RawMessage `json:"content"`
}

// ViewerFrame is one downstream frame sent from the coordinator to an
// attached viewer over GET /share_poll.
type ViewerFrame struct {
	Key     string          `json:"key"`
	Content json.RawMessage `json:"content"`
}

// CreateRequest is the request body of POST /share_create.
type CreateRequest struct {
	SesID string `json:"sessionID"`
}

// CreateResponse is the response body of POST /share_create.
type CreateResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// DeleteRequest is the request body of POST /share_delete.
type DeleteRequest struct {
	SesID  string `json:"sessionID"`
	Secret string `json:"secret"`
}

// MessageView is one entry of DataDump.Messages: the message's own content
// plus every part currently stored for it, joined by msgID.
type MessageView struct {
	Content json.RawMessage   `json:"-"`
	Parts   []json.RawMessage `json:"parts"`
}

// MarshalJSON flattens Content's object fields alongside "parts", producing
// { ...message fields, "parts": [...] }.
func (m MessageView) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(m.Content) > 0 {
		if err := json.Unmarshal(m.Content, &base); err != nil {
			return nil, err
		}
	}
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return nil, err
	}
	base["parts"] = partsJSON
	return json.Marshal(base)
}

// DataDump is the response body of GET /share_data: the full public read
// model assembled from the three key families.
type DataDump struct {
	Info     json.RawMessage        `json:"info"`
	Messages map[string]MessageView `json:"messages"`
}
