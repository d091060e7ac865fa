// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ollama

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Message is a single chat message in the inference backend's native shape.
// Extra carries fields the gateway does not interpret; they are emitted
// verbatim but never override the fields above.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Name    string   `json:"name,omitempty"`
	Images  []string `json:"images,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ChatResponse is one native chat response object. In streaming mode the
// backend sends one of these per line.
type ChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	EvalCount int     `json:"eval_count,omitempty"`
}

type messageAlias Message

func (m Message) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(messageAlias(m), m.Extra)
}

type chatRequestAlias ChatRequest

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(chatRequestAlias(r), r.Extra)
}

// marshalWithExtra encodes v and then folds extra keys into the resulting
// object, leaving keys that v already produced untouched.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	base, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}

	var fields map[string]json.RawMessage
	if err := sonic.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, known := fields[k]; known {
			continue
		}
		fields[k] = raw
	}
	return sonic.Marshal(fields)
}
