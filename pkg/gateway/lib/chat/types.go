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

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Part types understood by the normalizer.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

// ImageURL is the image reference of an image_url content part. Clients send
// either a bare string or an object; the object may carry the reference under
// the legacy "data" key instead of "url".
type ImageURL struct {
	URL    string `json:"url,omitempty"`
	Data   string `json:"data,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Resolve returns the reference to use, preferring url over data.
func (u *ImageURL) Resolve() string {
	if u == nil {
		return ""
	}
	if u.URL != "" {
		return u.URL
	}
	return u.Data
}

type imageURLAlias ImageURL

func (u *ImageURL) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := sonic.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = ImageURL{URL: s}
		return nil
	}
	var a imageURLAlias
	if err := sonic.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("image_url must be a string or an object: %w", err)
	}
	*u = ImageURL(a)
	return nil
}

// ContentPart is one element of a multi-part message content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MessageContent holds either plain text or an ordered list of parts.
// Both nil means the content was absent or null.
type MessageContent struct {
	Text  *string
	Parts []ContentPart
}

// TextContent returns plain-text content.
func TextContent(s string) MessageContent { return MessageContent{Text: &s} }

// PartsContent returns multi-part content.
func PartsContent(parts ...ContentPart) MessageContent {
	if parts == nil {
		parts = []ContentPart{}
	}
	return MessageContent{Parts: parts}
}

// IsParts reports whether the content was sent as a part list.
func (c MessageContent) IsParts() bool { return c.Parts != nil }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Parts != nil:
		return sonic.Marshal(c.Parts)
	case c.Text != nil:
		return sonic.Marshal(*c.Text)
	default:
		return []byte("null"), nil
	}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*c = MessageContent{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := sonic.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Text = &s
	case '[':
		parts := []ContentPart{}
		if err := sonic.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decoding content parts: %w", err)
		}
		c.Parts = parts
	default:
		return errors.New("content must be a string, a list of parts or null")
	}
	return nil
}

// Message is an OpenAI-style chat message. Fields the gateway does not know
// are kept in Extra and forwarded unchanged.
type Message struct {
	Role    string
	Content MessageContent
	Name    string

	Extra map[string]json.RawMessage
}

func (m Message) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		fields[k] = v
	}
	fields["role"] = m.Role
	fields["content"] = m.Content
	if m.Name != "" {
		fields["name"] = m.Name
	}
	return sonic.Marshal(fields)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	*m = Message{}

	if err := takeField(fields, "role", &m.Role); err != nil {
		return err
	}
	if err := takeField(fields, "content", &m.Content); err != nil {
		return err
	}
	if err := takeField(fields, "name", &m.Name); err != nil {
		return err
	}
	if len(fields) > 0 {
		m.Extra = fields
	}
	return nil
}

// Stop is a stop sequence sent either as one string or as a list.
type Stop struct {
	Values []string
	Single bool
}

// Value returns the stop sequence in the shape the client sent it.
func (s Stop) Value() any {
	if s.Single && len(s.Values) == 1 {
		return s.Values[0]
	}
	return s.Values
}

func (s Stop) MarshalJSON() ([]byte, error) { return sonic.Marshal(s.Value()) }

func (s *Stop) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := sonic.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = Stop{Values: []string{v}, Single: true}
		return nil
	}
	var vs []string
	if err := sonic.Unmarshal(data, &vs); err != nil {
		return errors.New("stop must be a string or a list of strings")
	}
	if vs == nil {
		vs = []string{}
	}
	*s = Stop{Values: vs}
	return nil
}

// CompletionRequest is the body of POST /v1/chat/completions.
type CompletionRequest struct {
	Model            string
	Messages         []Message
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stream           bool
	Stop             *Stop
	Options          map[string]any

	Extra map[string]json.RawMessage
}

// ErrMissingModel and ErrMissingMessages report absent mandatory fields.
var (
	ErrMissingModel    = errors.New("model is required")
	ErrMissingMessages = errors.New("messages is required")
)

// Validate checks the mandatory fields.
func (r *CompletionRequest) Validate() error {
	if r.Model == "" {
		return ErrMissingModel
	}
	if r.Messages == nil {
		return ErrMissingMessages
	}
	return nil
}

func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(r.Extra)+10)
	for k, v := range r.Extra {
		fields[k] = v
	}
	fields["model"] = r.Model
	fields["messages"] = r.Messages
	if r.Stream {
		fields["stream"] = true
	}
	for key, v := range map[string]any{
		"temperature":       r.Temperature,
		"top_p":             r.TopP,
		"presence_penalty":  r.PresencePenalty,
		"frequency_penalty": r.FrequencyPenalty,
	} {
		if p := v.(*float64); p != nil {
			fields[key] = *p
		}
	}
	if r.MaxTokens != nil {
		fields["max_tokens"] = *r.MaxTokens
	}
	if r.Stop != nil {
		fields["stop"] = r.Stop
	}
	if r.Options != nil {
		fields["options"] = r.Options
	}
	return sonic.Marshal(fields)
}

func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	*r = CompletionRequest{}

	for key, dst := range map[string]any{
		"model":             &r.Model,
		"messages":          &r.Messages,
		"temperature":       &r.Temperature,
		"top_p":             &r.TopP,
		"max_tokens":        &r.MaxTokens,
		"presence_penalty":  &r.PresencePenalty,
		"frequency_penalty": &r.FrequencyPenalty,
		"stream":            &r.Stream,
		"stop":              &r.Stop,
		"options":           &r.Options,
	} {
		if err := takeField(fields, key, dst); err != nil {
			return err
		}
	}
	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}

// takeField decodes fields[key] into dst and removes it from fields. Absent
// and null values leave dst untouched.
func takeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if c, ok := dst.(*MessageContent); ok {
			*c = MessageContent{}
		}
		return nil
	}
	if err := sonic.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}
