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
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/imagestore"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/ollama"
	"go.uber.org/zap"
)

// ImagePolicy selects what happens to inline data-URI images.
type ImagePolicy string

const (
	// PolicyPersist writes inline images to the image store, rewrites the part
	// URL to the stored copy and forwards the bytes read back from storage.
	PolicyPersist ImagePolicy = "persist"
	// PolicyInline forwards decoded inline images as base64 without storing them.
	PolicyInline ImagePolicy = "inline"
)

// ParseImagePolicy parses a policy name; empty selects PolicyPersist.
func ParseImagePolicy(s string) (ImagePolicy, error) {
	switch p := ImagePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyPersist, nil
	case PolicyPersist, PolicyInline:
		return p, nil
	default:
		return "", fmt.Errorf("unknown image policy %q (want persist or inline)", s)
	}
}

// DefaultVLModels are the models known to accept image input.
var DefaultVLModels = []string{"qwen3-vl:32b", "gemma3:27b"}

// Reasons passed to NormalizerConfig.OnDrop.
const (
	DropModelNotVL      = "model_not_vl"
	DropEmptyURL        = "empty_url"
	DropBadDataURI      = "bad_data_uri"
	DropBadBase64       = "bad_base64"
	DropNotImage        = "not_image"
	DropPersistFailed   = "persist_failed"
	DropReadFailed      = "read_failed"
	DropUnsupportedURL  = "unsupported_url"
	DropUnsupportedPart = "unsupported_part"
)

// NormalizerConfig configures a Normalizer.
type NormalizerConfig struct {
	// VLModels lists image-capable model IDs. Nil selects DefaultVLModels.
	VLModels []string
	Policy   ImagePolicy
	// Store persists inline images and resolves the gateway's own image URLs.
	// Without a store, persisted and hosted images are dropped.
	Store *imagestore.Store
	// OnDrop is called once per dropped content fragment.
	OnDrop func(reason string)
}

// Normalizer converts OpenAI-style messages into the inference backend's
// native message shape.
type Normalizer struct {
	vlModels map[string]struct{}
	policy   ImagePolicy
	store    *imagestore.Store
	onDrop   func(string)
	logger   *zap.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(cfg NormalizerConfig, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	models := cfg.VLModels
	if models == nil {
		models = DefaultVLModels
	}
	vl := make(map[string]struct{}, len(models))
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			vl[m] = struct{}{}
		}
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyPersist
	}
	onDrop := cfg.OnDrop
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &Normalizer{
		vlModels: vl,
		policy:   policy,
		store:    cfg.Store,
		onDrop:   onDrop,
		logger:   logger,
	}
}

// Policy returns the configured inline image policy
func (n *Normalizer) Policy() ImagePolicy { return n.policy }

// SupportsImages reports whether model accepts image input.
func (n *Normalizer) SupportsImages(model string) bool {
	_, ok := n.vlModels[model]
	return ok
}

// NormalizeMessages normalizes every message for model, preserving order.
func (n *Normalizer) NormalizeMessages(msgs []Message, model string) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, n.NormalizeMessage(&msgs[i], model))
	}
	return out
}

// NormalizeMessage converts msg for model. Under PolicyPersist the URL of each
// persisted inline image part is rewritten in msg to the stored copy.
// Image fragments that cannot be used are dropped and reported; they never
// fail the message.
func (n *Normalizer) NormalizeMessage(msg *Message, model string) ollama.Message {
	out := ollama.Message{
		Role:  msg.Role,
		Name:  msg.Name,
		Extra: msg.Extra,
	}

	if !msg.Content.IsParts() {
		if msg.Content.Text != nil {
			out.Content = *msg.Content.Text
		}
		return out
	}

	allowImages := n.SupportsImages(model)
	var texts []string
	for i := range msg.Content.Parts {
		part := &msg.Content.Parts[i]
		switch part.Type {
		case PartTypeText:
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		case PartTypeImageURL:
			if !allowImages {
				n.drop(DropModelNotVL, zap.String("model", model))
				continue
			}
			if img, ok := n.resolveImage(part); ok {
				out.Images = append(out.Images, img)
			}
		default:
			n.drop(DropUnsupportedPart, zap.String("type", part.Type))
		}
	}
	out.Content = strings.Join(texts, "\n\n")
	return out
}

// resolveImage returns the base64 payload for an image part.
func (n *Normalizer) resolveImage(part *ContentPart) (string, bool) {
	ref := strings.TrimSpace(part.ImageURL.Resolve())
	switch {
	case ref == "":
		n.drop(DropEmptyURL)
		return "", false
	case strings.HasPrefix(ref, "data:"):
		return n.resolveDataURI(part, ref)
	default:
		return n.resolveHosted(ref)
	}
}

func (n *Normalizer) resolveDataURI(part *ContentPart, uri string) (string, bool) {
	mimeType, data, reason, err := DecodeDataURI(uri)
	if err != nil {
		n.drop(reason, zap.Error(err))
		return "", false
	}
	if _, err := imagestore.Sniff(data); err != nil {
		n.drop(DropNotImage, zap.String("mime", mimeType), zap.Error(err))
		return "", false
	}

	if n.policy == PolicyInline {
		return base64.StdEncoding.EncodeToString(data), true
	}

	if n.store == nil {
		n.drop(DropPersistFailed, zap.String("error", "no image store configured"))
		return "", false
	}
	url, err := n.store.Save(mimeType, data)
	if err != nil {
		n.drop(DropPersistFailed, zap.Error(err))
		return "", false
	}
	if part.ImageURL == nil {
		part.ImageURL = &ImageURL{}
	}
	part.ImageURL.URL = url
	part.ImageURL.Data = ""
	return n.resolveHosted(url)
}

func (n *Normalizer) resolveHosted(url string) (string, bool) {
	if n.store == nil || !n.store.Owns(url) {
		n.drop(DropUnsupportedURL, zap.String("url", truncate(url, 200)))
		return "", false
	}
	data, err := n.store.Load(url)
	if err != nil {
		n.drop(DropReadFailed, zap.String("url", url), zap.Error(err))
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

func (n *Normalizer) drop(reason string, fields ...zap.Field) {
	n.logger.Warn("Dropping image content", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
	n.onDrop(reason)
}

// DecodeDataURI splits a data:image/<type>;base64,<payload> URI into its MIME
// type and decoded bytes. On failure it also returns the drop reason.
func DecodeDataURI(uri string) (mimeType string, data []byte, reason string, err error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return "", nil, DropBadDataURI, fmt.Errorf("data uri has no comma separator")
	}
	meta, isBase64 := strings.CutSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if !isBase64 {
		return "", nil, DropBadDataURI, fmt.Errorf("data uri is not base64 encoded")
	}
	mimeType, _, _ = strings.Cut(meta, ";")
	if !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return "", nil, DropBadDataURI, fmt.Errorf("data uri type %q is not an image", mimeType)
	}

	payload = strings.TrimSpace(payload)
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr != nil {
			return "", nil, DropBadBase64, fmt.Errorf("decoding base64 payload: %w", err)
		}
	}
	if len(data) == 0 {
		return "", nil, DropBadBase64, fmt.Errorf("empty image payload")
	}
	return mimeType, data, "", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
