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

package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/chat"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/imagestore"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/ollama"
	"go.uber.org/zap"
)

// maxChatRequestSize bounds a chat request body; inline images make these
// large.
const maxChatRequestSize = 64 << 20

// ChatGateway serves the OpenAI-compatible chat API in front of the
// inference backend.
type ChatGateway struct {
	logger     *zap.Logger
	client     *ollama.Client
	normalizer *chat.Normalizer
	images     *imagestore.Store
	schema     *schemaValidator
}

// NewChatGateway creates the chat gateway. config must be validated.
func NewChatGateway(zl *zap.Logger, config ChatConfig) (*ChatGateway, error) {
	policy, err := chat.ParseImagePolicy(config.ImagePolicy)
	if err != nil {
		return nil, err
	}
	schema, err := newSchemaValidator("ChatCompletionRequest")
	if err != nil {
		return nil, err
	}

	images := imagestore.New(config.ImageDir, config.ImageBaseURL, zl.Named("images"))
	normalizer := chat.NewNormalizer(chat.NormalizerConfig{
		VLModels: config.VLModels,
		Policy:   policy,
		Store:    images,
		OnDrop:   RecordImageDrop,
	}, zl.Named("normalizer"))

	client := ollama.NewClient(config.OllamaURL,
		ollama.WithTimeouts(config.Upstream.Timeouts()),
		ollama.WithLogger(zl.Named("ollama")))

	return &ChatGateway{
		logger:     zl,
		client:     client,
		normalizer: normalizer,
		images:     images,
		schema:     schema,
	}, nil
}

// Handler returns the gateway's routes.
func (g *ChatGateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /images/{filename}", g.handleImage)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/openapi.yaml", http.StatusTemporaryRedirect)
	})
	return mux
}

// decodeCompletionRequest checks body against the API schema and decodes it.
func (g *ChatGateway) decodeCompletionRequest(body []byte) (*chat.CompletionRequest, error) {
	var doc any
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if err := g.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var req chat.CompletionRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

func (g *ChatGateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("reading request: %v", err))
		return
	}

	req, err := g.decodeCompletionRequest(body)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	messages := g.normalizer.NormalizeMessages(req.Messages, req.Model)
	payload := chat.BuildPayload(req, messages)

	if req.Stream {
		RecordChatRequest(req.Model, "stream")
		g.streamCompletion(w, r, payload)
		return
	}
	RecordChatRequest(req.Model, "buffered")

	start := time.Now()
	resp, err := g.client.Chat(r.Context(), payload)
	RecordUpstreamDuration(ollama.BackendName, "chat", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		writeUpstreamError(w, g.logger, err)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	} else {
		// nil suppresses net/http content sniffing
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// streamCompletion relays the backend's line stream, flushing after every
// line. A client disconnect cancels the request context, which tears down
// the backend connection.
func (g *ChatGateway) streamCompletion(w http.ResponseWriter, r *http.Request, payload *ollama.ChatRequest) {
	start := time.Now()
	stream, err := g.client.ChatStream(r.Context(), payload)
	RecordUpstreamDuration(ollama.BackendName, "chat_stream", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		writeUpstreamError(w, g.logger, err)
		return
	}
	defer func() { _ = stream.Close() }()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	lines := 0
	for stream.Next() {
		if _, err := w.Write(stream.Line()); err != nil {
			g.logger.Debug("Client write failed, ending stream", zap.Error(err))
			return
		}
		if err := rc.Flush(); err != nil {
			g.logger.Debug("Flush failed, ending stream", zap.Error(err))
			return
		}
		lines++
	}
	if err := stream.Err(); err != nil {
		// Headers are gone; all that is left is to cut the stream short.
		g.logger.Warn("Chat stream ended early",
			zap.Int("lines", lines),
			zap.Error(err))
	}
}

// handleImage serves a persisted chat image.
func (g *ChatGateway) handleImage(w http.ResponseWriter, r *http.Request) {
	p, err := g.images.Path(r.PathValue("filename"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if _, err := os.Stat(p); err != nil {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	http.ServeFile(w, r, p)
}
