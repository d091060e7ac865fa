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

// Package client is a Go SDK for the chat, image generation and vector
// gateways.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/chat"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/workflow"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// NewUserMessage creates a user message with string content.
func NewUserMessage(content string) chat.Message {
	return chat.Message{Role: "user", Content: chat.TextContent(content)}
}

// NewSystemMessage creates a system message with string content.
func NewSystemMessage(content string) chat.Message {
	return chat.Message{Role: "system", Content: chat.TextContent(content)}
}

// NewMultimodalUserMessage creates a user message with text and image parts.
// Each image is a URL or a base64 data URI like "data:image/png;base64,...".
func NewMultimodalUserMessage(text string, images ...string) chat.Message {
	var parts []chat.ContentPart
	if text != "" {
		parts = append(parts, chat.ContentPart{Type: "text", Text: text})
	}
	for _, img := range images {
		parts = append(parts, chat.ContentPart{
			Type:     "image_url",
			ImageURL: &chat.ImageURL{URL: img},
		})
	}
	return chat.Message{Role: "user", Content: chat.PartsContent(parts...)}
}

// APIError is a non-2xx response from a gateway.
type APIError struct {
	StatusCode int
	// Detail is the decoded "detail" field, or the raw body when the
	// response was not a JSON error object.
	Detail any
}

func (e *APIError) Error() string {
	var kind string
	switch {
	case e.StatusCode == http.StatusBadRequest:
		kind = "bad request"
	case e.StatusCode == http.StatusNotFound:
		kind = "not found"
	case e.StatusCode == http.StatusBadGateway:
		kind = "bad gateway"
	case e.StatusCode == http.StatusServiceUnavailable:
		kind = "service unavailable"
	case e.StatusCode >= 500:
		kind = "server error"
	default:
		kind = "unexpected status code " + strconv.Itoa(e.StatusCode)
	}
	if s, ok := e.Detail.(string); ok {
		return kind + ": " + s
	}
	detail, _ := sonic.MarshalString(e.Detail)
	return kind + ": " + detail
}

// IsNotFound reports whether err is a 404 from a gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// GatewayClient talks to one gateway instance.
type GatewayClient struct {
	client  *http.Client
	baseURL string
}

// NewGatewayClient creates a client for the gateway at baseURL
// (e.g., "http://localhost:8001"). A nil httpClient selects
// http.DefaultClient.
func NewGatewayClient(baseURL string, httpClient *http.Client) (*GatewayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GatewayClient{
		client:  httpClient,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Health returns the gateway liveness report.
func (c *GatewayClient) Health(ctx context.Context) (*gateway.HealthResponse, error) {
	var out gateway.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatMessage is the assistant message of a chat response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is one chat reply, or one chunk of a streamed reply.
type ChatResponse struct {
	Model      string      `json:"model"`
	CreatedAt  string      `json:"created_at,omitempty"`
	Message    ChatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *GatewayClient) Chat(ctx context.Context, req chat.CompletionRequest) (*ChatResponse, error) {
	req.Stream = false
	var out ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream is an open streamed chat reply. Callers must Close it.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (s *ChatStream) Next() (*ChatResponse, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ChatResponse
		if err := sonic.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decoding stream chunk: %w", err)
		}
		return &chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *ChatStream) Close() error {
	return s.body.Close()
}

// ChatStream sends a streaming chat completion request.
func (c *GatewayClient) ChatStream(ctx context.Context, req chat.CompletionRequest) (*ChatStream, error) {
	req.Stream = true
	resp, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	return &ChatStream{body: resp.Body, scanner: scanner}, nil
}

// Generate submits an image generation job.
func (c *GatewayClient) Generate(ctx context.Context, req workflow.Request) (*gateway.GenerateResponse, error) {
	var out gateway.GenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Task returns the current state of a generation task.
func (c *GatewayClient) Task(ctx context.Context, taskID string) (*gateway.TaskStatusResponse, error) {
	var out gateway.TaskStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskImages lists the outputs of a finished task with fetchable URLs.
func (c *GatewayClient) TaskImages(ctx context.Context, taskID string) (*gateway.TaskImagesResponse, error) {
	var out gateway.TaskImagesResponse
	path := "/tasks/" + url.PathEscape(taskID) + "/images"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download is a file fetched from a gateway.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DownloadTaskImage fetches the first output of a finished task.
func (c *GatewayClient) DownloadTaskImage(ctx context.Context, taskID string) (*Download, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/image", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	dl := &Download{ContentType: resp.Header.Get("Content-Type"), Data: data}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		dl.Filename = params["filename"]
	}
	return dl, nil
}

// VectorHealth reports the health of the vector-search service.
func (c *GatewayClient) VectorHealth(ctx context.Context) (any, error) {
	return c.vector(ctx, http.MethodGet, "/api/vector/health", nil)
}

// VectorAdd adds documents to the vector index. body is passed through.
func (c *GatewayClient) VectorAdd(ctx context.Context, body any) (any, error) {
	return c.vector(ctx, http.MethodPost, "/api/vector/add", body)
}

// VectorSearch runs a similarity search. body is passed through.
func (c *GatewayClient) VectorSearch(ctx context.Context, body any) (any, error) {
	return c.vector(ctx, http.MethodPost, "/api/vector/search", body)
}

// VectorItems lists one page of indexed items. Zero values select the
// gateway defaults.
func (c *GatewayClient) VectorItems(ctx context.Context, page, pageSize int) (any, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/api/vector/items"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.vector(ctx, http.MethodGet, path, nil)
}

// VectorDeleteItem removes one item from the index.
func (c *GatewayClient) VectorDeleteItem(ctx context.Context, id string) (any, error) {
	return c.vector(ctx, http.MethodDelete, "/api/vector/items/"+url.PathEscape(id), nil)
}

// VectorClear removes every item from the index.
func (c *GatewayClient) VectorClear(ctx context.Context) (any, error) {
	return c.vector(ctx, http.MethodDelete, "/api/vector/clear", nil)
}

func (c *GatewayClient) vector(ctx context.Context, method, path string, body any) (any, error) {
	var out any
	if err := c.doJSON(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GatewayClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// do sends the request and turns non-2xx responses into *APIError. On
// success the caller owns the response body.
func (c *GatewayClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(data))}

	var body gateway.ErrorResponse
	if err := sonic.Unmarshal(data, &body); err == nil && body.Detail != nil {
		apiErr.Detail = body.Detail
	}
	return apiErr
}
