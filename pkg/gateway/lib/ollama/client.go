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

// Package ollama is a client for the inference backend's native chat API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"go.uber.org/zap"
)

const (
	// DefaultChatURL is the native chat endpoint of a local Ollama server
	DefaultChatURL = "http://localhost:11434/api/chat"

	// BackendName labels errors and metrics for this backend
	BackendName = "ollama"

	// maxLineSize bounds a single streamed NDJSON line
	maxLineSize = 16 << 20
)

// Client talks to the backend chat endpoint.
type Client struct {
	chatURL    string
	httpClient *http.Client
	streamHTTP *http.Client
	logger     *zap.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithTimeouts sets connect/total bounds for both buffered and streamed calls
func WithTimeouts(t upstream.Timeouts) ClientOption {
	return func(c *Client) {
		c.httpClient = upstream.NewHTTPClient(t)
		c.streamHTTP = upstream.NewStreamingHTTPClient(t)
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the chat endpoint at chatURL.
func NewClient(chatURL string, opts ...ClientOption) *Client {
	if chatURL == "" {
		chatURL = DefaultChatURL
	}
	c := &Client{
		chatURL:    chatURL,
		httpClient: upstream.NewHTTPClient(upstream.DefaultTimeouts()),
		streamHTTP: upstream.NewStreamingHTTPClient(upstream.DefaultTimeouts()),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a buffered backend response, relayed to callers unchanged.
// ContentType is empty when the backend sent none.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Chat sends req and waits for the complete response.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := upstream.Do(c.httpClient, BackendName, httpReq)
	if err != nil {
		return nil, err
	}
	contentType := resp.Header.Get("Content-Type")
	status := resp.StatusCode

	body, err := upstream.ReadBody(BackendName, resp)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: status, ContentType: contentType, Body: body}, nil
}

// ChatStream sends req and returns the response as a lazy sequence of lines.
// The stream must be closed by the caller; cancelling ctx also tears it down.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest) (*LineStream, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := upstream.Do(c.streamHTTP, BackendName, httpReq)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &LineStream{resp: resp, scanner: scanner}, nil
}

func (c *Client) newRequest(ctx context.Context, req *ChatRequest) (*http.Request, error) {
	data, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	if ce := c.logger.Check(zap.DebugLevel, "Payload sent to backend"); ce != nil {
		ce.Write(
			zap.String("url", c.chatURL),
			zap.Bool("stream", req.Stream),
			zap.String("payload_prefix", truncate(string(data), 500)))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

// LineStream yields the non-blank lines of a streamed response, each
// terminated by exactly one newline. It can be consumed once.
type LineStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	line    []byte
	err     error
}

// Next advances to the next non-blank line.
func (s *LineStream) Next() bool {
	if s.err != nil {
		return false
	}
	for s.scanner.Scan() {
		raw := bytes.TrimRight(s.scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		s.line = append(append(s.line[:0], raw...), '\n')
		return true
	}
	if err := s.scanner.Err(); err != nil {
		if ctxErr := s.resp.Request.Context().Err(); ctxErr != nil {
			s.err = ctxErr
		} else {
			s.err = &upstream.UnreachableError{Backend: BackendName, Err: err}
		}
	}
	return false
}

// Line returns the current line. The slice is reused by the next call to Next.
func (s *LineStream) Line() []byte {
	return s.line
}

// Err returns the error that ended the stream, if any.
func (s *LineStream) Err() error {
	return s.err
}

// Close releases the backend connection.
func (s *LineStream) Close() error {
	return s.resp.Body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
