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

// Package comfyui is a client for the image-generation graph backend:
// prompt submission, job history and output file retrieval.
package comfyui

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is where a local backend listens by default
	DefaultBaseURL = "http://localhost:8188"

	// BackendName identifies this backend in errors and metrics
	BackendName = "comfyui"
)

// Client talks to the graph backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	downloadHTTP *http.Client
	logger       *zap.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithTimeouts sets the bounds of API calls
func WithTimeouts(t upstream.Timeouts) ClientOption {
	return func(c *Client) {
		c.httpClient = upstream.NewHTTPClient(t)
	}
}

// WithDownloadTimeouts sets the bounds of output file downloads
func WithDownloadTimeouts(t upstream.Timeouts) ClientOption {
	return func(c *Client) {
		c.downloadHTTP = upstream.NewHTTPClient(t)
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: upstream.NewHTTPClient(upstream.DefaultTimeouts()),
		downloadHTTP: upstream.NewHTTPClient(upstream.Timeouts{
			Connect: upstream.DefaultConnectTimeout,
			Total:   upstream.DefaultDownloadTimeout,
		}),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitPrompt queues graph under clientID and returns the backend job ID.
// An error embedded in a successful response is reported as a
// *upstream.BackendError carrying the response verbatim.
func (c *Client) SubmitPrompt(ctx context.Context, clientID string, graph any) (string, error) {
	payload, err := sonic.Marshal(map[string]any{
		"client_id": clientID,
		"prompt":    graph,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := upstream.Do(c.httpClient, BackendName, req)
	if err != nil {
		return "", err
	}
	status := resp.StatusCode
	body, err := upstream.ReadBody(BackendName, resp)
	if err != nil {
		return "", err
	}

	rejected := func(msg string) error {
		return &upstream.BackendError{Backend: BackendName, StatusCode: status, Message: msg, Body: body}
	}

	var fields map[string]any
	if err := sonic.Unmarshal(body, &fields); err != nil {
		return "", rejected("response is not a JSON object")
	}
	nodeErrors, _ := fields["node_errors"].(map[string]any)
	_, hasError := fields["error"]
	_, hasErrors := fields["errors"]
	if len(nodeErrors) > 0 || hasError || hasErrors {
		return "", rejected("returned error in response body")
	}
	promptID, _ := fields["prompt_id"].(string)
	if promptID == "" {
		return "", rejected("response missing prompt_id")
	}

	c.logger.Debug("Submitted prompt",
		zap.String("clientId", clientID),
		zap.String("promptId", promptID),
		zap.Duration("took", time.Since(start)))
	return promptID, nil
}

// History returns the raw history document of job promptID.
func (c *Client) History(ctx context.Context, promptID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := upstream.Do(c.httpClient, BackendName, req)
	if err != nil {
		return nil, err
	}
	return upstream.ReadBody(BackendName, resp)
}

// JobState fetches and classifies the history of job promptID.
func (c *Client) JobState(ctx context.Context, promptID string) (JobState, error) {
	body, err := c.History(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return ParseHistory(body, promptID), nil
}

// ViewURL returns the backend URL serving the file behind ref.
func (c *Client) ViewURL(ref ImageRef) string {
	return c.baseURL + "/view?" + ref.Query().Encode()
}

// View opens the file behind ref. On success the caller must close the
// response body.
func (c *Client) View(ctx context.Context, ref ImageRef) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ViewURL(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return upstream.Do(c.downloadHTTP, BackendName, req)
}

// ViewBytes reads the file behind ref fully.
func (c *Client) ViewBytes(ctx context.Context, ref ImageRef) (data []byte, contentType string, err error) {
	resp, err := c.View(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	contentType = resp.Header.Get("Content-Type")
	data, err = upstream.ReadBody(BackendName, resp)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
