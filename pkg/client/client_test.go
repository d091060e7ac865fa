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

package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/chat"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/tasks"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewGatewayClient(server.URL+"/", nil)
	require.NoError(t, err)
	return c
}

func TestNewGatewayClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewGatewayClient("localhost:8000", nil)
	assert.Error(t, err)

	_, err = NewGatewayClient("/api", nil)
	assert.Error(t, err)
}

func TestClient_Chat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		var req map[string]any
		if !assert.NoError(t, sonic.Unmarshal(body, &req)) {
			return
		}
		assert.Equal(t, "qwen3-vl:32b", req["model"])
		assert.NotContains(t, req, "stream")

		messages := req["messages"].([]any)
		if !assert.Len(t, messages, 2) {
			return
		}
		parts := messages[1].(map[string]any)["content"].([]any)
		assert.Len(t, parts, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"qwen3-vl:32b","message":{"role":"assistant","content":"a cat"},"done":true,"done_reason":"stop"}`)
	})

	resp, err := c.Chat(context.Background(), chat.CompletionRequest{
		Model: "qwen3-vl:32b",
		Messages: []chat.Message{
			NewSystemMessage("describe images"),
			NewMultimodalUserMessage("what is this", "data:image/png;base64,AAAA"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "a cat", resp.Message.Content)
	assert.True(t, resp.Done)
	assert.Equal(t, "stop", resp.DoneReason)
}

func TestClient_ChatStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, true, req["stream"])

		_, _ = io.WriteString(w, "{\"message\":{\"content\":\"a\"},\"done\":false}\n\n")
		_, _ = io.WriteString(w, "{\"message\":{\"content\":\"b\"},\"done\":true}\n")
	})

	stream, err := c.ChatStream(context.Background(), chat.CompletionRequest{
		Model:    "gemma3:27b",
		Messages: []chat.Message{NewUserMessage("hi")},
	})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	var content string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content += chunk.Message.Content
	}
	assert.Equal(t, "ab", content)
}

func TestClient_APIErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail any
		wantMsg    string
	}{
		{
			name:       "string detail",
			status:     http.StatusNotFound,
			body:       `{"detail":"Task not found"}`,
			wantDetail: "Task not found",
			wantMsg:    "not found: Task not found",
		},
		{
			name:       "object detail",
			status:     http.StatusBadGateway,
			body:       `{"detail":{"detail":"rejected","comfyui_status_code":400}}`,
			wantDetail: map[string]any{"detail": "rejected", "comfyui_status_code": float64(400)},
			wantMsg:    "bad gateway: ",
		},
		{
			name:       "plain text body",
			status:     http.StatusInternalServerError,
			body:       "boom\n",
			wantDetail: "boom",
			wantMsg:    "server error: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Task(context.Background(), "abc")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantDetail, apiErr.Detail)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Equal(t, tt.status == http.StatusNotFound, IsNotFound(err))
		})
	}
}

func TestClient_GenerateAndTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			var req map[string]any
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, sonic.Unmarshal(body, &req))
			assert.Equal(t, "sdxl_base", req["template_id"])
			assert.Equal(t, float64(768), req["width"])
			_, _ = io.WriteString(w, `{"task_id":"t1","comfy_prompt_id":"p1"}`)
		case "/tasks/t1":
			_, _ = io.WriteString(w, `{"status":"success","progress":1,"message":"","outputs":[{"filename":"out.png","subfolder":"","type":"output"}]}`)
		case "/tasks/t1/images":
			_, _ = io.WriteString(w, `{"images":[{"filename":"out.png","subfolder":"","type":"output","url":"http://gw/images/view?filename=out.png"}]}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	gen, err := c.Generate(ctx, workflow.Request{
		TemplateID: "sdxl_base",
		PromptText: "a lighthouse",
		Width:      768,
		Height:     768,
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", gen.TaskID)
	assert.Equal(t, "p1", gen.ComfyPromptID)

	status, err := c.Task(ctx, gen.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusSuccess, status.Status)
	require.Len(t, status.Outputs, 1)
	assert.Equal(t, "out.png", status.Outputs[0].Filename)

	images, err := c.TaskImages(ctx, gen.TaskID)
	require.NoError(t, err)
	require.Len(t, images.Images, 1)
	assert.Equal(t, "http://gw/images/view?filename=out.png", images.Images[0].URL)
}

func TestClient_DownloadTaskImage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/t1/image", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", `attachment; filename="out.png"`)
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})

	dl, err := c.DownloadTaskImage(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "out.png", dl.Filename)
	assert.Equal(t, "image/png", dl.ContentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, dl.Data)
}

func TestClient_Vector(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	ctx := context.Background()

	_, err := c.VectorHealth(ctx)
	require.NoError(t, err)
	_, err = c.VectorAdd(ctx, map[string]any{"documents": []string{"a"}})
	require.NoError(t, err)
	res, err := c.VectorSearch(ctx, map[string]any{"query": "a", "top_k": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res)
	_, err = c.VectorItems(ctx, 0, 0)
	require.NoError(t, err)
	_, err = c.VectorItems(ctx, 2, 10)
	require.NoError(t, err)
	_, err = c.VectorDeleteItem(ctx, "doc 1")
	require.NoError(t, err)
	_, err = c.VectorClear(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/vector/health",
		"POST /api/vector/add",
		"POST /api/vector/search",
		"GET /api/vector/items",
		"GET /api/vector/items?page=2&page_size=10",
		"DELETE /api/vector/items/doc%201",
		"DELETE /api/vector/clear",
	}, got)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"ok","version":"v1.2.3"}`)
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "v1.2.3", h.Version)
}
