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

package comfyui

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic/decoder"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, WithLogger(zaptest.NewLogger(t))), server
}

func TestSubmitPrompt_Success(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/prompt", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, decoder.NewStreamDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"prompt_id":"p-1","number":3,"node_errors":{}}`))
	})

	id, err := client.SubmitPrompt(context.Background(), "cid", map[string]any{"1": map[string]any{"class_type": "A", "inputs": map[string]any{}}})
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)
	assert.Equal(t, "cid", got["client_id"])
	assert.Contains(t, got["prompt"], "1")
}

func TestSubmitPrompt_EmbeddedErrors(t *testing.T) {
	for name, body := range map[string]string{
		"node_errors": `{"prompt_id":"p","node_errors":{"44":{"errors":[{"message":"bad"}]}}}`,
		"error":       `{"error":{"type":"invalid_prompt","message":"no outputs"},"node_errors":{}}`,
		"errors":      `{"prompt_id":"p","errors":["x"]}`,
		"missing_id":  `{"number":1}`,
		"not_object":  `["p"]`,
	} {
		t.Run(name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			_, err := client.SubmitPrompt(context.Background(), "cid", map[string]any{})
			be, ok := upstream.AsBackendError(err)
			require.True(t, ok, "expected backend error, got %v", err)
			assert.Equal(t, http.StatusOK, be.StatusCode)
			assert.Equal(t, body, string(be.Body))
			assert.False(t, upstream.IsUnreachable(err))
		})
	}
}

func TestSubmitPrompt_Non2xx(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid"}`))
	})

	_, err := client.SubmitPrompt(context.Background(), "cid", map[string]any{})
	be, ok := upstream.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, be.StatusCode)
	assert.Equal(t, map[string]any{"error": "invalid"}, be.JSON())
}

func TestSubmitPrompt_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := NewClient(addr).SubmitPrompt(context.Background(), "cid", map[string]any{})
	assert.True(t, upstream.IsUnreachable(err))
}

func TestJobState(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/history/p-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"p-1":{"outputs":{"9":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]}}}}`))
	})

	state, err := client.JobState(context.Background(), "p-1")
	require.NoError(t, err)
	require.IsType(t, Succeeded{}, state)
	assert.Equal(t, []ImageRef{{Filename: "a.png", Type: "output"}}, state.(Succeeded).Outputs)
	assert.Equal(t, int32(1), calls.Load())
}

func TestView(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/view", r.URL.Path)
		assert.Equal(t, "x.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "sub", r.URL.Query().Get("subfolder"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("PNGDATA"))
	})

	resp, err := client.View(context.Background(), ImageRef{Filename: "x.png", Subfolder: "sub"})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "PNGDATA", string(body))

	data, ct, err := client.ViewBytes(context.Background(), ImageRef{Filename: "x.png", Subfolder: "sub", Type: "output"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, "PNGDATA", string(data))
}

func TestView_NotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})

	_, err := client.View(context.Background(), ImageRef{Filename: "x.png"})
	be, ok := upstream.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, be.StatusCode)
}
