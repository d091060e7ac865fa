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
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeOllama records chat payloads and answers with a scripted response.
type fakeOllama struct {
	mu       sync.Mutex
	payloads []map[string]any

	status      int
	contentType string
	body        string
	lines       []string
	// noContentType sends the response without any Content-Type header
	noContentType bool
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var payload map[string]any
	_ = sonic.Unmarshal(data, &payload)
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()

	if f.lines != nil {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		for _, line := range f.lines {
			_, _ = io.WriteString(w, line)
			w.(http.Flusher).Flush()
		}
		return
	}
	if f.contentType != "" {
		w.Header().Set("Content-Type", f.contentType)
	}
	if f.noContentType {
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(f.status)
	_, _ = io.WriteString(w, f.body)
}

func (f *fakeOllama) lastPayload(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	return f.payloads[len(f.payloads)-1]
}

func newTestChatGateway(t *testing.T, backendURL string, policy string) (*ChatGateway, ChatConfig) {
	t.Helper()
	cfg := ChatConfig{
		ApiUrl:      "http://gw.test:8000",
		OllamaURL:   backendURL + "/api/chat",
		VLModels:    []string{"qwen3-vl:32b"},
		ImageDir:    t.TempDir(),
		ImagePolicy: policy,
	}
	require.NoError(t, cfg.Validate())
	g, err := NewChatGateway(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return g, cfg
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func TestChat_BufferedRelay(t *testing.T) {
	backend := &fakeOllama{
		status:      http.StatusOK,
		contentType: "application/json; charset=utf-8",
		body:        `{"model":"llama3","message":{"role":"assistant","content":"hello"},"done":true}`,
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	rec := postChat(t, g.Handler(), `{
		"model": "llama3",
		"messages": [{"role": "user", "content": "hi"}],
		"max_tokens": 5,
		"temperature": 0.2,
		"keep_alive": "5m"
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, backend.body, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	payload := backend.lastPayload(t)
	assert.Equal(t, "llama3", payload["model"])
	assert.Equal(t, false, payload["stream"])
	assert.Equal(t, "5m", payload["keep_alive"])
	assert.Equal(t, map[string]any{"num_predict": float64(5), "temperature": 0.2}, payload["options"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "hi"}}, payload["messages"])
}

func TestChat_BufferedRelayKeepsMissingContentType(t *testing.T) {
	backend := &fakeOllama{status: http.StatusOK, noContentType: true, body: `{"done":true}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	gw := httptest.NewServer(g.Handler())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, `{"done":true}`, string(body))
	_, ok := resp.Header["Content-Type"]
	assert.False(t, ok, "got Content-Type %q", resp.Header.Get("Content-Type"))
}

func TestChat_ImagePartsForVisionModel(t *testing.T) {
	img := testPNG(t)
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)

	for _, policy := range []string{"persist", "inline"} {
		t.Run(policy, func(t *testing.T) {
			backend := &fakeOllama{status: http.StatusOK, body: `{}`}
			srv := httptest.NewServer(backend)
			defer srv.Close()
			g, cfg := newTestChatGateway(t, srv.URL, policy)

			rec := postChat(t, g.Handler(), `{"model":"qwen3-vl:32b","messages":[{"role":"user","content":[
				{"type":"text","text":"what is this?"},
				{"type":"image_url","image_url":{"url":"`+dataURI+`"}},
				{"type":"text","text":"be brief"}]}]}`)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			msgs := backend.lastPayload(t)["messages"].([]any)
			require.Len(t, msgs, 1)
			msg := msgs[0].(map[string]any)
			assert.Equal(t, "what is this?\n\nbe brief", msg["content"])
			assert.Equal(t, []any{base64.StdEncoding.EncodeToString(img)}, msg["images"])

			entries, err := os.ReadDir(cfg.ImageDir)
			require.NoError(t, err)
			if policy == "persist" {
				assert.Len(t, entries, 1)
			} else {
				assert.Empty(t, entries)
			}
		})
	}
}

func TestChat_ImagePartsDroppedForTextModel(t *testing.T) {
	backend := &fakeOllama{status: http.StatusOK, body: `{}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	rec := postChat(t, g.Handler(), `{"model":"llama3","messages":[{"role":"user","content":[
		{"type":"text","text":"hi"},
		{"type":"image_url","image_url":"data:image/png;base64,AAAA"}]}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msg := backend.lastPayload(t)["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", msg["content"])
	assert.NotContains(t, msg, "images")
}

func TestChat_Stream(t *testing.T) {
	backend := &fakeOllama{lines: []string{
		`{"message":{"content":"a"},"done":false}` + "\n",
		"\n",
		`{"message":{"content":"b"},"done":false}` + "\r\n",
		`{"done":true}`,
	}}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	rec := postChat(t, g.Handler(), `{"model":"llama3","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		`{"message":{"content":"a"},"done":false}`+"\n"+
			`{"message":{"content":"b"},"done":false}`+"\n"+
			`{"done":true}`+"\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, true, backend.lastPayload(t)["stream"])
}

func TestChat_BackendErrorRelayed(t *testing.T) {
	backend := &fakeOllama{status: http.StatusNotFound, body: `{"error":"model \"nope\" not found"}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	for _, stream := range []string{"false", "true"} {
		rec := postChat(t, g.Handler(), `{"model":"nope","stream":`+stream+`,"messages":[]}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, backend.body, decodeBody(t, rec)["detail"])
	}
}

func TestChat_BackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	g, _ := newTestChatGateway(t, url, "")

	rec := postChat(t, g.Handler(), `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "failed to reach ollama")
}

func TestChat_InvalidRequests(t *testing.T) {
	backend := &fakeOllama{status: http.StatusOK, body: `{}`}
	srv := httptest.NewServer(backend)
	defer srv.Close()
	g, _ := newTestChatGateway(t, srv.URL, "")

	for name, body := range map[string]string{
		"not json":        `{"model":`,
		"missing model":   `{"messages":[]}`,
		"content number":  `{"model":"m","messages":[{"role":"user","content":1}]}`,
		"missing message": `{"model":"m"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := postChat(t, g.Handler(), body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody(t, rec)["detail"])
		})
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Empty(t, backend.payloads)
}

func TestChat_ServesPersistedImages(t *testing.T) {
	g, cfg := newTestChatGateway(t, "http://127.0.0.1:1", "")
	img := testPNG(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ImageDir, "img-1.png"), img, 0644))

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/img-1.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, img, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/images/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_RootRedirects(t *testing.T) {
	g, _ := newTestChatGateway(t, "http://127.0.0.1:1", "")

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/openapi.yaml", rec.Header().Get("Location"))
}

func TestChatConfig_Defaults(t *testing.T) {
	cfg := ChatConfig{ApiUrl: "http://0.0.0.0:8000"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "images", cfg.ImageDir)
	assert.Equal(t, "http://0.0.0.0:8000/images", cfg.ImageBaseURL)

	assert.Error(t, (&ChatConfig{}).Validate())
	assert.Error(t, (&ChatConfig{ApiUrl: "http://x", ImagePolicy: "discard"}).Validate())
}
