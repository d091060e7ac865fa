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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic/decoder"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/tasks"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/workflow"
	"go.uber.org/zap"
)

// Outcome labels for the generate metric.
const (
	outcomeSubmitted     = "submitted"
	outcomeUsageError    = "usage_error"
	outcomeTemplateError = "template_error"
	outcomeBackendError  = "backend_error"
)

// GenerateResponse is the body returned by POST /generate.
type GenerateResponse struct {
	TaskID        string `json:"task_id"`
	ComfyPromptID string `json:"comfy_prompt_id"`
}

// TaskStatusResponse is the body returned by GET /tasks/{task_id}.
type TaskStatusResponse struct {
	Status   tasks.Status       `json:"status"`
	Progress float64            `json:"progress"`
	Message  string             `json:"message"`
	Outputs  []comfyui.ImageRef `json:"outputs"`
}

// TaskImage is an output descriptor with a URL the client can fetch.
type TaskImage struct {
	comfyui.ImageRef
	URL string `json:"url"`
}

// TaskImagesResponse is the body returned by GET /tasks/{task_id}/images.
type TaskImagesResponse struct {
	Images []TaskImage `json:"images"`
}

// submitErrorDetail describes a rejected job submission.
type submitErrorDetail struct {
	Detail          string `json:"detail"`
	ComfyUIStatus   *int   `json:"comfyui_status_code"`
	ComfyUIResponse any    `json:"comfyui_response"`
}

// pinger is implemented by task stores backed by a remote server.
type pinger interface {
	Ping(ctx context.Context) error
}

// OpenTaskStore opens the task store selected by config. The returned
// function releases it.
func OpenTaskStore(ctx context.Context, zl *zap.Logger, config ImageGenConfig) (tasks.Store, func(), error) {
	switch config.TaskStore {
	case TaskStoreRedis:
		store, err := tasks.NewRedisStoreFromURL(config.RedisURL, tasks.WithTTL(config.TaskTTL))
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		zl.Info("Using redis task store", zap.Duration("ttl", config.TaskTTL))
		return store, func() { _ = store.Close() }, nil
	default:
		zl.Info("Using in-memory task store")
		return tasks.NewMemoryStore(), func() {}, nil
	}
}

// ImageGateway serves the image-generation API in front of the graph
// backend.
type ImageGateway struct {
	logger   *zap.Logger
	comfy    *comfyui.Client
	builder  *workflow.Builder
	registry *tasks.Registry
	store    tasks.Store
	// views is nil when the view cache is disabled
	views *ViewCache
}

// NewImageGateway creates the image gateway over store. config must be
// validated.
func NewImageGateway(zl *zap.Logger, config ImageGenConfig, store tasks.Store) *ImageGateway {
	comfy := comfyui.NewClient(config.ComfyUIBaseURL,
		comfyui.WithTimeouts(config.Upstream.Timeouts()),
		comfyui.WithDownloadTimeouts(config.Upstream.DownloadTimeouts()),
		comfyui.WithLogger(zl.Named("comfyui")))

	lib := workflow.NewLibrary(config.TemplatesDir, zl.Named("templates"))
	registry := tasks.NewRegistry(store, comfy, zl.Named("tasks"),
		tasks.WithRefreshHook(func(s tasks.Status) { RecordTaskRefresh(string(s)) }))

	g := &ImageGateway{
		logger:   zl,
		comfy:    comfy,
		builder:  workflow.NewBuilder(lib, zl.Named("builder")),
		registry: registry,
		store:    store,
	}
	if config.ViewCacheTTL > 0 {
		g.views = NewViewCache(comfy, config.ViewCacheTTL, config.ViewCacheMaxItems, zl.Named("view-cache"))
	}
	return g
}

// Handler returns the gateway's routes, served both at the root and under
// /api.
func (g *ImageGateway) Handler() http.Handler {
	routes := http.NewServeMux()
	routes.HandleFunc("POST /generate", g.handleGenerate)
	routes.HandleFunc("GET /tasks/{task_id}", g.handleTask)
	routes.HandleFunc("GET /tasks/{task_id}/images", g.handleTaskImages)
	routes.HandleFunc("GET /tasks/{task_id}/image", g.handleTaskImage)
	routes.HandleFunc("GET /files", g.handleFile)
	routes.HandleFunc("GET /images/view", g.handleImageView)
	routes.HandleFunc("GET /images/{filename}", g.handleImage)

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", routes))
	mux.Handle("/", routes)
	return mux
}

// Ready checks the task store.
func (g *ImageGateway) Ready(ctx context.Context) error {
	if p, ok := g.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops the view cache
func (g *ImageGateway) Close() {
	if g.views != nil {
		g.views.Close()
	}
}

func (g *ImageGateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := decoder.NewStreamDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}

	graph, err := g.builder.Build(&req)
	if err != nil {
		outcome := outcomeTemplateError
		if workflow.IsUsageError(err) {
			outcome = outcomeUsageError
		}
		RecordGenerate(req.TemplateID, outcome)
		g.logger.Info("Rejected generation request",
			zap.String("template", req.TemplateID),
			zap.String("outcome", outcome),
			zap.Error(err))
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Template error: %v", err))
		return
	}

	start := time.Now()
	rec, err := g.registry.Submit(r.Context(), &req, graph)
	RecordUpstreamDuration(comfyui.BackendName, "prompt", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		RecordGenerate(req.TemplateID, outcomeBackendError)
		g.writeSubmitError(w, err)
		return
	}

	RecordGenerate(req.TemplateID, outcomeSubmitted)
	writeJSON(w, http.StatusOK, GenerateResponse{TaskID: rec.TaskID, ComfyPromptID: rec.JobID})
}

// writeSubmitError reports a failed submission as a 502 carrying the
// backend's status code and response, when it answered at all.
func (g *ImageGateway) writeSubmitError(w http.ResponseWriter, err error) {
	detail := submitErrorDetail{Detail: err.Error()}
	if be, ok := upstream.AsBackendError(err); ok {
		status := be.StatusCode
		detail.ComfyUIStatus = &status
		if v := be.JSON(); v != nil {
			detail.ComfyUIResponse = v
		} else {
			detail.ComfyUIResponse = string(be.Body)
		}
		g.logger.Warn("Backend rejected job",
			zap.Int("status", be.StatusCode),
			zap.ByteString("body", truncateBytes(be.Body, 500)))
	} else if upstream.IsUnreachable(err) {
		g.logger.Warn("Backend unreachable", zap.Error(err))
	} else {
		g.logger.Error("Job submission failed", zap.Error(err))
	}
	writeDetail(w, http.StatusBadGateway, detail)
}

// writeTaskError maps registry lookup failures to responses.
func (g *ImageGateway) writeTaskError(w http.ResponseWriter, err error) {
	if errors.Is(err, tasks.ErrTaskNotFound) {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	g.logger.Error("Task lookup failed", zap.Error(err))
	writeDetail(w, http.StatusInternalServerError, err.Error())
}

func (g *ImageGateway) handleTask(w http.ResponseWriter, r *http.Request) {
	rec, err := g.registry.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		g.writeTaskError(w, err)
		return
	}
	outputs := rec.Outputs
	if outputs == nil {
		outputs = []comfyui.ImageRef{}
	}
	writeJSON(w, http.StatusOK, TaskStatusResponse{
		Status:   rec.Status,
		Progress: rec.Progress,
		Message:  rec.Message,
		Outputs:  outputs,
	})
}

func (g *ImageGateway) handleTaskImages(w http.ResponseWriter, r *http.Request) {
	outputs, err := g.registry.Images(r.Context(), r.PathValue("task_id"))
	if err != nil {
		g.writeTaskError(w, err)
		return
	}

	base := requestBaseURL(r)
	images := make([]TaskImage, 0, len(outputs))
	for _, ref := range outputs {
		if ref.Filename == "" {
			continue
		}
		images = append(images, TaskImage{
			ImageRef: ref,
			URL:      base + "/images/view?" + ref.Query().Encode(),
		})
	}
	writeJSON(w, http.StatusOK, TaskImagesResponse{Images: images})
}

func (g *ImageGateway) handleTaskImage(w http.ResponseWriter, r *http.Request) {
	outputs, err := g.registry.Images(r.Context(), r.PathValue("task_id"))
	if err != nil {
		g.writeTaskError(w, err)
		return
	}
	if len(outputs) == 0 {
		writeDetail(w, http.StatusNotFound, "No images available for this task")
		return
	}
	ref, ok := (&tasks.Record{Outputs: outputs}).FirstImage()
	if !ok {
		writeDetail(w, http.StatusNotFound, "No downloadable image found")
		return
	}

	body, contentType, err := g.openView(r.Context(), ref)
	if err != nil {
		writeUpstreamError(w, g.logger, err)
		return
	}
	defer func() { _ = body.Close() }()

	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, downloadName(ref.Filename, contentType)))
	g.copyView(w, body)
}

func (g *ImageGateway) handleFile(w http.ResponseWriter, r *http.Request) {
	ref, ok := viewRefFromQuery(w, r.URL.Query(), "")
	if !ok {
		return
	}
	g.serveView(w, r, ref, "application/octet-stream", false)
}

func (g *ImageGateway) handleImageView(w http.ResponseWriter, r *http.Request) {
	ref, ok := viewRefFromQuery(w, r.URL.Query(), "")
	if !ok {
		return
	}
	g.serveView(w, r, ref, "", false)
}

func (g *ImageGateway) handleImage(w http.ResponseWriter, r *http.Request) {
	ref, ok := viewRefFromQuery(w, r.URL.Query(), r.PathValue("filename"))
	if !ok {
		return
	}
	g.serveView(w, r, ref, "image/png", true)
}

// viewRefFromQuery reads filename/subfolder/type. A non-empty filename
// overrides the query's.
func viewRefFromQuery(w http.ResponseWriter, q url.Values, filename string) (comfyui.ImageRef, bool) {
	if filename == "" {
		filename = q.Get("filename")
	}
	if filename == "" {
		writeDetail(w, http.StatusBadRequest, "filename is required")
		return comfyui.ImageRef{}, false
	}
	fileType := q.Get("type")
	if fileType == "" {
		fileType = comfyui.DefaultImageType
	}
	return comfyui.ImageRef{
		Filename:  filename,
		Subfolder: q.Get("subfolder"),
		Type:      fileType,
	}, true
}

// serveView proxies the output file behind ref. An empty contentType relays
// the backend's.
func (g *ImageGateway) serveView(w http.ResponseWriter, r *http.Request, ref comfyui.ImageRef, contentType string, noStore bool) {
	body, backendType, err := g.openView(r.Context(), ref)
	if err != nil {
		writeUpstreamError(w, g.logger, err)
		return
	}
	defer func() { _ = body.Close() }()

	if contentType == "" {
		contentType = backendType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if noStore {
		w.Header().Set("Cache-Control", "no-store")
	}
	g.copyView(w, body)
}

// openView opens the output file behind ref, through the view cache when it
// is enabled.
func (g *ImageGateway) openView(ctx context.Context, ref comfyui.ImageRef) (io.ReadCloser, string, error) {
	if g.views != nil {
		v, err := g.views.Get(ctx, ref)
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(bytes.NewReader(v.Data)), v.ContentType, nil
	}

	start := time.Now()
	resp, err := g.comfy.View(ctx, ref)
	RecordUpstreamDuration(comfyui.BackendName, "view", statusLabel(err), time.Since(start).Seconds())
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (g *ImageGateway) copyView(w http.ResponseWriter, body io.Reader) {
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		g.logger.Debug("Output file copy ended early", zap.Error(err))
	}
}

// downloadName returns filename with an extension, inferring one from
// contentType when filename has none.
func downloadName(filename, contentType string) string {
	if filename == "" {
		filename = "image"
	}
	if strings.Contains(filename, ".") {
		return filename
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return filename + ".png"
	}
	return filename + ".bin"
}

// requestBaseURL returns the scheme and host the client used to reach the
// gateway.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}
