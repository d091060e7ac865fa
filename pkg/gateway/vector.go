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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"go.uber.org/zap"
)

const (
	vectorBackendName = "vector"

	maxVectorRequestSize = 16 << 20

	defaultItemsPage     = 1
	defaultItemsPageSize = 50
)

// VectorGateway relays the vector-search API to the vector backend.
type VectorGateway struct {
	logger *zap.Logger
	base   string
	client *http.Client
	// breaker is nil when disabled
	breaker *upstream.CircuitBreaker
}

// NewVectorGateway creates the vector gateway. config must be validated.
func NewVectorGateway(zl *zap.Logger, config VectorConfig) *VectorGateway {
	g := &VectorGateway{
		logger: zl,
		base:   config.VectorBase,
		client: upstream.NewHTTPClient(config.Upstream.Timeouts()),
	}
	if config.BreakerThreshold > 0 {
		g.breaker = upstream.NewCircuitBreaker(config.BreakerThreshold, config.BreakerTimeout)
	}
	return g
}

// Handler returns the gateway's routes.
func (g *VectorGateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vector/health", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "health", http.MethodGet, "/health", nil, nil)
	})
	mux.HandleFunc("POST /api/vector/add", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBody(w, r, "add", "/v1/add")
	})
	mux.HandleFunc("POST /api/vector/search", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBody(w, r, "search", "/v1/search")
	})
	mux.HandleFunc("GET /api/vector/items", g.handleItems)
	mux.HandleFunc("DELETE /api/vector/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "delete_item", http.MethodDelete, "/v1/items/"+url.PathEscape(r.PathValue("id")), nil, nil)
	})
	mux.HandleFunc("DELETE /api/vector/clear", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "clear", http.MethodDelete, "/v1/clear", nil, nil)
	})
	return mux
}

func (g *VectorGateway) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q, "page", defaultItemsPage)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, err := intParam(q, "page_size", defaultItemsPageSize)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	query := url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}
	g.forward(w, r, "items", http.MethodGet, "/v1/items", query, nil)
}

func intParam(q url.Values, name string, def int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// forwardBody relays a JSON request body.
func (g *VectorGateway) forwardBody(w http.ResponseWriter, r *http.Request, route, path string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVectorRequestSize))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("reading request: %v", err))
		return
	}
	if !sonic.Valid(body) {
		writeDetail(w, http.StatusBadRequest, "decoding request: body is not valid JSON")
		return
	}
	g.forward(w, r, route, http.MethodPost, path, nil, body)
}

// forward sends one request to the vector backend and relays the answer.
// Success bodies that are not JSON are wrapped as {"data": text}; error
// bodies are wrapped as {"detail": ...}.
func (g *VectorGateway) forward(w http.ResponseWriter, r *http.Request, route, method, path string, query url.Values, body []byte) {
	if g.breaker != nil && !g.breaker.Allow() {
		RecordVectorRequest(route, "circuit_open")
		writeDetail(w, http.StatusBadGateway, "Vector service unavailable: circuit open after repeated failures")
		return
	}

	target := g.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(r.Context(), method, target, reader)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("creating request: %v", err))
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := upstream.Do(g.client, vectorBackendName, req)
	var data []byte
	if err == nil {
		data, err = upstream.ReadBody(vectorBackendName, resp)
	}
	RecordUpstreamDuration(vectorBackendName, route, statusLabel(err), time.Since(start).Seconds())
	RecordVectorRequest(route, statusLabel(err))
	g.recordOutcome(err)

	if err != nil {
		g.writeError(w, route, err)
		return
	}

	if !sonic.Valid(data) {
		writeJSON(w, resp.StatusCode, map[string]string{"data": string(data)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

// recordOutcome feeds the breaker. Any answer from the backend, error
// statuses included, shows it is reachable.
func (g *VectorGateway) recordOutcome(err error) {
	if g.breaker == nil {
		return
	}
	if upstream.IsUnreachable(err) {
		g.breaker.RecordFailure()
		return
	}
	if err == nil || errors.As(err, new(*upstream.BackendError)) {
		g.breaker.RecordSuccess()
	}
}

func (g *VectorGateway) writeError(w http.ResponseWriter, route string, err error) {
	if be, ok := upstream.AsBackendError(err); ok {
		var detail any = be.JSON()
		if detail == nil {
			detail = string(be.Body)
			if len(be.Body) == 0 {
				detail = "Vector service error"
			}
		}
		g.logger.Warn("Vector backend returned an error",
			zap.String("route", route),
			zap.Int("status", be.StatusCode))
		writeDetail(w, be.StatusCode, detail)
		return
	}

	var ue *upstream.UnreachableError
	if errors.As(err, &ue) {
		g.logger.Warn("Vector backend unreachable", zap.String("route", route), zap.Error(ue.Err))
		writeDetail(w, http.StatusBadGateway, fmt.Sprintf("Vector service unavailable: %v", ue.Err))
		return
	}

	writeUpstreamError(w, g.logger, err)
}
