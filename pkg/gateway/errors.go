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
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic/encoder"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON error body written by every gateway.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encoder.NewStreamEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}

// writeUpstreamError reports a failed backend call. A backend-reported error
// keeps the backend's status and carries its body verbatim; an unreachable
// backend is a 502.
func writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Debug("Client went away before the backend answered")
		return
	}
	if be, ok := upstream.AsBackendError(err); ok {
		logger.Warn("Backend rejected request",
			zap.String("backend", be.Backend),
			zap.Int("status", be.StatusCode),
			zap.ByteString("body", truncateBytes(be.Body, 500)))
		writeDetail(w, be.StatusCode, string(be.Body))
		return
	}
	if upstream.IsUnreachable(err) {
		logger.Warn("Backend unreachable", zap.Error(err))
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	logger.Error("Backend call failed", zap.Error(err))
	writeDetail(w, http.StatusInternalServerError, err.Error())
}

// statusLabel classifies err for metric labels.
func statusLabel(err error) string {
	if err == nil {
		return "200"
	}
	if be, ok := upstream.AsBackendError(err); ok {
		return strconv.Itoa(be.StatusCode)
	}
	if upstream.IsUnreachable(err) {
		return "unreachable"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
