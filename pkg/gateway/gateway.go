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

// Package gateway implements the three HTTP gateways: the OpenAI-compatible
// chat gateway, the image-generation gateway and the vector-search
// pass-through. Each runs as its own server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// corsMiddleware adds permissive CORS headers for browser front ends
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// readinessCheck reports whether a gateway's dependencies are usable.
type readinessCheck func(ctx context.Context) error

// newRootMux mounts the health endpoints and the API description next to a
// gateway's own handler.
func newRootMux(api http.Handler, ready readinessCheck) *http.ServeMux {
	rootMux := http.NewServeMux()

	rootMux.HandleFunc("GET /healthz", handleHealthz)
	rootMux.HandleFunc("GET /readyz", readyzHandler(ready))
	rootMux.HandleFunc("GET /openapi.yaml", handleOpenAPI)

	rootMux.Handle("/", api)
	return rootMux
}

// serve runs handler on the host named by apiURL until ctx is cancelled,
// then shuts the server down gracefully. If readyC is non-nil, it is closed
// once the server is accepting requests.
func serve(ctx context.Context, zl *zap.Logger, apiURL string, handler http.Handler, readyC chan struct{}) error {
	u, err := url.Parse(apiURL)
	if err != nil {
		return fmt.Errorf("invalid API URL %q: %w", apiURL, err)
	}

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           corsMiddleware(handler),
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Bind before signalling readiness so callers can connect immediately.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("API server starting", zap.String("address", apiURL))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
	return nil
}

// RunAsChatGateway runs the chat gateway until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsChatGateway(ctx context.Context, zl *zap.Logger, config ChatConfig, readyC chan struct{}) {
	zl = zl.Named("chat")
	if err := config.Validate(); err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}
	zl.Info("Starting chat gateway", zap.Any("config", config))

	g, err := NewChatGateway(zl, config)
	if err != nil {
		zl.Fatal("Failed to create chat gateway", zap.Error(err))
	}

	if err := serve(ctx, zl, config.ApiUrl, newRootMux(g.Handler(), nil), readyC); err != nil {
		zl.Fatal("HTTP server error", zap.Error(err))
	}
}

// RunAsImageGateway runs the image-generation gateway until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsImageGateway(ctx context.Context, zl *zap.Logger, config ImageGenConfig, readyC chan struct{}) {
	zl = zl.Named("imagegen")
	if err := config.Validate(); err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}
	zl.Info("Starting image generation gateway", zap.Any("config", config))

	store, closeStore, err := OpenTaskStore(ctx, zl, config)
	if err != nil {
		zl.Fatal("Failed to open task store", zap.Error(err))
	}
	defer closeStore()

	g := NewImageGateway(zl, config, store)
	defer g.Close()

	if err := serve(ctx, zl, config.ApiUrl, newRootMux(g.Handler(), g.Ready), readyC); err != nil {
		zl.Fatal("HTTP server error", zap.Error(err))
	}
}

// RunAsVectorGateway runs the vector pass-through until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsVectorGateway(ctx context.Context, zl *zap.Logger, config VectorConfig, readyC chan struct{}) {
	zl = zl.Named("vector")
	if err := config.Validate(); err != nil {
		zl.Fatal("Invalid configuration", zap.Error(err))
	}
	zl.Info("Starting vector gateway", zap.Any("config", config))

	g := NewVectorGateway(zl, config)

	if err := serve(ctx, zl, config.ApiUrl, newRootMux(g.Handler(), nil), readyC); err != nil {
		zl.Fatal("HTTP server error", zap.Error(err))
	}
}
