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

package e2e

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/my2002n-ux/vllm-gateway/pkg/client"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// startupTimeout bounds how long a gateway may take to start listening
const startupTimeout = 10 * time.Second

// runFunc matches the RunAs*Gateway entry points once their config is bound.
type runFunc func(ctx context.Context, zl *zap.Logger, readyC chan struct{})

// freeURL reserves a loopback port and returns its URL. The port is released
// before returning, so the gateway can bind it.
func freeURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return "http://" + addr
}

// startGateway runs a gateway in the background until the test ends and
// returns a client for it.
func startGateway(t *testing.T, apiURL string, run runFunc) *client.GatewayClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	readyC := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		run(ctx, zaptest.NewLogger(t), readyC)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-readyC:
	case <-done:
		t.Fatal("gateway exited before becoming ready")
	case <-time.After(startupTimeout):
		t.Fatal("timed out waiting for gateway")
	}

	c, err := client.NewGatewayClient(apiURL, &http.Client{Timeout: 30 * time.Second})
	require.NoError(t, err)
	return c
}

// startBackend serves a fake backend until the test ends.
func startBackend(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
