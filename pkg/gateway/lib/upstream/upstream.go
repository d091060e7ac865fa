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

// Package upstream holds the HTTP plumbing shared by every backend client:
// timeout-bounded clients and the error taxonomy that lets handlers tell a
// backend-reported failure apart from a backend that could not be reached.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// DefaultConnectTimeout bounds TCP connection establishment to a backend
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a whole buffered backend exchange
	DefaultRequestTimeout = 60 * time.Second

	// DefaultDownloadTimeout bounds file downloads, which carry larger payloads
	DefaultDownloadTimeout = 120 * time.Second

	// maxErrorBody caps how much of a failed response body is retained
	maxErrorBody = 4 << 20
)

// Timeouts configures the bounds applied to outbound backend calls.
type Timeouts struct {
	Connect time.Duration
	Total   time.Duration
}

// DefaultTimeouts returns the connect/total bounds used for regular API calls.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: DefaultConnectTimeout, Total: DefaultRequestTimeout}
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Total <= 0 {
		t.Total = DefaultRequestTimeout
	}
	return t
}

func newTransport(t Timeouts) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   t.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     6 * time.Minute,
		TLSHandshakeTimeout: t.Connect,
		ForceAttemptHTTP2:   true,
	}
}

// NewHTTPClient returns a client whose exchanges (headers and body) must
// complete within t.Total.
func NewHTTPClient(t Timeouts) *http.Client {
	t = t.withDefaults()
	return &http.Client{
		Timeout:   t.Total,
		Transport: newTransport(t),
	}
}

// NewStreamingHTTPClient returns a client for long-lived streamed responses.
// t.Total bounds the wait for response headers only; the body lives as long
// as the request context does.
func NewStreamingHTTPClient(t Timeouts) *http.Client {
	t = t.withDefaults()
	tr := newTransport(t)
	tr.ResponseHeaderTimeout = t.Total
	return &http.Client{Transport: tr}
}

// BackendError is returned when a backend answered, but with a non-success
// status or with an error embedded in an otherwise successful response.
// Body is the backend's response body, verbatim.
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "backend returned non-2xx response"
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Backend, msg, e.StatusCode)
}

// JSON returns the body decoded as JSON, or nil when it is not valid JSON.
func (e *BackendError) JSON() any {
	if len(e.Body) == 0 {
		return nil
	}
	var v any
	if err := sonic.Unmarshal(e.Body, &v); err != nil {
		return nil
	}
	return v
}

// UnreachableError is returned when a backend could not be reached at all:
// connection refused or reset, DNS failure, or a timeout.
type UnreachableError struct {
	Backend string
	Err     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("failed to reach %s: %v", e.Backend, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err is (or wraps) an UnreachableError.
func IsUnreachable(err error) bool {
	var ue *UnreachableError
	return errors.As(err, &ue)
}

// AsBackendError extracts a BackendError from err.
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Do sends req and classifies the outcome. On success the caller owns the
// response body. Transport failures become *UnreachableError, non-2xx answers
// become *BackendError with the body read and the response closed.
//
// A request whose own context was cancelled (the caller went away) is returned
// as the context error, not as an unreachable backend.
func Do(client *http.Client, backend string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, ctxErr
		}
		return nil, &UnreachableError{Backend: backend, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil && len(body) == 0 {
			body = []byte(readErr.Error())
		}
		return nil, &BackendError{
			Backend:    backend,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp, nil
}

// ReadBody reads a successful response fully. Failures while reading are
// reported as unreachable: the connection broke after headers arrived.
func ReadBody(backend string, resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnreachableError{Backend: backend, Err: fmt.Errorf("reading response: %w", err)}
	}
	return data, nil
}
