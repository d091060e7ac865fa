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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *countingFetcher) ViewBytes(ctx context.Context, ref comfyui.ImageRef) ([]byte, string, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("bytes of " + ref.Filename), "image/png", nil
}

func TestViewCache_HitsAfterFirstFetch(t *testing.T) {
	f := &countingFetcher{}
	vc := NewViewCache(f, time.Minute, 8, zaptest.NewLogger(t))
	defer vc.Close()

	ref := comfyui.ImageRef{Filename: "a.png"}
	for range 3 {
		v, err := vc.Get(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, "bytes of a.png", string(v.Data))
		assert.Equal(t, "image/png", v.ContentType)
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, vc.Len())

	// An explicit default type addresses the same file.
	_, err := vc.Get(context.Background(), comfyui.ImageRef{Filename: "a.png", Type: "output"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())

	_, err = vc.Get(context.Background(), comfyui.ImageRef{Filename: "a.png", Type: "temp"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestViewCache_CoalescesConcurrentMisses(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	vc := NewViewCache(f, time.Minute, 8, zaptest.NewLogger(t))
	defer vc.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := vc.Get(context.Background(), comfyui.ImageRef{Filename: "b.png"})
			assert.NoError(t, err)
			assert.Equal(t, "bytes of b.png", string(v.Data))
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestViewCache_CallerCancelDoesNotFailOthers(t *testing.T) {
	f := &countingFetcher{release: make(chan struct{})}
	vc := NewViewCache(f, time.Minute, 8, zaptest.NewLogger(t))
	defer vc.Close()
	ref := comfyui.ImageRef{Filename: "d.png"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := vc.Get(ctxA, ref)
		errA <- err
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		view CachedView
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := vc.Get(context.Background(), ref)
		resB <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(f.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, "bytes of d.png", string(r.view.Data))
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, vc.Len())
}

func TestViewCache_ErrorsNotCached(t *testing.T) {
	f := &countingFetcher{err: errors.New("backend down")}
	vc := NewViewCache(f, time.Minute, 8, zaptest.NewLogger(t))
	defer vc.Close()

	for range 2 {
		_, err := vc.Get(context.Background(), comfyui.ImageRef{Filename: "c.png"})
		assert.EqualError(t, err, "backend down")
	}
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 0, vc.Len())
}

func TestViewCacheKey(t *testing.T) {
	a := viewCacheKey(comfyui.ImageRef{Filename: "a.png", Subfolder: "x"})
	b := viewCacheKey(comfyui.ImageRef{Filename: "a.pngx", Subfolder: ""})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, viewCacheKey(comfyui.ImageRef{Filename: "a.png", Subfolder: "x", Type: "output"}))
}
