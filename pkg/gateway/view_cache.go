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
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// maxCachedViewSize is the largest file kept in the view cache. Larger files
// are served but not retained.
const maxCachedViewSize = 32 << 20

// ViewFetcher reads one backend output file.
type ViewFetcher interface {
	ViewBytes(ctx context.Context, ref comfyui.ImageRef) ([]byte, string, error)
}

// CachedView is a fetched output file.
type CachedView struct {
	Data        []byte
	ContentType string
}

// ViewCache caches backend output files. Outputs are immutable once written,
// so entries only expire to bound memory.
type ViewCache struct {
	fetcher ViewFetcher
	cache   *ttlcache.Cache[string, CachedView]
	sfGroup singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewViewCache creates a cache in front of fetcher holding at most maxItems
// files for ttl each.
func NewViewCache(fetcher ViewFetcher, ttl time.Duration, maxItems int, logger *zap.Logger) *ViewCache {
	opts := []ttlcache.Option[string, CachedView]{
		ttlcache.WithTTL[string, CachedView](ttl),
	}
	if maxItems > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, CachedView](uint64(maxItems)))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	vc := &ViewCache{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger,
		cancel:  cancel,
	}

	go vc.logStats(ctx)

	return vc
}

// Get returns the file behind ref, fetching it on a miss. Concurrent misses
// for the same file share one backend call.
func (vc *ViewCache) Get(ctx context.Context, ref comfyui.ImageRef) (CachedView, error) {
	key := viewCacheKey(ref)

	if item := vc.cache.Get(key); item != nil {
		vc.hits.Add(1)
		RecordCacheHit("view")
		return item.Value(), nil
	}

	// The fetch outlives any one caller; each caller still stops waiting
	// when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := vc.sfGroup.DoChan(key, func() (any, error) {
		vc.misses.Add(1)
		RecordCacheMiss("view")

		start := time.Now()
		data, contentType, err := vc.fetcher.ViewBytes(fetchCtx, ref)
		RecordUpstreamDuration(comfyui.BackendName, "view", statusLabel(err), time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}

		view := CachedView{Data: data, ContentType: contentType}
		if len(data) <= maxCachedViewSize {
			vc.cache.Set(key, view, ttlcache.DefaultTTL)
		}

		vc.logger.Debug("Output file fetched",
			zap.String("filename", ref.Filename),
			zap.Int("bytes", len(data)),
			zap.Duration("duration", time.Since(start)))
		return view, nil
	})

	select {
	case <-ctx.Done():
		return CachedView{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return CachedView{}, res.Err
		}
		if res.Shared {
			vc.sfHits.Add(1)
		}
		return res.Val.(CachedView), nil
	}
}

// viewCacheKey hashes the identity of an output file.
func viewCacheKey(ref comfyui.ImageRef) string {
	h := xxhash.New()
	q := ref.Query()
	_, _ = h.WriteString(q.Get("filename"))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(q.Get("subfolder"))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(q.Get("type"))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Len returns the number of cached files.
func (vc *ViewCache) Len() int {
	return vc.cache.Len()
}

// Close stops the cache
func (vc *ViewCache) Close() {
	vc.cancel()
	vc.cache.Stop()
}

func (vc *ViewCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses := vc.hits.Load(), vc.misses.Load()
			if hits == 0 && misses == 0 {
				continue
			}
			vc.logger.Info("View cache stats",
				zap.Uint64("hits", hits),
				zap.Uint64("misses", misses),
				zap.Uint64("singleflight_hits", vc.sfHits.Load()),
				zap.Float64("hit_rate_pct", float64(hits)/float64(hits+misses)*100),
				zap.Int("items", vc.cache.Len()))
		}
	}
}
