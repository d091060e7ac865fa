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

import "github.com/prometheus/client_golang/prometheus"

var (
	chatRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "chat_request_ops_total",
			Help:      "The total number of chat completion requests.",
		},
		[]string{"model", "mode"},
	)
	chatImageDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "chat_image_drops_total",
			Help:      "The total number of image content parts dropped during normalization.",
		},
		[]string{"reason"},
	)

	generateOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "generate_ops_total",
			Help:      "The total number of image generation submissions.",
		},
		[]string{"template", "outcome"},
	)
	taskRefreshOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "task_refresh_ops_total",
			Help:      "The total number of task refreshes, by resulting status.",
		},
		[]string{"status"},
	)

	vectorRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "vector_request_ops_total",
			Help:      "The total number of proxied vector requests.",
		},
		[]string{"route", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vllm",
			Subsystem: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Time taken by backend calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend", "endpoint", "status"},
	)
)

func init() {
	prometheus.MustRegister(chatRequestOps)
	prometheus.MustRegister(chatImageDrops)
	prometheus.MustRegister(generateOps)
	prometheus.MustRegister(taskRefreshOps)
	prometheus.MustRegister(vectorRequestOps)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(upstreamDuration)
}

// RecordChatRequest records a chat completion request
func RecordChatRequest(model, mode string) {
	chatRequestOps.WithLabelValues(model, mode).Inc()
}

// RecordImageDrop records a dropped image content part
func RecordImageDrop(reason string) {
	chatImageDrops.WithLabelValues(reason).Inc()
}

// RecordGenerate records the outcome of a generation submission
func RecordGenerate(template, outcome string) {
	generateOps.WithLabelValues(template, outcome).Inc()
}

// RecordTaskRefresh records the status a task refresh resulted in
func RecordTaskRefresh(status string) {
	taskRefreshOps.WithLabelValues(status).Inc()
}

// RecordVectorRequest records a proxied vector request
func RecordVectorRequest(route, status string) {
	vectorRequestOps.WithLabelValues(route, status).Inc()
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordUpstreamDuration records the duration of a backend call
func RecordUpstreamDuration(backend, endpoint, status string, seconds float64) {
	upstreamDuration.WithLabelValues(backend, endpoint, status).Observe(seconds)
}
