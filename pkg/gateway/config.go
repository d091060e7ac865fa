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
	"fmt"
	"strings"
	"time"

	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/chat"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
)

// Task store kinds for ImageGenConfig.TaskStore.
const (
	TaskStoreMemory = "memory"
	TaskStoreRedis  = "redis"
)

// Defaults for the view-bytes cache.
const (
	DefaultViewCacheTTL      = 10 * time.Minute
	DefaultViewCacheMaxItems = 256
)

// Defaults for the vector backend circuit breaker.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// UpstreamConfig holds the timeouts of outbound backend calls.
type UpstreamConfig struct {
	ConnectTimeout  time.Duration `json:"connect_timeout,omitempty"`
	RequestTimeout  time.Duration `json:"request_timeout,omitempty"`
	DownloadTimeout time.Duration `json:"download_timeout,omitempty"`
}

// Timeouts returns the bounds for regular API calls
func (c UpstreamConfig) Timeouts() upstream.Timeouts {
	return upstream.Timeouts{Connect: c.ConnectTimeout, Total: c.RequestTimeout}
}

// DownloadTimeouts returns the bounds for file downloads
func (c UpstreamConfig) DownloadTimeouts() upstream.Timeouts {
	total := c.DownloadTimeout
	if total <= 0 {
		total = upstream.DefaultDownloadTimeout
	}
	return upstream.Timeouts{Connect: c.ConnectTimeout, Total: total}
}

// ChatConfig configures the chat gateway.
type ChatConfig struct {
	// ApiUrl is the address the gateway listens on, e.g. http://0.0.0.0:8000
	ApiUrl string `json:"api_url"`
	// OllamaURL is the backend's native chat endpoint
	OllamaURL string `json:"ollama_url"`
	// VLModels lists image-capable models; empty selects the built-in list
	VLModels []string `json:"vl_models,omitempty"`
	// ImageDir is where persisted chat images are written
	ImageDir string `json:"image_dir"`
	// ImageBaseURL is the public URL prefix under which ImageDir is served
	ImageBaseURL string `json:"image_base_url"`
	// ImagePolicy is "persist" or "inline"
	ImagePolicy string `json:"image_policy,omitempty"`

	Upstream UpstreamConfig `json:"upstream"`
}

// Validate checks the configuration and fills defaults.
func (c *ChatConfig) Validate() error {
	if c.ApiUrl == "" {
		return fmt.Errorf("api_url is required")
	}
	if _, err := chat.ParseImagePolicy(c.ImagePolicy); err != nil {
		return err
	}
	if c.ImageDir == "" {
		c.ImageDir = "images"
	}
	if c.ImageBaseURL == "" {
		c.ImageBaseURL = c.ApiUrl + "/images"
	}
	return nil
}

// ImageGenConfig configures the image-generation gateway.
type ImageGenConfig struct {
	ApiUrl         string `json:"api_url"`
	ComfyUIBaseURL string `json:"comfyui_base_url"`
	// TemplatesDir overrides the templates compiled into the binary
	TemplatesDir string `json:"templates_dir,omitempty"`
	// TaskStore is "memory" or "redis"
	TaskStore string `json:"task_store,omitempty"`
	RedisURL  string `json:"redis_url,omitempty"`
	// TaskTTL expires Redis task records after their last update; zero keeps
	// them forever
	TaskTTL time.Duration `json:"task_ttl,omitempty"`
	// ViewCacheTTL bounds how long fetched output files are kept; zero or
	// negative disables the cache
	ViewCacheTTL      time.Duration `json:"view_cache_ttl,omitempty"`
	ViewCacheMaxItems int           `json:"view_cache_max_items,omitempty"`

	Upstream UpstreamConfig `json:"upstream"`
}

// Validate checks the configuration and fills defaults.
func (c *ImageGenConfig) Validate() error {
	if c.ApiUrl == "" {
		return fmt.Errorf("api_url is required")
	}
	switch c.TaskStore {
	case "":
		c.TaskStore = TaskStoreMemory
	case TaskStoreMemory:
	case TaskStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when task_store is %q", TaskStoreRedis)
		}
	default:
		return fmt.Errorf("unknown task_store %q (want %s or %s)", c.TaskStore, TaskStoreMemory, TaskStoreRedis)
	}
	if c.ViewCacheMaxItems <= 0 {
		c.ViewCacheMaxItems = DefaultViewCacheMaxItems
	}
	return nil
}

// VectorConfig configures the vector gateway.
type VectorConfig struct {
	ApiUrl     string `json:"api_url"`
	VectorBase string `json:"vector_base"`
	// BreakerThreshold is the number of consecutive transport failures
	// after which calls fail fast; negative disables the breaker
	BreakerThreshold int           `json:"breaker_threshold,omitempty"`
	BreakerTimeout   time.Duration `json:"breaker_timeout,omitempty"`

	Upstream UpstreamConfig `json:"upstream"`
}

// Validate checks the configuration.
func (c *VectorConfig) Validate() error {
	if c.ApiUrl == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.VectorBase == "" {
		return fmt.Errorf("vector_base is required")
	}
	c.VectorBase = strings.TrimSuffix(c.VectorBase, "/")
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	return nil
}
