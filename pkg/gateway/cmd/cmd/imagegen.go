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

package cmd

import (
	"context"

	"github.com/my2002n-ux/vllm-gateway/pkg/gateway"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var imagegenCmd = &cobra.Command{
	Use:    "imagegen",
	Short:  "Run the image generation gateway",
	Long:   `Serve POST /generate and the task endpoints, building job graphs from the bundled templates and tracking the jobs submitted to the graph backend.`,
	PreRun: bindAPIURL,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway("imagegen", func(ctx context.Context, logger *zap.Logger, readyC chan struct{}) {
			gateway.RunAsImageGateway(ctx, logger, imageGenConfig(), readyC)
		})
	},
}

func init() {
	rootCmd.AddCommand(imagegenCmd)

	flags := imagegenCmd.Flags()
	flags.String("api-url", "http://0.0.0.0:8001", "address to listen on")
	flags.String("comfyui-base-url", comfyui.DefaultBaseURL, "base URL of the graph backend")
	flags.String("templates-dir", "", "directory overriding the bundled job templates")
	flags.String("task-store", gateway.TaskStoreMemory, "task store: memory or redis")
	flags.String("redis-url", "", "redis:// URL of the task store")
	flags.Duration("task-ttl", 0, "expiry of redis task records (0 keeps them)")
	flags.Duration("view-cache-ttl", gateway.DefaultViewCacheTTL, "how long fetched output files are cached (0 disables)")
	flags.Int("view-cache-max-items", gateway.DefaultViewCacheMaxItems, "maximum number of cached output files")

	mustBindPFlag("comfyui_base_url", flags.Lookup("comfyui-base-url"))
	mustBindPFlag("templates_dir", flags.Lookup("templates-dir"))
	mustBindPFlag("task_store", flags.Lookup("task-store"))
	mustBindPFlag("redis_url", flags.Lookup("redis-url"))
	mustBindPFlag("task_ttl", flags.Lookup("task-ttl"))
	mustBindPFlag("view_cache_ttl", flags.Lookup("view-cache-ttl"))
	mustBindPFlag("view_cache_max_items", flags.Lookup("view-cache-max-items"))
}

func imageGenConfig() gateway.ImageGenConfig {
	return gateway.ImageGenConfig{
		ApiUrl:            viper.GetString("api_url"),
		ComfyUIBaseURL:    viper.GetString("comfyui_base_url"),
		TemplatesDir:      viper.GetString("templates_dir"),
		TaskStore:         viper.GetString("task_store"),
		RedisURL:          viper.GetString("redis_url"),
		TaskTTL:           viper.GetDuration("task_ttl"),
		ViewCacheTTL:      viper.GetDuration("view_cache_ttl"),
		ViewCacheMaxItems: viper.GetInt("view_cache_max_items"),
		Upstream:          upstreamConfig(),
	}
}
