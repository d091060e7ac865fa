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
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/chat"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/ollama"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var chatCmd = &cobra.Command{
	Use:    "chat",
	Short:  "Run the chat gateway",
	Long:   `Serve POST /v1/chat/completions, translating OpenAI-style requests (text and image parts) into the native chat API of the model server.`,
	PreRun: bindAPIURL,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway("chat", func(ctx context.Context, logger *zap.Logger, readyC chan struct{}) {
			gateway.RunAsChatGateway(ctx, logger, chatConfig(), readyC)
		})
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)

	flags := chatCmd.Flags()
	flags.String("api-url", "http://0.0.0.0:8000", "address to listen on")
	flags.String("ollama-url", ollama.DefaultChatURL, "native chat endpoint of the model server")
	flags.StringSlice("vl-models", chat.DefaultVLModels, "models that accept image input")
	flags.String("image-dir", "images", "directory persisted chat images are written to")
	flags.String("image-base-url", "", "public URL prefix of image-dir (default <api-url>/images)")
	flags.String("image-policy", string(chat.PolicyPersist), "inline image handling: persist or inline")

	mustBindPFlag("ollama_url", flags.Lookup("ollama-url"))
	mustBindPFlag("vl_models", flags.Lookup("vl-models"))
	mustBindPFlag("image_dir", flags.Lookup("image-dir"))
	mustBindPFlag("image_base_url", flags.Lookup("image-base-url"))
	mustBindPFlag("image_policy", flags.Lookup("image-policy"))
}

func chatConfig() gateway.ChatConfig {
	return gateway.ChatConfig{
		ApiUrl:       viper.GetString("api_url"),
		OllamaURL:    viper.GetString("ollama_url"),
		VLModels:     viper.GetStringSlice("vl_models"),
		ImageDir:     viper.GetString("image_dir"),
		ImageBaseURL: viper.GetString("image_base_url"),
		ImagePolicy:  viper.GetString("image_policy"),
		Upstream:     upstreamConfig(),
	}
}
