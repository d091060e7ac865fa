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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var vectorCmd = &cobra.Command{
	Use:    "vector",
	Short:  "Run the vector search gateway",
	Long:   `Relay /api/vector/* to the vector-search service.`,
	PreRun: bindAPIURL,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway("vector", func(ctx context.Context, logger *zap.Logger, readyC chan struct{}) {
			gateway.RunAsVectorGateway(ctx, logger, vectorConfig(), readyC)
		})
	},
}

func init() {
	rootCmd.AddCommand(vectorCmd)

	flags := vectorCmd.Flags()
	flags.String("api-url", "http://0.0.0.0:8002", "address to listen on")
	flags.String("vector-base", "http://localhost:9001", "base URL of the vector-search service")
	flags.Int("breaker-threshold", gateway.DefaultBreakerThreshold, "consecutive connection failures before failing fast (-1 disables)")
	flags.Duration("breaker-timeout", gateway.DefaultBreakerTimeout, "how long to fail fast before probing the backend again")

	mustBindPFlag("vector_base", flags.Lookup("vector-base"))
	mustBindPFlag("breaker_threshold", flags.Lookup("breaker-threshold"))
	mustBindPFlag("breaker_timeout", flags.Lookup("breaker-timeout"))
}

func vectorConfig() gateway.VectorConfig {
	return gateway.VectorConfig{
		ApiUrl:           viper.GetString("api_url"),
		VectorBase:       viper.GetString("vector_base"),
		BreakerThreshold: viper.GetInt("breaker_threshold"),
		BreakerTimeout:   viper.GetDuration("breaker_timeout"),
		Upstream:         upstreamConfig(),
	}
}
