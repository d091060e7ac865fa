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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/upstream"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set by main from the release ldflags
var Version = "dev"

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "vllm-gateway",
	Short: "HTTP gateways for local inference, image generation and vector search",
	Long: `vllm-gateway fronts a local chat model server, a node-graph image
generation server and a vector-search service with stable HTTP APIs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command
func Execute() {
	rootCmd.Version = Version
	gateway.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded into the environment if present")

	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-style", "terminal", "log style (terminal, json, logfmt, noop)")
	mustBindPFlag("log.level", flags.Lookup("log-level"))
	mustBindPFlag("log.style", flags.Lookup("log-style"))

	flags.Int("health-port", 4200, "health/metrics server port")
	mustBindPFlag("health_port", flags.Lookup("health-port"))

	flags.Duration("connect-timeout", upstream.DefaultConnectTimeout, "backend connect timeout")
	flags.Duration("request-timeout", upstream.DefaultRequestTimeout, "backend request timeout")
	flags.Duration("download-timeout", upstream.DefaultDownloadTimeout, "backend file download timeout")
	mustBindPFlag("connect_timeout", flags.Lookup("connect-timeout"))
	mustBindPFlag("request_timeout", flags.Lookup("request-timeout"))
	mustBindPFlag("download_timeout", flags.Lookup("download-timeout"))
}

// initConfig layers the dotenv file, the environment and the config file
// under the command-line flags.
func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// bindAPIURL binds api_url to the running command's own --api-url, since
// every gateway has a different default listen address.
func bindAPIURL(cmd *cobra.Command, args []string) {
	mustBindPFlag("api_url", cmd.Flags().Lookup("api-url"))
}

func upstreamConfig() gateway.UpstreamConfig {
	return gateway.UpstreamConfig{
		ConnectTimeout:  viper.GetDuration("connect_timeout"),
		RequestTimeout:  viper.GetDuration("request_timeout"),
		DownloadTimeout: viper.GetDuration("download_timeout"),
	}
}
