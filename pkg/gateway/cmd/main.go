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

// Command vllm-gateway runs the HTTP gateways in front of the local
// inference, image-generation and vector-search backends.
//
// Each gateway is its own server process:
//
// Usage:
//
//	vllm-gateway chat       # OpenAI-compatible chat completions
//	vllm-gateway imagegen   # Image generation jobs and task tracking
//	vllm-gateway vector     # Vector-search pass-through
//
// Every flag can also be set through the environment (OLLAMA_URL,
// COMFYUI_BASE_URL, VECTOR_BASE, ...), a .env file, or --config.
package main

import "github.com/my2002n-ux/vllm-gateway/pkg/gateway/cmd/cmd"

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
