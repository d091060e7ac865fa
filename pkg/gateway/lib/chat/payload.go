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

package chat

import "github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/ollama"

// BuildPayload folds req into the backend's native chat request. Flat tuning
// fields only fill option keys the client did not set explicitly.
func BuildPayload(req *CompletionRequest, messages []ollama.Message) *ollama.ChatRequest {
	options := make(map[string]any, len(req.Options)+6)
	for k, v := range req.Options {
		options[k] = v
	}

	setFloat := func(key string, v *float64) {
		if v == nil {
			return
		}
		if _, ok := options[key]; !ok {
			options[key] = *v
		}
	}
	setFloat("temperature", req.Temperature)
	setFloat("top_p", req.TopP)
	setFloat("presence_penalty", req.PresencePenalty)
	setFloat("frequency_penalty", req.FrequencyPenalty)

	if req.MaxTokens != nil {
		if _, ok := options["num_predict"]; !ok {
			options["num_predict"] = *req.MaxTokens
		}
	}
	if req.Stop != nil {
		if _, ok := options["stop"]; !ok {
			options["stop"] = req.Stop.Value()
		}
	}
	if len(options) == 0 {
		options = nil
	}

	if messages == nil {
		messages = []ollama.Message{}
	}
	return &ollama.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
		Options:  options,
		Extra:    req.Extra,
	}
}
