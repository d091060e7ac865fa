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

package workflow

import (
	"go.uber.org/zap"
)

// Builder produces parameterized job graphs from templates.
type Builder struct {
	lib    *Library
	logger *zap.Logger
}

// NewBuilder creates a builder over lib.
func NewBuilder(lib *Library, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{lib: lib, logger: logger}
}

// Build returns a new graph for req. Parameter problems are reported as
// *UsageError, template problems as *TemplateError. The cached template is
// never modified.
func (b *Builder) Build(req *Request) (Graph, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	g, err := b.lib.Graph(req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := b.apply(g, req); err != nil {
		if te, ok := err.(*TemplateError); ok && te.TemplateID == "" {
			te.TemplateID = req.TemplateID
		}
		return nil, err
	}
	return g, nil
}

func (b *Builder) apply(g Graph, req *Request) error {
	prompt, err := g.PositivePrompt()
	if err != nil {
		return err
	}
	prompt["text"] = req.PromptText

	sampler, err := g.Sampler()
	if err != nil {
		return err
	}
	sampler["seed"] = req.Seed

	latent, err := g.Latent()
	if err != nil {
		return err
	}
	latent["width"] = req.Width
	latent["height"] = req.Height
	latent["batch_size"] = 1

	if req.TemplateID == TemplateLoraUpscale {
		if err := applyLora(g, req); err != nil {
			return err
		}
		if err := applyUpscale(g, req); err != nil {
			return err
		}
	} else if req.EnableLora || req.EnableUpscale || req.LoraName != "" || req.UpscaleModelName != "" {
		return usageErrorf("LoRA/upscale options are only valid for the %s template", TemplateLoraUpscale)
	}

	cfg := req.ResolvedCFG()
	samplers := g.SamplerIDs()
	if len(samplers) == 0 {
		b.logger.Warn("CFG not applied: no sampler node in template",
			zap.String("template", req.TemplateID),
			zap.Float64("cfg", cfg))
		return nil
	}
	for _, id := range samplers {
		g[id].Inputs["cfg"] = cfg
	}
	b.logger.Debug("Applied CFG to sampler nodes",
		zap.String("template", req.TemplateID),
		zap.Float64("cfg", cfg),
		zap.Strings("nodes", samplers))
	return nil
}

func applyLora(g Graph, req *Request) error {
	if req.EnableLora {
		if req.LoraName == "" {
			return usageErrorf("enable_lora is true but lora_name is empty")
		}
		loader, err := g.LoraLoader()
		if err != nil {
			return err
		}
		loader["lora_name"] = req.LoraName
		return nil
	}

	model, err := g.ModelConsumer()
	if err != nil {
		return err
	}
	clip, err := g.CLIPConsumer()
	if err != nil {
		return err
	}
	model["model"] = Edge(NodeBaseModel, 0)
	clip["clip"] = Edge(NodeBaseCLIP, 0)
	return nil
}

func applyUpscale(g Graph, req *Request) error {
	out, err := g.ImageOutput()
	if err != nil {
		return err
	}
	if !req.EnableUpscale {
		out["images"] = Edge(NodeDecoder, 0)
		return nil
	}

	if req.UpscaleModelName == "" {
		return usageErrorf("enable_upscale is true but upscale_model_name is empty")
	}
	if _, ok := UpscaleModels[req.UpscaleModelName]; !ok {
		return usageErrorf("upscale_model_name not allowed: %s", req.UpscaleModelName)
	}
	loader, err := g.UpscaleLoader()
	if err != nil {
		return err
	}
	loader["model_name"] = req.UpscaleModelName
	out["images"] = Edge(NodeUpscaler, 0)
	return nil
}
