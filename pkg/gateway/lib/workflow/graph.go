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

// Package workflow turns generation requests into parameterized node graphs
// for the image-generation backend.
//
// A graph maps node IDs to nodes; edges are [producer_node_id, output_index]
// pairs stored in a consumer's inputs. The shipped templates use a fixed
// addressing scheme, exposed through the Node* constants and the role
// accessors on Graph.
package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Node IDs of the roles the builder writes to.
const (
	NodePositivePrompt = "45" // text, and the clip edge
	NodeSampler        = "44" // seed
	NodeLatent         = "41" // width, height, batch_size
	NodeBaseModel      = "46"
	NodeBaseCLIP       = "39"
	NodeLoraLoader     = "48" // lora_name
	NodeModelConsumer  = "47" // model edge
	NodeCLIPConsumer   = "45" // clip edge
	NodeUpscaleLoader  = "49" // model_name
	NodeUpscaler       = "50"
	NodeDecoder        = "43"
	NodeImageOutput    = "9" // images edge
)

// SamplerClassPrefix marks the nodes that receive the CFG value.
const SamplerClassPrefix = "KSampler"

// Node is one graph node in the backend's API format.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is a job graph keyed by node ID.
type Graph map[string]*Node

// Edge returns the input value linking to output index of node id.
func Edge(id string, output int) []any {
	return []any{id, output}
}

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, n := range g {
		if n == nil {
			continue
		}
		out[id] = &Node{
			ClassType: n.ClassType,
			Inputs:    cloneMap(n.Inputs),
			Meta:      cloneMap(n.Meta),
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Inputs returns the inputs of node id, failing when the node is missing or
// has no inputs object.
func (g Graph) Inputs(id string) (map[string]any, error) {
	n, ok := g[id]
	if !ok || n == nil {
		return nil, &TemplateError{Msg: fmt.Sprintf("node %s not found in template", id)}
	}
	if n.Inputs == nil {
		return nil, &TemplateError{Msg: fmt.Sprintf("node %s inputs missing or invalid", id)}
	}
	return n.Inputs, nil
}

func (g Graph) PositivePrompt() (map[string]any, error) { return g.Inputs(NodePositivePrompt) }
func (g Graph) Sampler() (map[string]any, error)        { return g.Inputs(NodeSampler) }
func (g Graph) Latent() (map[string]any, error)         { return g.Inputs(NodeLatent) }
func (g Graph) LoraLoader() (map[string]any, error)     { return g.Inputs(NodeLoraLoader) }
func (g Graph) ModelConsumer() (map[string]any, error)  { return g.Inputs(NodeModelConsumer) }
func (g Graph) CLIPConsumer() (map[string]any, error)   { return g.Inputs(NodeCLIPConsumer) }
func (g Graph) UpscaleLoader() (map[string]any, error)  { return g.Inputs(NodeUpscaleLoader) }
func (g Graph) ImageOutput() (map[string]any, error)    { return g.Inputs(NodeImageOutput) }

// SamplerIDs returns, sorted, the IDs of nodes whose class type starts with
// SamplerClassPrefix and that have inputs.
func (g Graph) SamplerIDs() []string {
	var ids []string
	for id, n := range g {
		if n != nil && n.Inputs != nil && strings.HasPrefix(n.ClassType, SamplerClassPrefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
