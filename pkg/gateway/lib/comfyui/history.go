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

package comfyui

import (
	"net/url"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// Defaults for image descriptor fields the backend may omit.
const (
	DefaultImageType = "output"
)

// ImageRef addresses one output file in the backend's file namespace.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Width     *int   `json:"width,omitempty"`
	Height    *int   `json:"height,omitempty"`
}

// Query returns the filename/subfolder/type query identifying ref.
func (r ImageRef) Query() url.Values {
	t := r.Type
	if t == "" {
		t = DefaultImageType
	}
	return url.Values{
		"filename":  {r.Filename},
		"subfolder": {r.Subfolder},
		"type":      {t},
	}
}

// JobState is the classified state of a backend job: Succeeded, Failed or
// Pending.
type JobState interface {
	jobState()
}

// Succeeded means the job produced outputs.
type Succeeded struct {
	Outputs []ImageRef
}

// Failed means the job or the query about it failed.
type Failed struct {
	Message string
}

// Pending means the job has no outputs yet. Found is false when the history
// has no usable entry for the job at all.
type Pending struct {
	Found bool
}

func (Succeeded) jobState() {}
func (Failed) jobState()    {}
func (Pending) jobState()   {}

// ParseHistory classifies the history document of job promptID. Only a
// non-empty outputs map counts as success; an absent or malformed entry is
// Pending.
func ParseHistory(body []byte, promptID string) JobState {
	var doc map[string]any
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return Pending{}
	}
	entry, ok := doc[promptID].(map[string]any)
	if !ok {
		return Pending{}
	}

	if outputs, ok := entry["outputs"].(map[string]any); ok && len(outputs) > 0 {
		return Succeeded{Outputs: extractImages(outputs, outputOrder(body, promptID))}
	}

	if status, ok := entry["status"].(map[string]any); ok {
		if s, ok := status["status_str"].(string); ok && strings.Contains(strings.ToLower(s), "error") {
			return Failed{Message: s}
		}
	}
	return Pending{Found: true}
}

// outputOrder returns the node IDs of the job's outputs map in the order the
// backend wrote them.
func outputOrder(body []byte, promptID string) []string {
	node, err := sonic.Get(body, promptID, "outputs")
	if err != nil {
		return nil
	}
	var ids []string
	_ = node.ForEach(func(path ast.Sequence, _ *ast.Node) bool {
		if path.Key != nil {
			ids = append(ids, *path.Key)
		}
		return true
	})
	return ids
}

// extractImages collects image descriptors from every node output, walking
// nodes in order. Nodes missing from order follow, sorted by ID.
func extractImages(outputs map[string]any, order []string) []ImageRef {
	nodeIDs := make([]string, 0, len(outputs))
	seen := make(map[string]struct{}, len(outputs))
	for _, id := range order {
		if _, ok := outputs[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		nodeIDs = append(nodeIDs, id)
	}
	var rest []string
	for id := range outputs {
		if _, ok := seen[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	nodeIDs = append(nodeIDs, rest...)

	refs := []ImageRef{}
	for _, id := range nodeIDs {
		node, ok := outputs[id].(map[string]any)
		if !ok {
			continue
		}
		images, _ := node["images"].([]any)
		for _, item := range images {
			img, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ref := ImageRef{
				Filename:  stringField(img, "filename"),
				Subfolder: stringField(img, "subfolder"),
				Type:      stringField(img, "type"),
				Width:     intField(img, "width"),
				Height:    intField(img, "height"),
			}
			if ref.Type == "" {
				ref.Type = DefaultImageType
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) *int {
	f, ok := m[key].(float64)
	if !ok {
		return nil
	}
	v := int(f)
	return &v
}
