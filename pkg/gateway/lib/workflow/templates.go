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
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Template IDs.
const (
	TemplateMin         = "min"
	TemplateLoraUpscale = "lora_upscale"
)

var templateFiles = map[string]string{
	TemplateMin:         "template_min.API_READY.json",
	TemplateLoraUpscale: "z_image_turbo_lora_upscale_api.final.prompt.json",
}

// TemplateIDs returns the known template IDs, sorted.
func TemplateIDs() []string {
	ids := make([]string, 0, len(templateFiles))
	for id := range templateFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

//go:embed templates/*.json
var embeddedTemplates embed.FS

// Library loads template documents once and hands out private copies.
type Library struct {
	fsys   fs.FS
	logger *zap.Logger

	mu     sync.Mutex
	parsed map[string]Graph
}

// NewLibrary returns a library reading templates from dir, or from the
// templates compiled into the binary when dir is empty.
func NewLibrary(dir string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	var fsys fs.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(embeddedTemplates, "templates")
		if err != nil {
			panic(err)
		}
		fsys = sub
	}
	return &Library{
		fsys:   fsys,
		logger: logger,
		parsed: make(map[string]Graph),
	}
}

// Graph returns a deep copy of template id that the caller may mutate.
func (l *Library) Graph(id string) (Graph, error) {
	g, err := l.load(id)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

func (l *Library) load(id string) (Graph, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if g, ok := l.parsed[id]; ok {
		return g, nil
	}

	name, ok := templateFiles[id]
	if !ok {
		return nil, &TemplateError{Msg: fmt.Sprintf("unknown template_id: %s", id)}
	}
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, &TemplateError{TemplateID: id, Msg: "failed to read template " + name, Err: err}
	}
	g, err := ParseTemplate(data)
	if err != nil {
		return nil, &TemplateError{TemplateID: id, Msg: "failed to load template " + name, Err: err}
	}

	l.parsed[id] = g
	l.logger.Debug("Loaded workflow template",
		zap.String("template", id),
		zap.String("file", name),
		zap.Int("nodes", len(g)))
	return g, nil
}

// ParseTemplate parses a template document. The node map may be the document
// itself or be nested under "prompt". Entries that are not nodes (objects
// with class_type and inputs) are dropped.
func ParseTemplate(data []byte) (Graph, error) {
	var doc map[string]any
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("template prompt must be an object map of nodes")
	}
	nodes := doc
	if p, ok := doc["prompt"].(map[string]any); ok {
		nodes = p
	}

	g := make(Graph, len(nodes))
	for id, v := range nodes {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		classType, ok := obj["class_type"].(string)
		if !ok {
			continue
		}
		inputs, ok := obj["inputs"].(map[string]any)
		if !ok {
			continue
		}
		n := &Node{ClassType: classType, Inputs: inputs}
		if meta, ok := obj["_meta"].(map[string]any); ok {
			n.Meta = meta
		}
		g[id] = n
	}
	if len(g) == 0 {
		return nil, fmt.Errorf("template prompt is missing node definitions")
	}
	return g, nil
}
