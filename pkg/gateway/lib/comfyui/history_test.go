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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHistory(t *testing.T) {
	w, h := 1024, 768
	tests := []struct {
		name string
		body string
		want JobState
	}{
		{
			name: "empty document",
			body: `{}`,
			want: Pending{},
		},
		{
			name: "malformed json",
			body: `{"p":`,
			want: Pending{},
		},
		{
			name: "entry not an object",
			body: `{"p":"queued"}`,
			want: Pending{},
		},
		{
			name: "running",
			body: `{"p":{"outputs":{},"status":{"status_str":"running","completed":false}}}`,
			want: Pending{Found: true},
		},
		{
			name: "error status",
			body: `{"p":{"outputs":{},"status":{"status_str":"Execution_Error","completed":false}}}`,
			want: Failed{Message: "Execution_Error"},
		},
		{
			name: "outputs win over error status",
			body: `{"p":{"outputs":{"9":{"images":[{"filename":"a.png"}]}},"status":{"status_str":"error"}}}`,
			want: Succeeded{Outputs: []ImageRef{{Filename: "a.png", Type: "output"}}},
		},
		{
			name: "outputs with dimensions across nodes",
			body: `{"p":{"outputs":{
				"9":{"images":[{"filename":"b.png","subfolder":"s","type":"temp","width":1024,"height":768}]},
				"12":{"images":[{"filename":"a.png"}, "junk"]},
				"13":{"text":["no images"]}
			}}}`,
			want: Succeeded{Outputs: []ImageRef{
				{Filename: "b.png", Subfolder: "s", Type: "temp", Width: &w, Height: &h},
				{Filename: "a.png", Type: "output"},
			}},
		},
		{
			name: "outputs keep document order",
			body: `{"p":{"outputs":{
				"9":{"images":[{"filename":"final.png","type":"output"}]},
				"10":{"images":[{"filename":"preview.png","type":"temp"}]}
			}}}`,
			want: Succeeded{Outputs: []ImageRef{
				{Filename: "final.png", Type: "output"},
				{Filename: "preview.png", Type: "temp"},
			}},
		},
		{
			name: "outputs without images",
			body: `{"p":{"outputs":{"13":{"text":["x"]}}}}`,
			want: Succeeded{Outputs: []ImageRef{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHistory([]byte(tt.body), "p"))
		})
	}
}

func TestImageRef_Query(t *testing.T) {
	q := ImageRef{Filename: "a b.png"}.Query()
	require.Equal(t, "output", q.Get("type"))
	assert.Equal(t, "filename=a+b.png&subfolder=&type=output", q.Encode())
}
