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

// Package tasks tracks image-generation jobs under gateway-issued task IDs
// and refreshes their state from the backend job history on demand.
package tasks

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/workflow"
)

// Status is the simplified job status reported to clients.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ErrTaskNotFound is returned for unknown task IDs.
var ErrTaskNotFound = errors.New("task not found")

// Record is the tracked state of one submitted job.
type Record struct {
	TaskID    string             `json:"task_id"`
	JobID     string             `json:"job_id"`
	Status    Status             `json:"status"`
	Progress  float64            `json:"progress"`
	Message   string             `json:"message"`
	Outputs   []comfyui.ImageRef `json:"outputs"`
	Params    workflow.Request   `json:"params"`
	CreatedAt time.Time          `json:"created_at"`
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *Record) Clone() *Record {
	out := *r
	if r.Outputs != nil {
		out.Outputs = make([]comfyui.ImageRef, len(r.Outputs))
		copy(out.Outputs, r.Outputs)
	}
	if r.Params.CFG != nil {
		cfg := *r.Params.CFG
		out.Params.CFG = &cfg
	}
	return &out
}

// Apply folds a classified backend state into r. Success is the only
// transition that sets outputs, and running progress never decreases.
func (r *Record) Apply(state comfyui.JobState) {
	switch s := state.(type) {
	case comfyui.Succeeded:
		r.Outputs = s.Outputs
		r.Status = StatusSuccess
		r.Progress = 1.0
		r.Message = ""
	case comfyui.Failed:
		r.Status = StatusFailed
		r.Message = s.Message
		r.Progress = 0.0
	case comfyui.Pending:
		if !s.Found {
			r.Status = normalizeStatus(r.Status)
			return
		}
		r.Status = StatusRunning
		r.Progress = math.Max(r.Progress, 0.0)
	}
}

func normalizeStatus(s Status) Status {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed:
		return s
	default:
		return StatusRunning
	}
}

// FirstImage returns the first output with a filename.
func (r *Record) FirstImage() (comfyui.ImageRef, bool) {
	for _, ref := range r.Outputs {
		if ref.Filename != "" {
			return ref, true
		}
	}
	return comfyui.ImageRef{}, false
}

// Store persists task records. Get and Update return copies; Update applies
// fn to the stored record and persists the result atomically with respect to
// other Updates of the same store.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, taskID string) (*Record, error)
	Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error)
}
