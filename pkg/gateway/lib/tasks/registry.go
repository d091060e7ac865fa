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

package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/comfyui"
	"github.com/my2002n-ux/vllm-gateway/pkg/gateway/lib/workflow"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoImages is returned when a task has no downloadable output.
var ErrNoImages = errors.New("no images available for this task")

// Backend is the part of the graph backend the registry drives.
type Backend interface {
	SubmitPrompt(ctx context.Context, clientID string, graph any) (string, error)
	JobState(ctx context.Context, promptID string) (comfyui.JobState, error)
}

// Registry submits jobs and keeps their task records current.
type Registry struct {
	store     Store
	backend   Backend
	logger    *zap.Logger
	newID     func() string
	now       func() time.Time
	onRefresh func(Status)

	refreshes singleflight.Group
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithIDGenerator replaces the task and client ID generator
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// WithClock replaces the clock used for CreatedAt
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = fn }
}

// WithRefreshHook registers fn to observe the status after every refresh
func WithRefreshHook(fn func(Status)) RegistryOption {
	return func(r *Registry) { r.onRefresh = fn }
}

// NewRegistry creates a registry over store and backend.
func NewRegistry(store Store, backend Backend, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:     store,
		backend:   backend,
		logger:    logger,
		newID:     NewID,
		now:       time.Now,
		onRefresh: func(Status) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewID returns a random 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Submit sends graph to the backend and records a running task for it.
// Backend errors are returned unchanged.
func (r *Registry) Submit(ctx context.Context, req *workflow.Request, graph workflow.Graph) (*Record, error) {
	clientID := r.newID()
	jobID, err := r.backend.SubmitPrompt(ctx, clientID, graph)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		TaskID:    r.newID(),
		JobID:     jobID,
		Status:    StatusRunning,
		Progress:  0.0,
		Outputs:   []comfyui.ImageRef{},
		Params:    *req,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording task: %w", err)
	}

	r.logger.Info("Submitted generation job",
		zap.String("taskId", rec.TaskID),
		zap.String("jobId", jobID),
		zap.String("template", req.TemplateID))
	return rec.Clone(), nil
}

// Get refreshes task taskID from the backend and returns it.
func (r *Registry) Get(ctx context.Context, taskID string) (*Record, error) {
	return r.Refresh(ctx, taskID)
}

// Refresh queries the backend history of taskID and folds the result into
// the record. Concurrent refreshes of one task share a single backend query.
func (r *Registry) Refresh(ctx context.Context, taskID string) (*Record, error) {
	rec, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	v, err, _ := r.refreshes.Do(taskID, func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		qctx := context.WithoutCancel(ctx)

		state, err := r.backend.JobState(qctx, rec.JobID)
		if err != nil {
			r.logger.Warn("Failed to query job history",
				zap.String("taskId", taskID),
				zap.String("jobId", rec.JobID),
				zap.Error(err))
			state = comfyui.Failed{Message: err.Error()}
		}

		updated, err := r.store.Update(qctx, taskID, func(rec *Record) error {
			rec.Apply(state)
			return nil
		})
		if err != nil {
			return nil, err
		}
		r.onRefresh(updated.Status)
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record).Clone(), nil
}

// Images returns the task's outputs, refreshing first when none are
// recorded yet.
func (r *Registry) Images(ctx context.Context, taskID string) ([]comfyui.ImageRef, error) {
	rec, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(rec.Outputs) == 0 {
		if rec, err = r.Refresh(ctx, taskID); err != nil {
			return nil, err
		}
	}
	return rec.Outputs, nil
}

// FirstImage returns the first downloadable output of taskID.
func (r *Registry) FirstImage(ctx context.Context, taskID string) (comfyui.ImageRef, error) {
	outputs, err := r.Images(ctx, taskID)
	if err != nil {
		return comfyui.ImageRef{}, err
	}
	rec := Record{Outputs: outputs}
	ref, ok := rec.FirstImage()
	if !ok {
		return comfyui.ImageRef{}, ErrNoImages
	}
	return ref, nil
}
