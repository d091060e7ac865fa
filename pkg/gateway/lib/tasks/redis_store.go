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
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKeyPrefix namespaces task keys
	DefaultRedisKeyPrefix = "vllm-gateway:task:"

	maxUpdateRetries = 32
)

// RedisStore keeps records as JSON strings in Redis, so task IDs survive
// gateway restarts and can be shared by several gateway replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL expires records ttl after their last write. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a store on client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL connects to the server at a redis:// URL.
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(redisOpts), opts...), nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(taskID string) string { return s.prefix + taskID }

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.TaskID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("storing task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	return s.get(ctx, s.client, taskID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, taskID string) (*Record, error) {
	data, err := c.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var rec Record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", taskID, err)
	}
	return &rec, nil
}

// Update runs fn inside an optimistic WATCH/MULTI transaction, retrying when
// another writer touched the record first.
func (s *RedisStore) Update(ctx context.Context, taskID string, fn func(*Record) error) (*Record, error) {
	key := s.key(taskID)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		data, err := sonic.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("updating task %s: gave up after %d conflicting writes", taskID, maxUpdateRetries)
}
