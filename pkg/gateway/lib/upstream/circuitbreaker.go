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

package upstream

import (
	"sync/atomic"
	"time"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker stops calls to a backend after threshold consecutive
// failures. Once timeout has passed it lets exactly one trial request
// through; the trial's outcome closes or reopens the circuit.
type CircuitBreaker struct {
	threshold int32
	timeout   time.Duration

	state    int32
	failures int32
	// openedAt is when the circuit last opened or admitted a trial request
	openedAt atomic.Int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: int32(threshold), timeout: timeout}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	if atomic.LoadInt32(&cb.state) == stateClosed {
		return true
	}
	// Open, or half-open with a trial request in flight. A trial whose
	// caller never reported back is replaced after timeout.
	t := cb.openedAt.Load()
	if time.Since(time.Unix(0, t)) < cb.timeout {
		return false
	}
	if !cb.openedAt.CompareAndSwap(t, time.Now().UnixNano()) {
		return false
	}
	atomic.StoreInt32(&cb.state, stateHalfOpen)
	return true
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt32(&cb.failures, 0)
	atomic.StoreInt32(&cb.state, stateClosed)
}

// RecordFailure counts a failed call, opening the circuit at threshold. A
// failed trial request reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	if atomic.LoadInt32(&cb.state) == stateHalfOpen {
		cb.openedAt.Store(time.Now().UnixNano())
		atomic.CompareAndSwapInt32(&cb.state, stateHalfOpen, stateOpen)
		return
	}
	if atomic.AddInt32(&cb.failures, 1) >= cb.threshold {
		cb.openedAt.Store(time.Now().UnixNano())
		atomic.CompareAndSwapInt32(&cb.state, stateClosed, stateOpen)
	}
}

// Open reports whether calls are currently being rejected.
func (cb *CircuitBreaker) Open() bool {
	return atomic.LoadInt32(&cb.state) != stateClosed
}
