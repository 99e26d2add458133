// Copyright 2025 Tom Barlow
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

// Package eventstore provides the bounded, concurrency-safe containers
// shared by the trace recorder, the alert engine and the assignment engine.
//
// Ring is a fixed-capacity FIFO: pushing beyond capacity evicts the oldest
// element under the same lock as the insert, so concurrent writers can
// neither lose nor duplicate entries. Shards is a string-keyed map split
// across independently locked partitions.
package eventstore

import (
	"fmt"
	"sync"
)

// Ring is a bounded FIFO buffer with O(1) append and eviction.
type Ring[T any] struct {
	mu      sync.RWMutex
	buf     []T
	head    int // index of the oldest element
	size    int
	evicted uint64
}

// NewRing creates a ring holding at most capacity elements.
// It panics if capacity is not positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("eventstore: ring capacity must be positive, got %d", capacity))
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest element is evicted and
// returned with ok=true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}

	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
	return evicted, true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Evicted returns how many elements have been dropped since creation.
func (r *Ring[T]) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}

// at returns the i-th element counted from the newest (0 = newest).
// Caller must hold the lock.
func (r *Ring[T]) at(i int) *T {
	idx := (r.head + r.size - 1 - i) % len(r.buf)
	return &r.buf[idx]
}

// Newest returns up to limit elements, newest first. A limit <= 0 returns
// every element.
func (r *Ring[T]) Newest(limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = *r.at(i)
	}
	return out
}

// Snapshot returns every element, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Find returns the newest element matching pred.
func (r *Ring[T]) Find(pred func(T) bool) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		if v := r.at(i); pred(*v) {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// Filter returns up to limit elements matching pred, newest first.
func (r *Ring[T]) Filter(pred func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []T
	for i := 0; i < r.size; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		if v := r.at(i); pred(*v) {
			out = append(out, *v)
		}
	}
	return out
}

// UpdateNewest walks from newest to oldest and calls fn on each element
// until fn reports that it applied a change. Returns the updated value.
func (r *Ring[T]) UpdateNewest(fn func(*T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.size; i++ {
		if v := r.at(i); fn(v) {
			return *v, true
		}
	}
	var zero T
	return zero, false
}
