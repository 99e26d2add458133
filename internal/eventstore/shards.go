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

package eventstore

import (
	"hash/fnv"
	"sync"
)

// DefaultShardCount is used when NewShards is given a non-positive count.
const DefaultShardCount = 32

// Shards is a string-keyed map partitioned across independently locked
// shards. Operations on keys in different shards never contend.
type Shards[V any] struct {
	shards []*shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewShards creates a sharded map with n partitions.
func NewShards[V any](n int) *Shards[V] {
	if n <= 0 {
		n = DefaultShardCount
	}
	s := &Shards[V]{shards: make([]*shard[V], n)}
	for i := range s.shards {
		s.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return s
}

func (s *Shards[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the value stored under key.
func (s *Shards[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.m[key]
	return v, ok
}

// Store sets key to v.
func (s *Shards[V]) Store(key string, v V) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = v
	sh.mu.Unlock()
}

// LoadAndDelete removes key and returns its previous value.
func (s *Shards[V]) LoadAndDelete(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	return v, ok
}

// Update runs fn with the shard holding key exclusively locked. fn receives
// the current value (ok=false if absent) and returns the value to store;
// returning keep=false deletes the key.
func (s *Shards[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if keep {
		sh.m[key] = next
	} else if ok {
		delete(sh.m, key)
	}
}

// Range calls fn for every entry, one shard at a time under a read lock.
// Iteration stops when fn returns false. fn must not call back into s.
func (s *Shards[V]) Range(fn func(key string, v V) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Len returns the total number of entries.
func (s *Shards[V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
