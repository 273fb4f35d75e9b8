// Copyright 2025 The Connkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"sync"
)

// TaskIDFunc extracts the current task identity from a context. Go has no
// ambient goroutine identity, so identity is carried explicitly; this
// also keeps the design portable to runtimes where "current task" means
// something else entirely.
type TaskIDFunc func(ctx context.Context) (uint64, bool)

type taskIDKey struct{}

// WithTaskID returns a context carrying the given task identity. id must
// be non-zero.
func WithTaskID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFromContext is the default TaskIDFunc: it reads the identity
// stored by WithTaskID.
func TaskIDFromContext(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(taskIDKey{}).(uint64)
	return id, ok && id != 0
}

// localStore maps task identities to their current checkout, backing
// task-local reentrant Connect. At most one checkout is stored per
// identity; reentrant acquisitions bump the checkout's reference count
// and the pool-level release happens when the count drains.
type localStore struct {
	mu    sync.Mutex
	slots map[uint64]*Checkout
}

func newLocalStore() *localStore {
	return &localStore{slots: make(map[uint64]*Checkout)}
}

// acquire returns the task's live checkout with its reference count
// bumped, or nil if the task holds none.
func (ls *localStore) acquire(id uint64) *Checkout {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	co := ls.slots[id]
	if co == nil {
		return nil
	}
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		delete(ls.slots, id)
		return nil
	}
	co.refs++
	co.mu.Unlock()
	return co
}

func (ls *localStore) store(id uint64, co *Checkout) {
	ls.mu.Lock()
	ls.slots[id] = co
	ls.mu.Unlock()
}

// drop clears the task's slot if it still points at co.
func (ls *localStore) drop(id uint64, co *Checkout) {
	ls.mu.Lock()
	if ls.slots[id] == co {
		delete(ls.slots, id)
	}
	ls.mu.Unlock()
}
