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
	"sync/atomic"
	"time"
)

var monotonicRoot = time.Now()

// timestamp is a monotonic point in time, stored as nanoseconds since the
// monotonic root. It is 8 bytes and can always be accessed atomically,
// which lets record ages be read without taking the pool lock.
type timestamp struct {
	nano atomic.Int64
}

// monotonicNow returns the current monotonic time as a time.Duration.
// time.Since subtracts monotonic clocks directly, ignoring the wall clock.
func monotonicNow() time.Duration {
	return time.Since(monotonicRoot)
}

func (t *timestamp) get() time.Duration {
	return time.Duration(t.nano.Load())
}

// elapsed returns how much time has passed since the timestamp was updated.
func (t *timestamp) elapsed() time.Duration {
	return monotonicNow() - t.get()
}

// update sets this timestamp to the current monotonic time.
func (t *timestamp) update() {
	t.nano.Store(int64(monotonicNow()))
}
