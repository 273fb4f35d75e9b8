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

// Package pool manages bounded sets of expensive, stateful, non-thread-safe
// physical database connections.
//
// Callers supply a Creator factory producing opaque Conn handles and pick a
// pooling strategy. QueuePool is the production strategy: a bounded idle
// queue plus an overflow allowance, with blocking acquisition under a
// timeout. NullPool, StaticPool, SingletonTaskPool and AssertionPool cover
// no-pooling, fixed-single-connection, per-task and test scenarios.
//
// A successful acquisition returns a Checkout, a single-use handle that
// must be closed to return the connection. Lifecycle transitions (connect,
// checkout, checkin, reset, invalidate, close) fire events that can be
// observed at base, per-strategy or per-instance scope without the pool
// depending on the listeners.
//
// The pool never inspects connection errors. When the surrounding layer
// classifies an error as a disconnect, it calls Checkout.Invalidate and the
// pool transparently reconnects on the next acquisition of that slot.
package pool
