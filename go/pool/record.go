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

// Record wraps one physical connection with pool bookkeeping. The record
// outlives its connection: on invalidation the connection is closed and
// replaced on the next acquisition, while the record (and its info map)
// stays stable.
//
// A record is owned by exactly one party at a time: the pool while idle,
// or the goroutine holding its checkout. Its fields therefore need no
// locking beyond the atomics used for lock-free observation.
type Record struct {
	// conn is the owned physical connection. nil while invalidated and
	// not yet reconnected.
	conn Conn

	// timeCreated is when conn was (re)created, for recycle expiry.
	timeCreated timestamp

	// info is free-form per-connection metadata, mutable by listeners.
	// It survives reconnects.
	info map[string]any

	// fresh is true from physical creation until the first checkout of
	// that connection completes.
	fresh bool

	// overflow marks a record created beyond the pool's base size. Such
	// records are discarded on checkin instead of being requeued.
	overflow bool

	// generation is the pool generation the connection was created under.
	// Dispose bumps the pool generation; stale records are closed when
	// they come back instead of rejoining the pool.
	generation uint64

	// checkoutID identifies the checkout currently holding this record,
	// or zero when idle. Lookup only, never an ownership edge.
	checkoutID atomic.Uint64
}

func newRecord(overflow bool, generation uint64) *Record {
	return &Record{
		info:       make(map[string]any),
		overflow:   overflow,
		generation: generation,
	}
}

// Conn returns the physical connection, or nil while invalidated.
func (r *Record) Conn() Conn {
	return r.conn
}

// Info returns the record's metadata map. The map is shared with the pool
// and must only be mutated by the goroutine holding the checkout (which
// includes event listeners fired on its behalf).
func (r *Record) Info() map[string]any {
	return r.info
}

// Fresh reports whether the current physical connection has never
// completed a checkout. Checkout listeners use it to tell a brand-new
// connection from a reused one.
func (r *Record) Fresh() bool {
	return r.fresh
}

// Age returns how long ago the current physical connection was created.
func (r *Record) Age() time.Duration {
	return r.timeCreated.elapsed()
}

// InCheckout reports whether some checkout currently holds this record.
func (r *Record) InCheckout() bool {
	return r.checkoutID.Load() != 0
}

// expired reports whether the connection has outlived ttl.
func (r *Record) expired(ttl time.Duration) bool {
	return r.timeCreated.elapsed() > ttl
}

// live reports whether the record holds a usable connection.
func (r *Record) live() bool {
	return r.conn != nil && !r.conn.IsClosed()
}
