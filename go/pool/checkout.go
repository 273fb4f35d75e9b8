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
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// Checkout is the handle for one outstanding use of a pooled connection.
// It proxies the record for the duration of the checkout and returns it
// to the pool on Close. A Checkout is single-use: after Close or a
// post-Detach Close, every operation fails with ErrAlreadyClosed.
//
// If a Checkout becomes garbage without being closed, a best-effort
// cleanup returns the connection and logs a warning. Do not rely on it:
// use WithConn, or a defer, to guarantee the release.
type Checkout struct {
	id uint64
	c  *core
	s  strategy

	mu       sync.Mutex
	rec      *Record
	detached bool
	closed   bool

	// refs counts task-local reentrant acquisitions of this checkout.
	refs   int
	local  *localStore
	taskID uint64

	guard   *leakGuard
	cleanup runtime.Cleanup
}

// leakGuard carries what the GC cleanup needs to return a leaked
// checkout's connection. It must not reference the Checkout itself.
type leakGuard struct {
	c        *core
	s        strategy
	rec      *Record
	detached atomic.Bool
}

func (g *leakGuard) recover() {
	g.c.logger.Warn("checkout was never closed, reclaiming connection",
		"pool", g.c.name)
	if g.detached.Load() {
		if conn := g.rec.conn; conn != nil {
			g.c.dispatch.fireCloseDetached(conn)
			_ = conn.Close()
		}
		return
	}
	g.c.checkinRecord(g.rec, g.s)
}

func newCheckout(c *core, s strategy, rec *Record) *Checkout {
	co := &Checkout{
		id:   c.checkoutSeq.Add(1),
		c:    c,
		s:    s,
		rec:  rec,
		refs: 1,
	}
	co.guard = &leakGuard{c: c, s: s, rec: rec}
	co.cleanup = runtime.AddCleanup(co, func(g *leakGuard) { g.recover() }, co.guard)
	return co
}

// Conn returns the physical connection, or nil if the checkout is no
// longer open or its record was invalidated.
func (co *Checkout) Conn() Conn {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.rec == nil {
		return nil
	}
	return co.rec.conn
}

// Record returns the connection record, or nil after Close.
func (co *Checkout) Record() *Record {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.rec
}

// Info returns the record's metadata map, or nil after Close.
func (co *Checkout) Info() map[string]any {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.rec == nil {
		return nil
	}
	return co.rec.info
}

// IsValid reports whether the checkout is open and holds a live
// connection.
func (co *Checkout) IsValid() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return !co.closed && co.rec != nil && co.rec.live()
}

// Close returns the connection to the pool. Closing an already-closed
// checkout fails with ErrAlreadyClosed; that strictness exists to flush
// out double-close bugs rather than hide them.
//
// Under task-local reuse, Close undoes one Connect; the connection is
// only returned when the last reference closes.
func (co *Checkout) Close() error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return ErrAlreadyClosed
	}
	if co.refs > 1 {
		co.refs--
		co.mu.Unlock()
		return nil
	}
	co.closed = true
	rec := co.rec
	co.rec = nil
	detached := co.detached
	local, taskID := co.local, co.taskID
	co.cleanup.Stop()
	co.mu.Unlock()

	if local != nil {
		local.drop(taskID, co)
	}
	if detached {
		if conn := rec.conn; conn != nil {
			co.c.dispatch.fireCloseDetached(conn)
			if err := conn.Close(); err != nil {
				return err
			}
		}
		return nil
	}
	co.c.checkinRecord(rec, co.s)
	return nil
}

// Invalidate marks the underlying connection dead and closes it
// immediately, firing the invalidate event with cause. The checkout stays
// open; Close then returns the empty record to the pool, and the next
// acquirer of that slot reconnects transparently.
func (co *Checkout) Invalidate(cause error) error {
	co.mu.Lock()
	if co.closed {
		co.mu.Unlock()
		return ErrAlreadyClosed
	}
	rec := co.rec
	co.mu.Unlock()
	co.c.invalidateRecord(rec, cause)
	return nil
}

// Detach permanently removes the connection from pool management. The
// pool's counters are released and it will create a replacement on its
// next need; the checkout keeps proxying the connection, which now
// belongs to the caller. Close afterwards closes the connection and fires
// close_detached instead of checking in.
func (co *Checkout) Detach() error {
	co.mu.Lock()
	if co.closed || co.detached {
		co.mu.Unlock()
		return ErrAlreadyClosed
	}
	co.detached = true
	co.guard.detached.Store(true)
	rec := co.rec
	co.mu.Unlock()
	co.s.forget(rec)
	if rec.conn != nil {
		co.c.metrics.conns(-1, stateUsed)
	}
	co.c.echo("connection detached", "checkout", co.id)
	return nil
}

// abort makes a never-issued checkout inert after a checkout listener
// rejected it. The record is handled by the caller.
func (co *Checkout) abort() {
	co.mu.Lock()
	co.closed = true
	co.rec = nil
	co.cleanup.Stop()
	co.mu.Unlock()
}

// bindLocal ties the checkout to a task-local slot.
func (co *Checkout) bindLocal(local *localStore, taskID uint64) {
	co.mu.Lock()
	co.local = local
	co.taskID = taskID
	co.mu.Unlock()
}

// WithConn acquires a checkout, runs fn with it, and releases it on every
// exit path, including panics. This is the guaranteed release mechanism;
// the GC-based leak recovery is only a safety net.
func WithConn(ctx context.Context, p Pool, fn func(*Checkout) error) (err error) {
	co, err := p.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cerr := co.Close()
		if cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) && err == nil {
			err = cerr
		}
	}()
	return fn(co)
}
