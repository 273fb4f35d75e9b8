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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Kind identifies a pooling strategy. Kind-scoped event listeners are
// keyed by it.
type Kind string

const (
	KindQueue         Kind = "queue"
	KindSingletonTask Kind = "singleton_task"
	KindStatic        Kind = "static"
	KindNull          Kind = "null"
	KindAssertion     Kind = "assertion"
)

// Pool is the contract shared by all pooling strategies.
type Pool interface {
	// Connect acquires a checkout. With task-local mode enabled and a
	// task identity present in ctx, a checkout already held by the same
	// task is returned again instead of acquiring a new one.
	Connect(ctx context.Context) (*Checkout, error)

	// UniqueConnect always acquires a distinct checkout, bypassing
	// task-local reuse.
	UniqueConnect(ctx context.Context) (*Checkout, error)

	// Dispose closes all currently idle connections. Checked-out
	// connections are unaffected until they return, at which point they
	// are closed instead of rejoining the pool. The pool stays usable.
	Dispose()

	// Recreate returns an empty pool of the same strategy and
	// configuration. Base- and kind-scoped listeners apply to the new
	// pool; instance listeners only if registered with Propagate.
	Recreate() Pool

	// Listen registers an instance-scoped event listener.
	Listen(event string, fn any, opts ...ListenOption) error

	// Stats returns a point-in-time population snapshot.
	Stats() Stats

	// Kind returns the strategy identifier.
	Kind() Kind

	// Name returns the configured pool name.
	Name() string
}

// Stats is a point-in-time population snapshot.
type Stats struct {
	// Idle connections held by the pool, available for reuse.
	Idle int
	// CheckedOut connections currently held by callers.
	CheckedOut int
	// Overflow connections in existence beyond the base size.
	Overflow int
	// Waiters blocked in Connect.
	Waiters int
}

// Config holds configuration shared by all strategies. The zero value is
// usable; strategies apply their own defaults where noted.
type Config struct {
	// Name identifies the pool in logs and metrics. Defaults to the
	// strategy kind.
	Name string

	// PoolSize is the target number of connections kept by the pool.
	// QueuePool keeps at most this many idle; SingletonTaskPool retains
	// this many task slots. Defaults to 5.
	PoolSize int

	// MaxOverflow is how many connections QueuePool may create beyond
	// PoolSize. Zero allows none; negative means unbounded.
	MaxOverflow int

	// Timeout bounds how long a blocking acquisition waits. Zero means
	// the 30s default; negative disables the pool-imposed deadline
	// (the caller's context still applies).
	Timeout time.Duration

	// Recycle is the maximum age of a connection before it is closed and
	// replaced on its next acquisition. Zero disables recycling.
	Recycle time.Duration

	// ResetOnReturn selects what is issued on a connection at checkin.
	ResetOnReturn ResetMode

	// UseTaskLocal enables reentrant per-task checkouts on Connect.
	UseTaskLocal bool

	// TaskID extracts the current task identity from a context.
	// Defaults to TaskIDFromContext.
	TaskID TaskIDFunc

	// Echo enables debug logging of every connection lifecycle step.
	Echo bool

	// Logger receives pool logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Listeners supplies base- and kind-scoped event registries. Nil
	// means no out-of-band listeners.
	Listeners *Listeners

	// Meter enables OpenTelemetry pool metrics when non-nil.
	Meter metric.Meter
}

const defaultPoolSize = 5

// core carries the state and behavior shared by every strategy: the
// creator, event dispatch, recycle/reset policy, logging and metrics.
// Strategies embed it and provide allocation policy through the strategy
// interface.
type core struct {
	name    string
	kind    Kind
	creator Creator
	cfg     Config

	logger   *slog.Logger
	dispatch *dispatch
	metrics  *poolMetrics

	local  *localStore
	taskID TaskIDFunc

	// firstConnected latches the first_connect event. firstMu serializes
	// concurrent first creations so first_connect listeners finish before
	// any connect fires.
	firstConnected atomic.Bool
	firstMu        sync.Mutex

	// generation is bumped by Dispose; records from older generations
	// are closed when they return instead of rejoining the pool.
	generation atomic.Uint64

	checkoutSeq atomic.Uint64
}

// strategy is the allocation policy a concrete pool provides to core.
type strategy interface {
	// get produces a record to check out: an idle one or a new one.
	// It may block, subject to the pool's timeout.
	get(ctx context.Context) (*Record, error)

	// put takes a record back after checkin processing.
	put(rec *Record)

	// forget drops a record from the pool's bookkeeping (detach).
	// The physical connection is not touched.
	forget(rec *Record)
}

func (c *core) init(kind Kind, creator Creator, cfg Config) {
	c.kind = kind
	c.creator = creator
	c.cfg = cfg
	c.name = cfg.Name
	if c.name == "" {
		c.name = string(kind)
	}
	c.logger = cfg.Logger
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.dispatch = newDispatch(cfg.Listeners, kind)
	var err error
	c.metrics, err = newPoolMetrics(cfg.Meter, c.name)
	if err != nil {
		c.logger.Warn("pool metrics unavailable", "pool", c.name, "err", err)
	}
	if cfg.UseTaskLocal {
		c.local = newLocalStore()
	}
	c.taskID = cfg.TaskID
	if c.taskID == nil {
		c.taskID = TaskIDFromContext
	}
}

// Kind returns the strategy identifier.
func (c *core) Kind() Kind {
	return c.kind
}

// Name returns the configured pool name.
func (c *core) Name() string {
	return c.name
}

// Listen registers an instance-scoped event listener.
func (c *core) Listen(event string, fn any, opts ...ListenOption) error {
	return c.dispatch.listen(event, fn, opts...)
}

// adoptPropagated copies the propagate-marked instance listeners of a
// predecessor pool, for Recreate.
func (c *core) adoptPropagated(from *core) {
	for _, ent := range from.dispatch.propagatedEntries() {
		_ = c.dispatch.listen(ent.event, ent.fn, Propagate())
	}
}

func (c *core) echo(msg string, args ...any) {
	if c.cfg.Echo {
		c.logger.Debug(msg, append([]any{"pool", c.name}, args...)...)
	}
}

// connect implements Pool.Connect on top of a strategy, including
// task-local reuse.
func (c *core) connect(ctx context.Context, s strategy) (*Checkout, error) {
	if c.local != nil {
		if id, ok := c.taskID(ctx); ok {
			if co := c.local.acquire(id); co != nil {
				c.echo("reusing task-local checkout", "task", id)
				return co, nil
			}
			co, err := c.uniqueConnect(ctx, s)
			if err != nil {
				return nil, err
			}
			co.bindLocal(c.local, id)
			c.local.store(id, co)
			return co, nil
		}
	}
	return c.uniqueConnect(ctx, s)
}

// uniqueConnect implements Pool.UniqueConnect on top of a strategy.
func (c *core) uniqueConnect(ctx context.Context, s strategy) (*Checkout, error) {
	rec, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.checkoutRecord(ctx, rec, s)
}

// checkoutRecord turns an acquired record into a live Checkout: it
// reconnects invalidated or recycle-expired connections, fires the
// checkout event, and honors listener-forced retries.
func (c *core) checkoutRecord(ctx context.Context, rec *Record, s strategy) (*Checkout, error) {
	for {
		if err := c.ensureLive(ctx, rec); err != nil {
			// The record's slot goes back to the pool empty; the next
			// acquirer will attempt the reconnect again.
			s.put(rec)
			return nil, err
		}
		co := newCheckout(c, s, rec)
		rec.checkoutID.Store(co.id)
		err := c.dispatch.fireCheckout(rec.conn, rec, co)
		if err == nil {
			rec.fresh = false
			c.echo("connection checked out", "checkout", co.id)
			return co, nil
		}
		rec.checkoutID.Store(0)
		co.abort()
		if errors.Is(err, ErrInvalidCheckout) {
			c.invalidateRecord(rec, err)
			continue
		}
		s.put(rec)
		return nil, err
	}
}

// ensureLive makes sure rec holds a usable connection, reconnecting after
// invalidation and replacing connections past the recycle interval. The
// record object and its info map stay stable across the swap.
func (c *core) ensureLive(ctx context.Context, rec *Record) error {
	if rec.live() {
		ttl := c.cfg.Recycle
		if ttl <= 0 || !rec.expired(ttl) {
			return nil
		}
		c.echo("connection exceeded recycle interval, replacing", "age", rec.Age())
		c.closeRecordConn(rec, stateUsed)
	}
	conn, err := c.createConn(ctx)
	if err != nil {
		return err
	}
	rec.conn = conn
	rec.fresh = true
	rec.timeCreated.update()
	c.metrics.conns(1, stateUsed)
	// Concurrent first creations serialize here: no connect may fire
	// until the first_connect listeners have completed. The latch is set
	// under the mutex only after they return, so the fast-path load never
	// races a still-running listener.
	if !c.firstConnected.Load() {
		c.firstMu.Lock()
		if !c.firstConnected.Load() {
			c.dispatch.fireFirstConnect(conn, rec)
			c.firstConnected.Store(true)
		}
		c.firstMu.Unlock()
	}
	c.dispatch.fireConnect(conn, rec)
	c.echo("created new connection")
	return nil
}

func (c *core) createConn(ctx context.Context) (Conn, error) {
	conn, err := c.creator(ctx)
	if err != nil {
		c.logger.Error("connection creation failed", "pool", c.name, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return conn, nil
}

// newPoolRecord creates a record with a live connection, firing
// first_connect/connect as appropriate. On failure no record exists and
// the caller must roll back any capacity it claimed.
func (c *core) newPoolRecord(ctx context.Context, overflow bool) (*Record, error) {
	rec := newRecord(overflow, c.generation.Load())
	if err := c.ensureLive(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// closeRecordConn closes the record's physical connection, firing the
// close event. state tells the metrics which population it leaves.
func (c *core) closeRecordConn(rec *Record, state string) {
	if rec.conn == nil {
		return
	}
	conn := rec.conn
	rec.conn = nil
	c.dispatch.fireClose(conn, rec)
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing connection", "pool", c.name, "err", err)
		}
	}
	c.metrics.conns(-1, state)
	c.echo("closed connection")
}

// served records the wait-time metric for an acquisition that blocked
// before succeeding. A zero waitStart means it never blocked.
func (c *core) served(waitStart time.Time) {
	if !waitStart.IsZero() {
		c.metrics.waited(time.Since(waitStart))
	}
}

// idleToUsed and usedToIdle record the state transition of a record's
// live connection between the idle and used metric populations.
func (c *core) idleToUsed(rec *Record) {
	if rec.conn != nil {
		c.metrics.conns(-1, stateIdle)
		c.metrics.conns(1, stateUsed)
	}
}

func (c *core) usedToIdle(rec *Record) {
	if rec.conn != nil {
		c.metrics.conns(-1, stateUsed)
		c.metrics.conns(1, stateIdle)
	}
}

// invalidateRecord marks the record's connection dead and closes it
// immediately. The record itself stays poolable and reconnects lazily.
func (c *core) invalidateRecord(rec *Record, cause error) {
	if rec.conn == nil {
		return
	}
	conn := rec.conn
	c.dispatch.fireInvalidate(conn, rec, cause)
	c.logger.Info("invalidated connection", "pool", c.name, "err", cause)
	rec.conn = nil
	rec.fresh = false
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("error closing invalidated connection", "pool", c.name, "err", err)
		}
	}
	c.metrics.conns(-1, stateUsed)
}

// checkinRecord runs the return path: reset-on-return, the checkin event,
// and handing the record back to the strategy.
func (c *core) checkinRecord(rec *Record, s strategy) {
	if rec.live() {
		c.dispatch.fireReset(rec.conn, rec)
		var err error
		switch c.cfg.ResetOnReturn {
		case ResetRollback:
			err = rec.conn.Rollback()
		case ResetCommit:
			err = rec.conn.Commit()
		}
		if err != nil {
			c.logger.Warn("reset on return failed, invalidating connection",
				"pool", c.name, "mode", c.cfg.ResetOnReturn.String(), "err", err)
			c.invalidateRecord(rec, err)
		}
	}
	rec.checkoutID.Store(0)
	c.dispatch.fireCheckin(rec.conn, rec)
	c.echo("connection checked in")
	s.put(rec)
}
