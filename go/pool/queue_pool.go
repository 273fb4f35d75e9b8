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
	"time"

	"github.com/connkeep/connkeep/go/list"
)

const defaultTimeout = 30 * time.Second

// qwaiter represents one caller blocked in Connect. The channel receives
// either an idle record handed over directly by a returning checkout, or
// nil as a capacity grant telling the waiter to retry acquisition.
type qwaiter struct {
	ch chan *Record
}

// QueuePool is the production strategy: a FIFO of idle records bounded by
// PoolSize, plus an overflow allowance of MaxOverflow additional
// connections created on demand and discarded on return.
//
// Acquisition order: idle record, then base capacity, then overflow
// capacity, then block for up to Timeout. The counters and the waitlist
// share one mutex, held only for bookkeeping, never across waits or
// creator calls.
type QueuePool struct {
	core

	size        int
	maxOverflow int
	timeout     time.Duration

	mu      sync.Mutex
	idle    list.List[*Record]
	waiters list.List[*qwaiter]

	// baseCount is the number of non-overflow records in existence,
	// idle or checked out. overflowCount likewise for overflow records.
	baseCount     int
	overflowCount int
}

var _ Pool = (*QueuePool)(nil)

// NewQueuePool builds a QueuePool around the given creator.
func NewQueuePool(creator Creator, cfg Config) *QueuePool {
	p := &QueuePool{
		size:        cfg.PoolSize,
		maxOverflow: cfg.MaxOverflow,
		timeout:     cfg.Timeout,
	}
	if p.size <= 0 {
		p.size = defaultPoolSize
	}
	if p.timeout == 0 {
		p.timeout = defaultTimeout
	}
	p.core.init(KindQueue, creator, cfg)
	p.idle.Init()
	p.waiters.Init()
	return p
}

// Connect acquires a checkout, reusing the caller's task-local one when
// enabled.
func (p *QueuePool) Connect(ctx context.Context) (*Checkout, error) {
	return p.core.connect(ctx, p)
}

// UniqueConnect always acquires a distinct checkout.
func (p *QueuePool) UniqueConnect(ctx context.Context) (*Checkout, error) {
	return p.core.uniqueConnect(ctx, p)
}

func (p *QueuePool) get(ctx context.Context) (*Record, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.timeout, ErrTimeout)
		defer cancel()
	}

	var waitStart time.Time
	for {
		p.mu.Lock()
		if e := p.idle.Front(); e != nil {
			rec := e.Value
			p.idle.Remove(e)
			p.mu.Unlock()
			p.served(waitStart)
			p.idleToUsed(rec)
			return rec, nil
		}
		if p.baseCount < p.size {
			p.baseCount++
			p.mu.Unlock()
			rec, err := p.createRecord(ctx, false)
			if err == nil {
				p.served(waitStart)
			}
			return rec, err
		}
		if p.maxOverflow < 0 || p.overflowCount < p.maxOverflow {
			p.overflowCount++
			p.mu.Unlock()
			rec, err := p.createRecord(ctx, true)
			if err == nil {
				p.served(waitStart)
			}
			return rec, err
		}
		w := &qwaiter{ch: make(chan *Record)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()
		if waitStart.IsZero() {
			waitStart = time.Now()
		}

		select {
		case rec := <-w.ch:
			if rec != nil {
				p.served(waitStart)
				return rec, nil
			}
			// Capacity grant: loop and retry acquisition.

		case <-ctx.Done():
			p.mu.Lock()
			removed := p.waiters.Remove(elem)
			p.mu.Unlock()

			timedOut := errors.Is(context.Cause(ctx), ErrTimeout)

			gotGrant := false
			if !removed {
				// A hand-off or grant is committed to our channel.
				if rec := <-w.ch; rec != nil {
					if timedOut {
						// Capacity arrived just as our own timeout fired;
						// serving the request is the correct outcome, not
						// a spurious error.
						p.served(waitStart)
						return rec, nil
					}
					// The caller itself is gone; the record goes back.
					p.put(rec)
					return nil, context.Cause(ctx)
				}
				gotGrant = true
			}

			if timedOut {
				// The timeout and the capacity check must be decided as
				// one atomic step, not from a pre-wait snapshot: headroom
				// freed during our wake-up belongs to us, not to an error.
				if rec, ok, err := p.lastChance(context.WithoutCancel(ctx)); ok {
					if err == nil {
						p.served(waitStart)
					}
					return rec, err
				}
				p.metrics.timeout()
				return nil, context.Cause(ctx)
			}
			if gotGrant {
				// We consumed a capacity hint we cannot use; pass it on.
				p.mu.Lock()
				next := p.popWaiterLocked()
				p.mu.Unlock()
				if next != nil {
					p.grant(next)
				}
			}
			return nil, context.Cause(ctx)
		}
	}
}

// lastChance re-runs the acquisition decision atomically with respect to
// the counters. ok reports whether an idle record or capacity was
// claimed; when it claims creation capacity, the creation result is
// returned as (rec, true, err).
func (p *QueuePool) lastChance(ctx context.Context) (*Record, bool, error) {
	p.mu.Lock()
	if e := p.idle.Front(); e != nil {
		rec := e.Value
		p.idle.Remove(e)
		p.mu.Unlock()
		p.idleToUsed(rec)
		return rec, true, nil
	}
	if p.baseCount < p.size {
		p.baseCount++
		p.mu.Unlock()
		rec, err := p.createRecord(ctx, false)
		return rec, true, err
	}
	if p.maxOverflow < 0 || p.overflowCount < p.maxOverflow {
		p.overflowCount++
		p.mu.Unlock()
		rec, err := p.createRecord(ctx, true)
		return rec, true, err
	}
	p.mu.Unlock()
	return nil, false, nil
}

// createRecord creates a connection for a claimed capacity slot. On
// failure the slot is rolled back and a blocked waiter, if any, gets a
// grant so the freed slot is not lost.
func (p *QueuePool) createRecord(ctx context.Context, overflow bool) (*Record, error) {
	rec, err := p.newPoolRecord(ctx, overflow)
	if err != nil {
		p.mu.Lock()
		if overflow {
			p.overflowCount--
		} else {
			p.baseCount--
		}
		w := p.popWaiterLocked()
		p.mu.Unlock()
		if w != nil {
			p.grant(w)
		}
		return nil, err
	}
	return rec, nil
}

// put implements the return path. Overflow and stale-generation records
// are closed and discarded; base records are handed to a waiter when one
// is blocked, otherwise enqueued idle.
func (p *QueuePool) put(rec *Record) {
	stale := rec.generation != p.generation.Load()
	if stale || rec.overflow {
		p.mu.Lock()
		if rec.overflow {
			p.overflowCount--
		} else {
			p.baseCount--
		}
		w := p.popWaiterLocked()
		p.mu.Unlock()
		p.closeRecordConn(rec, stateUsed)
		if rec.overflow {
			p.echo("overflow connection discarded")
		}
		if w != nil {
			p.grant(w)
		}
		return
	}

	p.mu.Lock()
	if w := p.popWaiterLocked(); w != nil {
		p.mu.Unlock()
		w.ch <- rec
		runtime.Gosched()
		return
	}
	p.idle.PushBack(rec)
	p.mu.Unlock()
	p.usedToIdle(rec)
}

func (p *QueuePool) forget(rec *Record) {
	p.mu.Lock()
	if rec.overflow {
		p.overflowCount--
	} else {
		p.baseCount--
	}
	w := p.popWaiterLocked()
	p.mu.Unlock()
	if w != nil {
		p.grant(w)
	}
}

// popWaiterLocked pops the front waiter. A popped waiter is committed: it
// can no longer remove itself, so a blocking send on its channel is safe.
func (p *QueuePool) popWaiterLocked() *qwaiter {
	e := p.waiters.Front()
	if e == nil {
		return nil
	}
	p.waiters.Remove(e)
	return e.Value
}

func (p *QueuePool) grant(w *qwaiter) {
	w.ch <- nil
	runtime.Gosched()
}

// Dispose closes every idle connection and bumps the generation so
// checked-out connections are closed as they return. The pool stays
// usable and refills on demand.
func (p *QueuePool) Dispose() {
	p.generation.Add(1)
	p.mu.Lock()
	var drained []*Record
	for {
		e := p.idle.Front()
		if e == nil {
			break
		}
		drained = append(drained, e.Value)
		p.idle.Remove(e)
	}
	p.baseCount -= len(drained)
	p.mu.Unlock()
	for _, rec := range drained {
		p.closeRecordConn(rec, stateIdle)
	}
	p.logger.Info("pool disposed", "pool", p.name, "closed", len(drained))
}

// Recreate returns an empty QueuePool with the same creator and
// configuration.
func (p *QueuePool) Recreate() Pool {
	np := NewQueuePool(p.creator, p.cfg)
	np.adoptPropagated(&p.core)
	return np
}

func (p *QueuePool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       p.idle.Len(),
		CheckedOut: p.baseCount + p.overflowCount - p.idle.Len(),
		Overflow:   p.overflowCount,
		Waiters:    p.waiters.Len(),
	}
}
