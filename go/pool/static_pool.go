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

// StaticPool maintains exactly one connection shared by all callers, one
// checkout at a time. Concurrent Connect calls serialize: each blocks,
// subject to Timeout, until the previous checkout returns. The single
// record persists across invalidation and Dispose and reconnects lazily
// on its next checkout.
type StaticPool struct {
	core

	timeout time.Duration

	mu      sync.Mutex
	rec     *Record
	busy    bool
	waiters list.List[*qwaiter]
}

var _ Pool = (*StaticPool)(nil)

// NewStaticPool builds a StaticPool around the given creator. PoolSize
// and MaxOverflow are ignored.
func NewStaticPool(creator Creator, cfg Config) *StaticPool {
	p := &StaticPool{timeout: cfg.Timeout}
	if p.timeout == 0 {
		p.timeout = defaultTimeout
	}
	p.core.init(KindStatic, creator, cfg)
	p.waiters.Init()
	return p
}

func (p *StaticPool) Connect(ctx context.Context) (*Checkout, error) {
	return p.core.connect(ctx, p)
}

func (p *StaticPool) UniqueConnect(ctx context.Context) (*Checkout, error) {
	return p.core.uniqueConnect(ctx, p)
}

func (p *StaticPool) get(ctx context.Context) (*Record, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.timeout, ErrTimeout)
		defer cancel()
	}

	var waitStart time.Time
	for {
		if rec, ok, err := p.acquireSlot(ctx); ok {
			if err == nil {
				p.served(waitStart)
			}
			return rec, err
		}
		w := &qwaiter{ch: make(chan *Record)}
		p.mu.Lock()
		if p.busy {
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
				// Slot freed without a record; retry and create.

			case <-ctx.Done():
				p.mu.Lock()
				removed := p.waiters.Remove(elem)
				p.mu.Unlock()

				timedOut := errors.Is(context.Cause(ctx), ErrTimeout)

				gotGrant := false
				if !removed {
					if rec := <-w.ch; rec != nil {
						if timedOut {
							p.served(waitStart)
							return rec, nil
						}
						p.put(rec)
						return nil, context.Cause(ctx)
					}
					gotGrant = true
				}

				if timedOut {
					// Decide timeout and slot availability in one atomic
					// step; a slot freed during wake-up is ours.
					if rec, ok, err := p.acquireSlot(context.WithoutCancel(ctx)); ok {
						if err == nil {
							p.served(waitStart)
						}
						return rec, err
					}
					p.metrics.timeout()
					return nil, context.Cause(ctx)
				}
				if gotGrant {
					p.mu.Lock()
					next := p.popWaiterLocked()
					p.mu.Unlock()
					if next != nil {
						next.ch <- nil
						runtime.Gosched()
					}
				}
				return nil, context.Cause(ctx)
			}
		} else {
			p.mu.Unlock()
		}
	}
}

// acquireSlot claims the single slot if it is free. ok reports whether
// the slot was claimed; the record is created on first use.
func (p *StaticPool) acquireSlot(ctx context.Context) (*Record, bool, error) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.busy = true
	rec := p.rec
	p.mu.Unlock()

	if rec == nil {
		rec, err := p.newPoolRecord(ctx, false)
		if err != nil {
			p.releaseSlot()
			return nil, true, err
		}
		p.mu.Lock()
		p.rec = rec
		p.mu.Unlock()
		return rec, true, nil
	}

	if rec.generation != p.generation.Load() {
		p.closeRecordConn(rec, stateIdle)
		rec.generation = p.generation.Load()
	}
	p.idleToUsed(rec)
	return rec, true, nil
}

// releaseSlot frees the slot without a record to hand over and wakes one
// waiter to retry.
func (p *StaticPool) releaseSlot() {
	p.mu.Lock()
	p.busy = false
	w := p.popWaiterLocked()
	p.mu.Unlock()
	if w != nil {
		w.ch <- nil
		runtime.Gosched()
	}
}

func (p *StaticPool) put(rec *Record) {
	if rec.generation != p.generation.Load() {
		p.closeRecordConn(rec, stateUsed)
		rec.generation = p.generation.Load()
	}
	p.mu.Lock()
	if w := p.popWaiterLocked(); w != nil {
		// The slot transfers directly; busy stays set.
		p.mu.Unlock()
		w.ch <- rec
		runtime.Gosched()
		return
	}
	p.busy = false
	p.mu.Unlock()
	p.usedToIdle(rec)
}

func (p *StaticPool) forget(rec *Record) {
	p.mu.Lock()
	if p.rec == rec {
		p.rec = nil
	}
	p.mu.Unlock()
	p.releaseSlot()
}

func (p *StaticPool) popWaiterLocked() *qwaiter {
	e := p.waiters.Front()
	if e == nil {
		return nil
	}
	p.waiters.Remove(e)
	return e.Value
}

// Dispose closes the connection if it is idle; a checked-out connection
// is closed when it returns. The record persists and reconnects on the
// next checkout.
func (p *StaticPool) Dispose() {
	p.generation.Add(1)
	closed := 0
	p.mu.Lock()
	if !p.busy && p.rec != nil && p.rec.live() {
		p.closeRecordConn(p.rec, stateIdle)
		closed = 1
	}
	p.mu.Unlock()
	p.logger.Info("pool disposed", "pool", p.name, "closed", closed)
}

func (p *StaticPool) Recreate() Pool {
	np := NewStaticPool(p.creator, p.cfg)
	np.adoptPropagated(&p.core)
	return np
}

func (p *StaticPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Waiters: p.waiters.Len()}
	if p.busy {
		st.CheckedOut = 1
	} else if p.rec != nil && p.rec.live() {
		st.Idle = 1
	}
	return st
}
