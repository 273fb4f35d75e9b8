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
	"fmt"
	"sync"
)

// SingletonTaskPool maintains one connection per task identity: a task's
// repeated checkouts reuse its own record, and records never migrate
// between tasks. Connect requires a task identity in the context (see
// WithTaskID) and fails with ErrNoTaskIdentity otherwise.
//
// At most PoolSize task slots are retained; when a new task would exceed
// that, idle slots of other tasks are evicted oldest-first. A task whose
// record is already checked out cannot check it out a second time; enable
// UseTaskLocal for reentrant use.
type SingletonTaskPool struct {
	core

	size int

	mu     sync.Mutex
	recs   map[uint64]*Record
	owners map[*Record]uint64
}

var _ Pool = (*SingletonTaskPool)(nil)

// NewSingletonTaskPool builds a SingletonTaskPool around the given
// creator. MaxOverflow and Timeout are ignored.
func NewSingletonTaskPool(creator Creator, cfg Config) *SingletonTaskPool {
	p := &SingletonTaskPool{
		size:   cfg.PoolSize,
		recs:   make(map[uint64]*Record),
		owners: make(map[*Record]uint64),
	}
	if p.size <= 0 {
		p.size = defaultPoolSize
	}
	p.core.init(KindSingletonTask, creator, cfg)
	return p
}

func (p *SingletonTaskPool) Connect(ctx context.Context) (*Checkout, error) {
	return p.core.connect(ctx, p)
}

func (p *SingletonTaskPool) UniqueConnect(ctx context.Context) (*Checkout, error) {
	return p.core.uniqueConnect(ctx, p)
}

func (p *SingletonTaskPool) get(ctx context.Context) (*Record, error) {
	id, ok := p.taskID(ctx)
	if !ok {
		return nil, ErrNoTaskIdentity
	}

	p.mu.Lock()
	if rec := p.recs[id]; rec != nil {
		if rec.InCheckout() {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: task %d already holds a checkout", ErrAssertionPool, id)
		}
		if rec.generation != p.generation.Load() {
			p.mu.Unlock()
			p.closeRecordConn(rec, stateIdle)
			rec.generation = p.generation.Load()
			p.idleToUsed(rec)
			return rec, nil
		}
		p.mu.Unlock()
		p.idleToUsed(rec)
		return rec, nil
	}
	p.mu.Unlock()

	rec, err := p.newPoolRecord(ctx, false)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if prev := p.recs[id]; prev != nil {
		// Lost a same-task creation race; the loser's record replaces the
		// previous one, which must be idle or it would have been returned
		// above.
		delete(p.owners, prev)
		defer p.closeRecordConn(prev, stateIdle)
	}
	p.recs[id] = rec
	p.owners[rec] = id
	evicted := p.evictLocked(id)
	p.mu.Unlock()
	for _, old := range evicted {
		p.closeRecordConn(old, stateIdle)
	}
	return rec, nil
}

// evictLocked trims idle slots of other tasks until at most size slots
// remain. Busy slots are never evicted, so the bound is soft.
func (p *SingletonTaskPool) evictLocked(keep uint64) []*Record {
	if len(p.recs) <= p.size {
		return nil
	}
	var evicted []*Record
	for id, rec := range p.recs {
		if len(p.recs) <= p.size {
			break
		}
		if id == keep || rec.InCheckout() {
			continue
		}
		delete(p.recs, id)
		delete(p.owners, rec)
		evicted = append(evicted, rec)
	}
	return evicted
}

func (p *SingletonTaskPool) put(rec *Record) {
	p.mu.Lock()
	_, member := p.owners[rec]
	stale := rec.generation != p.generation.Load()
	if member && stale {
		// Close now but keep the slot; the task's next checkout
		// reconnects.
		p.mu.Unlock()
		p.closeRecordConn(rec, stateUsed)
		rec.generation = p.generation.Load()
		return
	}
	if !member {
		p.mu.Unlock()
		p.closeRecordConn(rec, stateUsed)
		return
	}
	p.mu.Unlock()
	p.usedToIdle(rec)
}

func (p *SingletonTaskPool) forget(rec *Record) {
	p.mu.Lock()
	if id, ok := p.owners[rec]; ok {
		delete(p.owners, rec)
		delete(p.recs, id)
	}
	p.mu.Unlock()
}

// Dispose closes all idle per-task connections and drops their slots.
// Checked-out connections are closed when they return.
func (p *SingletonTaskPool) Dispose() {
	p.generation.Add(1)
	p.mu.Lock()
	var drained []*Record
	for id, rec := range p.recs {
		if rec.InCheckout() {
			continue
		}
		delete(p.recs, id)
		delete(p.owners, rec)
		drained = append(drained, rec)
	}
	p.mu.Unlock()
	for _, rec := range drained {
		p.closeRecordConn(rec, stateIdle)
	}
	p.logger.Info("pool disposed", "pool", p.name, "closed", len(drained))
}

func (p *SingletonTaskPool) Recreate() Pool {
	np := NewSingletonTaskPool(p.creator, p.cfg)
	np.adoptPropagated(&p.core)
	return np
}

func (p *SingletonTaskPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st Stats
	for _, rec := range p.recs {
		if rec.InCheckout() {
			st.CheckedOut++
		} else {
			st.Idle++
		}
	}
	return st
}
