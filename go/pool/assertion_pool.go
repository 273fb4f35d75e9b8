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
	"runtime/debug"
	"sync"
)

// AssertionPool maintains one connection and asserts that at most one
// checkout exists at any time. A second concurrent checkout fails with
// ErrAssertionPool, and the error carries the stack of the call that took
// the outstanding checkout. Intended for tests that must prove their code
// uses a single connection.
type AssertionPool struct {
	core

	mu         sync.Mutex
	rec        *Record
	checkedOut bool
	// stack of the acquisition currently outstanding.
	stack []byte
}

var _ Pool = (*AssertionPool)(nil)

// NewAssertionPool builds an AssertionPool around the given creator.
// PoolSize, MaxOverflow and Timeout are ignored.
func NewAssertionPool(creator Creator, cfg Config) *AssertionPool {
	p := &AssertionPool{}
	p.core.init(KindAssertion, creator, cfg)
	return p
}

func (p *AssertionPool) Connect(ctx context.Context) (*Checkout, error) {
	return p.core.connect(ctx, p)
}

func (p *AssertionPool) UniqueConnect(ctx context.Context) (*Checkout, error) {
	return p.core.uniqueConnect(ctx, p)
}

func (p *AssertionPool) get(ctx context.Context) (*Record, error) {
	p.mu.Lock()
	if p.checkedOut {
		err := fmt.Errorf("%w: connection is already checked out at:\n%s",
			ErrAssertionPool, p.stack)
		p.mu.Unlock()
		return nil, err
	}
	p.checkedOut = true
	p.stack = debug.Stack()
	rec := p.rec
	p.mu.Unlock()

	if rec == nil {
		rec, err := p.newPoolRecord(ctx, false)
		if err != nil {
			p.mu.Lock()
			p.checkedOut = false
			p.stack = nil
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.rec = rec
		p.mu.Unlock()
		return rec, nil
	}

	if rec.generation != p.generation.Load() {
		p.closeRecordConn(rec, stateIdle)
		rec.generation = p.generation.Load()
	}
	p.idleToUsed(rec)
	return rec, nil
}

func (p *AssertionPool) put(rec *Record) {
	if rec.generation != p.generation.Load() {
		p.closeRecordConn(rec, stateUsed)
		rec.generation = p.generation.Load()
	}
	p.mu.Lock()
	p.checkedOut = false
	p.stack = nil
	p.mu.Unlock()
	p.usedToIdle(rec)
}

func (p *AssertionPool) forget(rec *Record) {
	p.mu.Lock()
	if p.rec == rec {
		p.rec = nil
	}
	p.checkedOut = false
	p.stack = nil
	p.mu.Unlock()
}

// Dispose closes the connection if it is idle; a checked-out connection
// is closed when it returns.
func (p *AssertionPool) Dispose() {
	p.generation.Add(1)
	closed := 0
	p.mu.Lock()
	if !p.checkedOut && p.rec != nil && p.rec.live() {
		p.closeRecordConn(p.rec, stateIdle)
		closed = 1
	}
	p.mu.Unlock()
	p.logger.Info("pool disposed", "pool", p.name, "closed", closed)
}

func (p *AssertionPool) Recreate() Pool {
	np := NewAssertionPool(p.creator, p.cfg)
	np.adoptPropagated(&p.core)
	return np
}

func (p *AssertionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var st Stats
	if p.checkedOut {
		st.CheckedOut = 1
	} else if p.rec != nil && p.rec.live() {
		st.Idle = 1
	}
	return st
}
