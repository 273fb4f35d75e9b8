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
	"sync/atomic"
)

// NullPool opens a fresh connection for every checkout and closes it at
// checkin. Nothing is retained, so there is no idle population, no
// recycling, and nothing for Dispose to do beyond invalidating records
// still checked out. Events, reset-on-return and invalidation behave the
// same as on every other strategy.
type NullPool struct {
	core

	checkedOut atomic.Int64
}

var _ Pool = (*NullPool)(nil)

// NewNullPool builds a NullPool around the given creator. PoolSize,
// MaxOverflow and Timeout are ignored.
func NewNullPool(creator Creator, cfg Config) *NullPool {
	p := &NullPool{}
	p.core.init(KindNull, creator, cfg)
	return p
}

func (p *NullPool) Connect(ctx context.Context) (*Checkout, error) {
	return p.core.connect(ctx, p)
}

func (p *NullPool) UniqueConnect(ctx context.Context) (*Checkout, error) {
	return p.core.uniqueConnect(ctx, p)
}

func (p *NullPool) get(ctx context.Context) (*Record, error) {
	rec, err := p.newPoolRecord(ctx, false)
	if err != nil {
		return nil, err
	}
	p.checkedOut.Add(1)
	return rec, nil
}

func (p *NullPool) put(rec *Record) {
	p.checkedOut.Add(-1)
	p.closeRecordConn(rec, stateUsed)
}

func (p *NullPool) forget(rec *Record) {
	p.checkedOut.Add(-1)
}

// Dispose bumps the generation so checked-out connections are closed as
// they return. There is no idle population to drain.
func (p *NullPool) Dispose() {
	p.generation.Add(1)
	p.logger.Info("pool disposed", "pool", p.name, "closed", 0)
}

func (p *NullPool) Recreate() Pool {
	np := NewNullPool(p.creator, p.cfg)
	np.adoptPropagated(&p.core)
	return np
}

func (p *NullPool) Stats() Stats {
	return Stats{CheckedOut: int(p.checkedOut.Load())}
}
