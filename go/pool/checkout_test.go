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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutCloseIsSingleUse(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})

	co, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, co.IsValid())

	require.NoError(t, co.Close())
	assert.False(t, co.IsValid())
	assert.Nil(t, co.Conn())
	assert.Nil(t, co.Record())

	// Double close is an error, not a silent no-op.
	require.ErrorIs(t, co.Close(), ErrAlreadyClosed)
	require.ErrorIs(t, co.Invalidate(errors.New("late")), ErrAlreadyClosed)
	require.ErrorIs(t, co.Detach(), ErrAlreadyClosed)

	// The pool is unaffected by the extra calls.
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
}

func TestCheckoutInvalidateReconnectsLazily(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})

	ctx := context.Background()
	co, err := p.Connect(ctx)
	require.NoError(t, err)
	co.Info()["label"] = "kept"

	cause := errors.New("server went away")
	require.NoError(t, co.Invalidate(cause))

	// The connection closed immediately, the checkout stays open.
	assert.True(t, creator.conn(0).IsClosed())
	assert.False(t, co.IsValid())
	assert.Nil(t, co.Conn())
	require.NoError(t, co.Close())

	// The record reconnects on its next checkout and keeps its info map.
	co2, err := p.Connect(ctx)
	require.NoError(t, err)
	require.NotNil(t, co2.Conn())
	assert.Equal(t, 2, creator.created())
	assert.Equal(t, "kept", co2.Info()["label"])
	require.NoError(t, co2.Close())
}

func TestCheckoutDetach(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})

	ctx := context.Background()
	co, err := p.Connect(ctx)
	require.NoError(t, err)
	detachedConn := co.Conn()

	require.NoError(t, co.Detach())

	// The pool no longer accounts for the connection and will create a
	// replacement, while the checkout keeps proxying it.
	assert.Equal(t, Stats{}, p.Stats())
	assert.Same(t, detachedConn, co.Conn())

	co2, err := p.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, creator.created())
	require.NoError(t, co2.Close())

	// Closing a detached checkout closes the connection for real.
	require.NoError(t, co.Close())
	assert.True(t, detachedConn.IsClosed())
	require.ErrorIs(t, co.Close(), ErrAlreadyClosed)
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
}

func TestCheckoutResetOnReturn(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback", func(t *testing.T) {
		creator := &mockCreator{}
		p := NewQueuePool(creator.create, Config{PoolSize: 1, ResetOnReturn: ResetRollback})
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		require.NoError(t, co.Close())
		assert.Equal(t, int32(1), creator.conn(0).rollbacks.Load())
		assert.Equal(t, int32(0), creator.conn(0).commits.Load())
	})

	t.Run("commit", func(t *testing.T) {
		creator := &mockCreator{}
		p := NewQueuePool(creator.create, Config{PoolSize: 1, ResetOnReturn: ResetCommit})
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		require.NoError(t, co.Close())
		assert.Equal(t, int32(1), creator.conn(0).commits.Load())
	})

	t.Run("none", func(t *testing.T) {
		creator := &mockCreator{}
		p := NewQueuePool(creator.create, Config{PoolSize: 1, ResetOnReturn: ResetNone})
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		require.NoError(t, co.Close())
		assert.Equal(t, int32(0), creator.conn(0).rollbacks.Load())
		assert.Equal(t, int32(0), creator.conn(0).commits.Load())
	})

	t.Run("failed reset invalidates", func(t *testing.T) {
		creator := &mockCreator{}
		p := NewQueuePool(creator.create, Config{PoolSize: 1, ResetOnReturn: ResetRollback})
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		creator.conn(0).failReset.Store(true)
		require.NoError(t, co.Close())
		assert.True(t, creator.conn(0).IsClosed())

		// The slot reconnects on next use.
		co2, err := p.Connect(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, creator.created())
		require.NoError(t, co2.Close())
	})
}

func TestRecycleReplacesAgedConnections(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1, Recycle: 30 * time.Millisecond})

	ctx := context.Background()
	co, err := p.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, co.Close())

	// Within the interval the same connection is reused.
	co, err = p.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, co.Close())
	require.Equal(t, 1, creator.created())

	time.Sleep(50 * time.Millisecond)

	// Past the interval the next acquisition replaces it transparently.
	co, err = p.Connect(ctx)
	require.NoError(t, err)
	require.NotNil(t, co.Conn())
	assert.Equal(t, 2, creator.created())
	assert.True(t, creator.conn(0).IsClosed())
	require.NoError(t, co.Close())
}

// leakCheckout acquires a checkout and drops it without closing.
//
//go:noinline
func leakCheckout(t *testing.T, p Pool) {
	t.Helper()
	co, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, co.Conn())
}

// leakDetachedCheckout acquires, detaches and drops a checkout.
//
//go:noinline
func leakDetachedCheckout(t *testing.T, p Pool) {
	t.Helper()
	co, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, co.Detach())
}

func TestLeakedCheckoutIsReclaimed(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})

	leakCheckout(t, p)

	// Once the abandoned checkout is collected, its cleanup checks the
	// connection back in.
	require.Eventually(t, func() bool {
		runtime.GC()
		return p.Stats().Idle == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
	assert.False(t, creator.conn(0).IsClosed())

	// The reclaimed connection is reusable.
	co, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, creator.created())
	require.NoError(t, co.Close())
}

func TestLeakedDetachedCheckoutClosesConnection(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})

	leakDetachedCheckout(t, p)

	// A detached connection belongs to the checkout alone; its cleanup
	// closes it instead of checking anything in.
	require.Eventually(t, func() bool {
		runtime.GC()
		return creator.conn(0).IsClosed()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestWithConn(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1})
	ctx := context.Background()

	var seen Conn
	err := WithConn(ctx, p, func(co *Checkout) error {
		seen = co.Conn()
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, Stats{Idle: 1}, p.Stats())

	// Callback errors pass through; the checkout is still released.
	sentinel := errors.New("query failed")
	err = WithConn(ctx, p, func(co *Checkout) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, Stats{Idle: 1}, p.Stats())

	// A callback that closes the checkout itself is fine.
	err = WithConn(ctx, p, func(co *Checkout) error {
		return co.Close()
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
}
