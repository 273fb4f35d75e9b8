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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePoolReusesIdleConnection(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 2})

	ctx := context.Background()
	for range 5 {
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		require.NotNil(t, co.Conn())
		require.NoError(t, co.Close())
	}

	assert.Equal(t, 1, creator.created())
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
}

func TestQueuePoolOverflowLifecycle(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 2, MaxOverflow: 2, Timeout: 50 * time.Millisecond})

	ctx := context.Background()
	cos := make([]*Checkout, 4)
	for i := range cos {
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		cos[i] = co
	}
	require.Equal(t, 4, creator.created())
	require.Equal(t, Stats{CheckedOut: 4, Overflow: 2}, p.Stats())

	// Base plus overflow is exhausted; a fifth acquisition times out.
	_, err := p.Connect(ctx)
	require.ErrorIs(t, err, ErrTimeout)

	// Overflow connections are discarded at checkin rather than pooled.
	for _, co := range cos {
		require.NoError(t, co.Close())
	}
	assert.Equal(t, 2, creator.closedCount())
	assert.Equal(t, Stats{Idle: 2}, p.Stats())
}

func TestQueuePoolUnboundedOverflow(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1, MaxOverflow: -1})

	ctx := context.Background()
	var cos []*Checkout
	for range 10 {
		co, err := p.Connect(ctx)
		require.NoError(t, err)
		cos = append(cos, co)
	}
	assert.Equal(t, Stats{CheckedOut: 10, Overflow: 9}, p.Stats())
	for _, co := range cos {
		require.NoError(t, co.Close())
	}
}

func TestQueuePoolTimeoutIsCompleteNoop(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1, Timeout: 30 * time.Millisecond})

	ctx := context.Background()
	co, err := p.Connect(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Connect(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// The failed acquisition left no trace.
	assert.Equal(t, Stats{CheckedOut: 1}, p.Stats())
	assert.Equal(t, 1, creator.created())

	require.NoError(t, co.Close())
}

func TestQueuePoolWaiterReceivesHandoff(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1, Timeout: 2 * time.Second})

	ctx := context.Background()
	co, err := p.Connect(ctx)
	require.NoError(t, err)
	held := co.Conn()

	done := make(chan Conn, 1)
	go func() {
		co2, err := p.Connect(ctx)
		if err != nil {
			done <- nil
			return
		}
		got := co2.Conn()
		_ = co2.Close()
		done <- got
	}()

	// Give the second acquirer time to block, then release.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, co.Close())

	got := <-done
	require.NotNil(t, got)
	assert.Same(t, held, got)
	assert.Equal(t, 1, creator.created())
}

func TestQueuePoolContextCancellation(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 1, Timeout: 2 * time.Second})

	co, err := p.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Connect(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, Stats{CheckedOut: 1}, p.Stats())

	require.NoError(t, co.Close())
}

func TestQueuePoolCreateFailureReleasesCapacity(t *testing.T) {
	creator := &mockCreator{}
	creator.fail.Store(true)
	p := NewQueuePool(creator.create, Config{PoolSize: 1, Timeout: 50 * time.Millisecond})

	ctx := context.Background()
	_, err := p.Connect(ctx)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.ErrorIs(t, err, errCreatorFailed)

	// The claimed slot was rolled back, so a later attempt can use it.
	creator.fail.Store(false)
	co, err := p.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, co.Close())
	assert.Equal(t, Stats{Idle: 1}, p.Stats())
}

func TestQueuePoolDispose(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 3})

	ctx := context.Background()
	co1, err := p.Connect(ctx)
	require.NoError(t, err)
	co2, err := p.UniqueConnect(ctx)
	require.NoError(t, err)
	require.NoError(t, co2.Close())
	require.Equal(t, Stats{Idle: 1, CheckedOut: 1}, p.Stats())

	p.Dispose()

	// The idle connection closed immediately; the pool stays usable.
	assert.Equal(t, 1, creator.closedCount())
	assert.Equal(t, Stats{CheckedOut: 1}, p.Stats())

	// The checked-out connection is closed as it returns.
	require.NoError(t, co1.Close())
	assert.Equal(t, 2, creator.closedCount())
	assert.Equal(t, Stats{}, p.Stats())

	co3, err := p.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, creator.created())
	require.NoError(t, co3.Close())
}

func TestQueuePoolRecreate(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{Name: "orig", PoolSize: 1, MaxOverflow: 3})

	co, err := p.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, co.Close())

	np := p.Recreate()
	require.Equal(t, KindQueue, np.Kind())
	require.Equal(t, "orig", np.Name())
	assert.Equal(t, Stats{}, np.Stats())

	co, err = np.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, co.Close())
	assert.Equal(t, 2, creator.created())
}

func TestQueuePoolConcurrentStress(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 4, MaxOverflow: 4, Timeout: 2 * time.Second})

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				err := WithConn(ctx, p, func(co *Checkout) error {
					if co.Conn() == nil {
						t.Error("checkout without connection")
					}
					return nil
				})
				if err != nil {
					t.Errorf("connect: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, 0, st.CheckedOut)
	assert.Equal(t, 0, st.Waiters)
	assert.Equal(t, 0, st.Overflow)
	assert.LessOrEqual(t, st.Idle, 4)
	// Base connections plus however many overflow cycles happened; the
	// live population never exceeded the cap.
	assert.LessOrEqual(t, creator.created()-creator.closedCount(), 8)
}

func TestQueuePoolTightTimeoutStress(t *testing.T) {
	creator := &mockCreator{}
	p := NewQueuePool(creator.create, Config{PoolSize: 2, Timeout: 2 * time.Millisecond})

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				co, err := p.Connect(ctx)
				if err != nil {
					continue
				}
				_ = co.Close()
			}
		}()
	}
	wg.Wait()

	// Timeouts must not corrupt the accounting.
	st := p.Stats()
	assert.Equal(t, 0, st.CheckedOut)
	assert.Equal(t, 0, st.Waiters)
	assert.LessOrEqual(t, st.Idle, 2)
	assert.Equal(t, creator.created()-creator.closedCount(), st.Idle)
}
