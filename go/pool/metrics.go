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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys and state values from the OTel database client
// connection semantic conventions.
const (
	attrKeyPoolName = "db.client.connection.pool.name"
	attrKeyState    = "db.client.connection.state"

	stateIdle = "idle"
	stateUsed = "used"
)

// poolMetrics holds the pool's OTel instruments. A nil *poolMetrics is
// valid and records nothing, so call sites never need to check whether
// metrics are configured.
type poolMetrics struct {
	pool      string
	connCount metric.Int64UpDownCounter
	timeouts  metric.Int64Counter
	waitTime  metric.Float64Histogram
}

func newPoolMetrics(m metric.Meter, poolName string) (*poolMetrics, error) {
	if m == nil {
		return nil, nil
	}
	pm := &poolMetrics{pool: poolName}
	var err1, err2, err3 error
	pm.connCount, err1 = m.Int64UpDownCounter(
		"db.client.connection.count",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	)
	pm.timeouts, err2 = m.Int64Counter(
		"db.client.connection.timeouts",
		metric.WithDescription("The number of connection timeouts that have occurred trying to obtain a connection from the pool."),
		metric.WithUnit("{timeout}"),
	)
	pm.waitTime, err3 = m.Float64Histogram(
		"db.client.connection.wait_time",
		metric.WithDescription("The time it took to obtain an open connection from the pool."),
		metric.WithUnit("s"),
	)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, err
	}
	return pm, nil
}

// conns records a connection count change for the given state.
func (pm *poolMetrics) conns(delta int64, state string) {
	if pm == nil || pm.connCount == nil {
		return
	}
	pm.connCount.Add(context.Background(), delta, metric.WithAttributes(
		attribute.String(attrKeyPoolName, pm.pool),
		attribute.String(attrKeyState, state),
	))
}

// timeout records one failed-by-timeout acquisition.
func (pm *poolMetrics) timeout() {
	if pm == nil || pm.timeouts == nil {
		return
	}
	pm.timeouts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrKeyPoolName, pm.pool),
	))
}

// waited records how long an acquisition blocked before being served.
func (pm *poolMetrics) waited(d time.Duration) {
	if pm == nil || pm.waitTime == nil {
		return
	}
	pm.waitTime.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String(attrKeyPoolName, pm.pool),
	))
}
