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

// connbench exercises a connection pool under concurrent load and reports
// throughput, event counts and the final pool population. It runs against
// a synthetic connection by default, or against PostgreSQL with --dsn.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/connkeep/connkeep/go/pool"
)

var Main = &cobra.Command{
	Use:   "connbench",
	Short: "Benchmark and exercise connkeep pool strategies under concurrent load.",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags())
	},
	RunE: run,
}

func init() {
	fs := Main.Flags()
	fs.String("strategy", "queue", "pool strategy: queue, singleton_task, static, null, assertion")
	fs.Int("pool-size", 5, "base pool size")
	fs.Int("max-overflow", 10, "extra connections beyond the base size (queue only, -1 for unbounded)")
	fs.Duration("timeout", 30*time.Second, "acquisition timeout")
	fs.Duration("recycle", 0, "replace connections older than this (0 disables)")
	fs.String("reset", "rollback", "reset on return: rollback, commit, none")
	fs.Int("workers", 16, "concurrent workers")
	fs.Int("iterations", 1000, "checkouts per worker")
	fs.Duration("connect-latency", 2*time.Millisecond, "synthetic connection setup latency")
	fs.Duration("work-latency", 500*time.Microsecond, "synthetic per-checkout work latency")
	fs.String("dsn", "", "PostgreSQL DSN; empty runs the synthetic backend")
	fs.Bool("task-local", false, "enable task-local reentrant checkouts, one task per worker")
	fs.Bool("echo", false, "debug-log every connection lifecycle step")
}

func bindFlags(fs *pflag.FlagSet) error {
	viper.SetEnvPrefix("connbench")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return viper.BindPFlags(fs)
}

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// syntheticConn simulates a database connection with configurable setup
// latency.
type syntheticConn struct {
	closed atomic.Bool
}

func (c *syntheticConn) Rollback() error { return nil }
func (c *syntheticConn) Commit() error   { return nil }
func (c *syntheticConn) Close() error {
	c.closed.Store(true)
	return nil
}
func (c *syntheticConn) IsClosed() bool { return c.closed.Load() }

// pgConn adapts one database/sql connection from a lib/pq backed DB to
// the pool's Conn interface.
type pgConn struct {
	sc     *sql.Conn
	closed atomic.Bool
}

func (c *pgConn) Rollback() error {
	_, err := c.sc.ExecContext(context.Background(), "ROLLBACK")
	return err
}

func (c *pgConn) Commit() error {
	_, err := c.sc.ExecContext(context.Background(), "COMMIT")
	return err
}

func (c *pgConn) Close() error {
	c.closed.Store(true)
	return c.sc.Close()
}

func (c *pgConn) IsClosed() bool { return c.closed.Load() }

// eventCounters tallies pool events across the run.
type eventCounters struct {
	connects, checkouts, checkins, invalidates, closes atomic.Int64
}

func (ec *eventCounters) listeners() *pool.Listeners {
	ls := pool.NewListeners()
	ls.Base().OnConnect(func(pool.Conn, *pool.Record) { ec.connects.Add(1) })
	ls.Base().OnCheckout(func(pool.Conn, *pool.Record, *pool.Checkout) error {
		ec.checkouts.Add(1)
		return nil
	})
	ls.Base().OnCheckin(func(pool.Conn, *pool.Record) { ec.checkins.Add(1) })
	ls.Base().OnInvalidate(func(pool.Conn, *pool.Record, error) { ec.invalidates.Add(1) })
	ls.Base().OnClose(func(pool.Conn, *pool.Record) { ec.closes.Add(1) })
	return ls
}

func run(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if viper.GetBool("echo") {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	resetMode, ok := pool.ParseResetMode(viper.GetString("reset"))
	if !ok {
		return fmt.Errorf("unknown reset mode %q", viper.GetString("reset"))
	}

	creator, cleanup, err := buildCreator(logger)
	if err != nil {
		return err
	}
	defer cleanup()

	counters := &eventCounters{}
	cfg := pool.Config{
		Name:          "connbench",
		PoolSize:      viper.GetInt("pool-size"),
		MaxOverflow:   viper.GetInt("max-overflow"),
		Timeout:       viper.GetDuration("timeout"),
		Recycle:       viper.GetDuration("recycle"),
		ResetOnReturn: resetMode,
		UseTaskLocal:  viper.GetBool("task-local"),
		Echo:          viper.GetBool("echo"),
		Logger:        logger,
		Listeners:     counters.listeners(),
	}

	p, err := buildPool(viper.GetString("strategy"), creator, cfg)
	if err != nil {
		return err
	}
	defer p.Dispose()

	workers := viper.GetInt("workers")
	iterations := viper.GetInt("iterations")
	workLatency := viper.GetDuration("work-latency")
	logger.Info("starting benchmark",
		"strategy", p.Kind(),
		"workers", workers,
		"iterations", iterations,
	)

	var failures atomic.Int64
	start := time.Now()
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := pool.WithTaskID(context.Background(), uint64(i+1))
			for range iterations {
				err := pool.WithConn(ctx, p, func(co *pool.Checkout) error {
					if co.Conn() == nil {
						return errors.New("checkout has no connection")
					}
					if workLatency > 0 {
						time.Sleep(workLatency)
					}
					return nil
				})
				if err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(workers) * int64(iterations)
	st := p.Stats()
	logger.Info("benchmark complete",
		"checkouts", total,
		"failures", failures.Load(),
		"elapsed", elapsed,
		"throughput_per_sec", float64(total-failures.Load())/elapsed.Seconds(),
	)
	logger.Info("pool population",
		"idle", st.Idle,
		"checked_out", st.CheckedOut,
		"overflow", st.Overflow,
		"waiters", st.Waiters,
	)
	logger.Info("event totals",
		"connect", counters.connects.Load(),
		"checkout", counters.checkouts.Load(),
		"checkin", counters.checkins.Load(),
		"invalidate", counters.invalidates.Load(),
		"close", counters.closes.Load(),
	)
	if failures.Load() > 0 {
		return fmt.Errorf("%d of %d checkouts failed", failures.Load(), total)
	}
	return nil
}

func buildCreator(logger *slog.Logger) (pool.Creator, func(), error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		latency := viper.GetDuration("connect-latency")
		creator := func(ctx context.Context) (pool.Conn, error) {
			if latency > 0 {
				select {
				case <-time.After(latency):
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				}
			}
			return &syntheticConn{}, nil
		}
		return creator, func() {}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres backend: %w", err)
	}
	// The pool under test does the pooling; database/sql must not.
	db.SetMaxIdleConns(0)
	logger.Info("using postgres backend")
	creator := func(ctx context.Context) (pool.Conn, error) {
		sc, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &pgConn{sc: sc}, nil
	}
	return creator, func() { _ = db.Close() }, nil
}

func buildPool(strategy string, creator pool.Creator, cfg pool.Config) (pool.Pool, error) {
	switch pool.Kind(strategy) {
	case pool.KindQueue:
		return pool.NewQueuePool(creator, cfg), nil
	case pool.KindSingletonTask:
		return pool.NewSingletonTaskPool(creator, cfg), nil
	case pool.KindStatic:
		return pool.NewStaticPool(creator, cfg), nil
	case pool.KindNull:
		return pool.NewNullPool(creator, cfg), nil
	case pool.KindAssertion:
		return pool.NewAssertionPool(creator, cfg), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}
