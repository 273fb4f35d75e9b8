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

import "context"

// Conn is an opaque physical connection handle. The pool only ever calls
// the operations below; everything else about the connection belongs to
// the caller. A Conn is used by at most one checkout at a time, enforced
// by the pool's checkout protocol rather than by locking the handle.
type Conn interface {
	// Rollback aborts any transaction state left on the connection.
	Rollback() error

	// Commit commits any transaction state left on the connection.
	Commit() error

	// Close closes the connection and releases associated resources.
	Close() error

	// IsClosed returns true if the connection has been closed.
	IsClosed() bool
}

// Creator produces a new physical connection, or fails. The pool never
// retries a failed Creator call; retry policy belongs to the caller.
type Creator func(ctx context.Context) (Conn, error)

// ResetMode selects what is issued on a connection when its checkout is
// returned to the pool.
type ResetMode int

const (
	// ResetRollback rolls back on checkin. The default.
	ResetRollback ResetMode = iota

	// ResetCommit commits on checkin.
	ResetCommit

	// ResetNone returns the connection as-is.
	ResetNone
)

func (m ResetMode) String() string {
	switch m {
	case ResetRollback:
		return "rollback"
	case ResetCommit:
		return "commit"
	case ResetNone:
		return "none"
	default:
		return "invalid"
	}
}

// ParseResetMode converts a configuration string into a ResetMode.
func ParseResetMode(s string) (ResetMode, bool) {
	switch s {
	case "rollback", "":
		return ResetRollback, true
	case "commit":
		return ResetCommit, true
	case "none":
		return ResetNone, true
	default:
		return ResetRollback, false
	}
}
