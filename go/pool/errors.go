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

import "errors"

var (
	// ErrConnectionFailed is returned when the Creator fails to produce a
	// connection. The pool's counters are rolled back before it propagates,
	// so a failed creation never leaks a capacity slot.
	ErrConnectionFailed = errors.New("connection creation failed")

	// ErrTimeout is returned when no idle connection or overflow headroom
	// became available within the pool's timeout. A timed-out acquisition
	// leaves pool state untouched and may be retried.
	ErrTimeout = errors.New("timeout waiting for connection")

	// ErrAlreadyClosed is returned by any operation on a Checkout after it
	// has been closed or detached. It indicates a caller bug and is never
	// swallowed.
	ErrAlreadyClosed = errors.New("checkout already closed or detached")

	// ErrAssertionPool is returned by AssertionPool (and SingletonTaskPool)
	// when a second checkout is attempted while one is outstanding.
	ErrAssertionPool = errors.New("connection is already checked out")

	// ErrNoTaskIdentity is returned by operations that require a task
	// identity when the context does not carry one.
	ErrNoTaskIdentity = errors.New("no task identity available")

	// ErrUnknownEvent is returned by Listen for an unrecognized event name.
	ErrUnknownEvent = errors.New("unknown pool event")

	// ErrInvalidCheckout can be returned by a checkout listener to signal
	// that the connection being handed out is unusable. The pool invalidates
	// it and retries the checkout with a fresh connection.
	ErrInvalidCheckout = errors.New("checkout rejected by listener")
)
