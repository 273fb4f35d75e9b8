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
	"fmt"
	"sync"
)

// Pool event names, usable with Listen. Each name has a fixed listener
// signature; Listen rejects mismatches.
const (
	// EventConnect fires after every physical connection creation,
	// including reconnects. Listener: func(Conn, *Record).
	EventConnect = "connect"

	// EventFirstConnect fires at most once per pool instance, before that
	// instance's first EventConnect. Listener: func(Conn, *Record).
	EventFirstConnect = "first_connect"

	// EventCheckout fires when a connection is handed to a caller.
	// Listener: func(Conn, *Record, *Checkout) error. A non-nil error
	// aborts the checkout; ErrInvalidCheckout forces a retry with a
	// fresh connection.
	EventCheckout = "checkout"

	// EventCheckin fires when a connection is returned to the pool.
	// The Conn argument is nil if the record was invalidated while out.
	// Listener: func(Conn, *Record).
	EventCheckin = "checkin"

	// EventReset fires before the reset-on-return policy is applied.
	// Listener: func(Conn, *Record).
	EventReset = "reset"

	// EventInvalidate fires when a connection is marked dead, with the
	// triggering error if any. Listener: func(Conn, *Record, error).
	EventInvalidate = "invalidate"

	// EventClose fires when the pool closes a record's physical
	// connection. Listener: func(Conn, *Record).
	EventClose = "close"

	// EventCloseDetached fires when a detached connection is closed
	// through its checkout. Listener: func(Conn).
	EventCloseDetached = "close_detached"
)

// ListenOption modifies a single listener registration.
type ListenOption func(*listenEntry)

// Propagate marks an instance-scoped listener to be carried over to pools
// produced by Recreate. Base- and kind-scoped listeners are always
// preserved across Recreate and do not need it.
func Propagate() ListenOption {
	return func(e *listenEntry) {
		e.propagate = true
	}
}

type listenEntry struct {
	event     string
	fn        any
	propagate bool
}

// validateListener checks that fn matches the signature for event.
func validateListener(event string, fn any) error {
	var ok bool
	switch event {
	case EventConnect, EventFirstConnect, EventCheckin, EventReset, EventClose:
		_, ok = fn.(func(Conn, *Record))
	case EventCheckout:
		_, ok = fn.(func(Conn, *Record, *Checkout) error)
	case EventInvalidate:
		_, ok = fn.(func(Conn, *Record, error))
	case EventCloseDetached:
		_, ok = fn.(func(Conn))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if !ok {
		return fmt.Errorf("listener for %q has type %T", event, fn)
	}
	return nil
}

// Events is one scope's ordered listener registry. Scopes are composed by
// Listeners: the base scope applies to every pool built from the same
// Listeners, a kind scope to every pool of one strategy, and each pool
// carries its own instance scope.
//
// A pool snapshots the base and kind scopes at construction time;
// registrations made afterwards only apply to pools constructed later.
type Events struct {
	mu      sync.Mutex
	entries []listenEntry
}

// NewEvents returns an empty listener registry.
func NewEvents() *Events {
	return &Events{}
}

// Listen registers fn for the named event. It fails for unknown event
// names and for listener functions of the wrong type.
func (e *Events) Listen(event string, fn any, opts ...ListenOption) error {
	if err := validateListener(event, fn); err != nil {
		return err
	}
	ent := listenEntry{event: event, fn: fn}
	for _, opt := range opts {
		opt(&ent)
	}
	e.mu.Lock()
	e.entries = append(e.entries, ent)
	e.mu.Unlock()
	return nil
}

// OnConnect registers a listener for EventConnect.
func (e *Events) OnConnect(fn func(Conn, *Record)) {
	_ = e.Listen(EventConnect, fn)
}

// OnFirstConnect registers a listener for EventFirstConnect.
func (e *Events) OnFirstConnect(fn func(Conn, *Record)) {
	_ = e.Listen(EventFirstConnect, fn)
}

// OnCheckout registers a listener for EventCheckout.
func (e *Events) OnCheckout(fn func(Conn, *Record, *Checkout) error) {
	_ = e.Listen(EventCheckout, fn)
}

// OnCheckin registers a listener for EventCheckin.
func (e *Events) OnCheckin(fn func(Conn, *Record)) {
	_ = e.Listen(EventCheckin, fn)
}

// OnReset registers a listener for EventReset.
func (e *Events) OnReset(fn func(Conn, *Record)) {
	_ = e.Listen(EventReset, fn)
}

// OnInvalidate registers a listener for EventInvalidate.
func (e *Events) OnInvalidate(fn func(Conn, *Record, error)) {
	_ = e.Listen(EventInvalidate, fn)
}

// OnClose registers a listener for EventClose.
func (e *Events) OnClose(fn func(Conn, *Record)) {
	_ = e.Listen(EventClose, fn)
}

// OnCloseDetached registers a listener for EventCloseDetached.
func (e *Events) OnCloseDetached(fn func(Conn)) {
	_ = e.Listen(EventCloseDetached, fn)
}

func (e *Events) snapshot() []listenEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]listenEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Listeners bundles the base- and kind-scoped registries handed to pools
// through Config. Passing the container explicitly (instead of hanging
// listeners off package globals) keeps registration visible at the
// construction site and lets tests run isolated registries.
type Listeners struct {
	mu    sync.Mutex
	base  *Events
	kinds map[Kind]*Events
}

// NewListeners returns an empty registry container.
func NewListeners() *Listeners {
	return &Listeners{
		base:  NewEvents(),
		kinds: make(map[Kind]*Events),
	}
}

// Base returns the registry applied to every pool built with this
// container.
func (l *Listeners) Base() *Events {
	return l.base
}

// Kind returns the registry applied to pools of the given strategy.
func (l *Listeners) Kind(k Kind) *Events {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.kinds[k]
	if !ok {
		e = NewEvents()
		l.kinds[k] = e
	}
	return e
}

// dispatch is a pool instance's compiled event table. Base- and
// kind-scoped listeners are resolved into the typed slices once at pool
// construction; instance-scoped registrations append afterwards. Fire
// order is therefore base, then kind, then instance, each in insertion
// order.
type dispatch struct {
	mu sync.RWMutex

	connect       []func(Conn, *Record)
	firstConnect  []func(Conn, *Record)
	checkout      []func(Conn, *Record, *Checkout) error
	checkin       []func(Conn, *Record)
	reset         []func(Conn, *Record)
	closeConn     []func(Conn, *Record)
	invalidate    []func(Conn, *Record, error)
	closeDetached []func(Conn)

	// propagated holds instance-scoped registrations made with
	// Propagate, for Recreate to carry over.
	propagated []listenEntry
}

func newDispatch(ls *Listeners, kind Kind) *dispatch {
	d := &dispatch{}
	if ls == nil {
		return d
	}
	for _, ent := range ls.Base().snapshot() {
		d.append(ent.event, ent.fn)
	}
	for _, ent := range ls.Kind(kind).snapshot() {
		d.append(ent.event, ent.fn)
	}
	return d
}

// listen adds an instance-scoped listener.
func (d *dispatch) listen(event string, fn any, opts ...ListenOption) error {
	if err := validateListener(event, fn); err != nil {
		return err
	}
	ent := listenEntry{event: event, fn: fn}
	for _, opt := range opts {
		opt(&ent)
	}
	d.mu.Lock()
	d.append(event, fn)
	if ent.propagate {
		d.propagated = append(d.propagated, ent)
	}
	d.mu.Unlock()
	return nil
}

// append adds a validated listener to the compiled table. The caller
// holds d.mu unless the dispatch is still being constructed.
func (d *dispatch) append(event string, fn any) {
	switch event {
	case EventConnect:
		d.connect = append(d.connect, fn.(func(Conn, *Record)))
	case EventFirstConnect:
		d.firstConnect = append(d.firstConnect, fn.(func(Conn, *Record)))
	case EventCheckout:
		d.checkout = append(d.checkout, fn.(func(Conn, *Record, *Checkout) error))
	case EventCheckin:
		d.checkin = append(d.checkin, fn.(func(Conn, *Record)))
	case EventReset:
		d.reset = append(d.reset, fn.(func(Conn, *Record)))
	case EventClose:
		d.closeConn = append(d.closeConn, fn.(func(Conn, *Record)))
	case EventInvalidate:
		d.invalidate = append(d.invalidate, fn.(func(Conn, *Record, error)))
	case EventCloseDetached:
		d.closeDetached = append(d.closeDetached, fn.(func(Conn)))
	}
}

func (d *dispatch) propagatedEntries() []listenEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]listenEntry, len(d.propagated))
	copy(out, d.propagated)
	return out
}

// Listener errors and panics propagate to the operation that fired the
// event; listeners are not sandboxed.

func (d *dispatch) fireConnect(conn Conn, rec *Record) {
	d.mu.RLock()
	fns := d.connect
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec)
	}
}

func (d *dispatch) fireFirstConnect(conn Conn, rec *Record) {
	d.mu.RLock()
	fns := d.firstConnect
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec)
	}
}

// fireCheckout stops at the first listener error and returns it.
func (d *dispatch) fireCheckout(conn Conn, rec *Record, co *Checkout) error {
	d.mu.RLock()
	fns := d.checkout
	d.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(conn, rec, co); err != nil {
			return err
		}
	}
	return nil
}

func (d *dispatch) fireCheckin(conn Conn, rec *Record) {
	d.mu.RLock()
	fns := d.checkin
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec)
	}
}

func (d *dispatch) fireReset(conn Conn, rec *Record) {
	d.mu.RLock()
	fns := d.reset
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec)
	}
}

func (d *dispatch) fireClose(conn Conn, rec *Record) {
	d.mu.RLock()
	fns := d.closeConn
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec)
	}
}

func (d *dispatch) fireInvalidate(conn Conn, rec *Record, cause error) {
	d.mu.RLock()
	fns := d.invalidate
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn, rec, cause)
	}
}

func (d *dispatch) fireCloseDetached(conn Conn) {
	d.mu.RLock()
	fns := d.closeDetached
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(conn)
	}
}
