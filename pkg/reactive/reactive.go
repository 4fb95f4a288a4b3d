/*
Copyright 2024 The Davtransfer Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package reactive implements a single-producer, many-watcher observable
// value, used throughout davtransfer to publish progress, configuration,
// and registry changes without requiring readers to poll.
package reactive

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrDropped is returned by Watcher.Changed once the owning Property has
// been dropped. It is terminal: no further value will ever arrive.
var ErrDropped = errors.New("reactive: property dropped")

// Property is a single-owner, multi-watcher observable slot holding a
// value of type T. All methods are safe for concurrent use; updates are
// serialized by an internal mutex and broadcast to watchers by closing
// and replacing a channel, following the broadcast-condvar idiom.
//
// Once Drop is called, the property is tombstoned: Update becomes a
// silent no-op (it still reports success) and every current and future
// Watcher observes ErrDropped from Changed.
type Property[T any] struct {
	mu      sync.RWMutex
	val     T
	version uint64
	ch      chan struct{} // closed and replaced on every Update/Drop
	dropped bool
}

// New constructs a Property holding the given initial value.
func New[T any](initial T) *Property[T] {
	return &Property[T]{
		val: initial,
		ch:  make(chan struct{}),
	}
}

// GetCurrent returns a copy of the current value.
func (p *Property[T]) GetCurrent() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.val
}

// GetCurrentBorrow returns a non-owning view of the current value via
// the supplied function, holding the read lock only for the duration of
// fn. The borrowed value must not be retained past fn's return: doing so
// race-defeats the copy-free intent of this call and is the caller's bug,
// not this package's.
func (p *Property[T]) GetCurrentBorrow(fn func(T)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn(p.val)
}

// Update replaces the current value and notifies watchers. If the
// property has already been dropped, Update is a silent no-op: it
// returns without error so upstream writers never need to coordinate
// their lifetime with watcher lifetime.
func (p *Property[T]) Update(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return
	}
	p.val = v
	p.publishLocked()
}

// UpdateField applies mutator to a copy of the current value and
// publishes the result. The read, the mutator call and the publish all
// happen under the property's mutex, so concurrent UpdateField calls run
// one after another and each sees the result of the previous one; no
// update is lost. Byte counters in this codebase only ever call
// UpdateField with a monotonic increment.
func (p *Property[T]) UpdateField(mutator func(T) T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return
	}
	p.val = mutator(p.val)
	p.publishLocked()
}

// Drop tombstones the property: it sets a terminal flag and wakes every
// current watcher with ErrDropped. Any later Update is a no-op. Drop is
// idempotent.
func (p *Property[T]) Drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return
	}
	p.dropped = true
	p.publishLocked()
}

func (p *Property[T]) publishLocked() {
	p.version++
	close(p.ch)
	p.ch = make(chan struct{})
}

// Subscribe returns a Watcher observing future changes to p.
func (p *Property[T]) Subscribe() *Watcher[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &Watcher[T]{
		prop:    p,
		version: p.version,
	}
}

// Watcher observes a Property's changes one distinct value at a time.
// Watchers do not see every intermediate value under rapid updates —
// only that some later value was published — which is eventual
// consistency by design (see Property's doc comment).
type Watcher[T any] struct {
	prop    *Property[T]
	version uint64
}

// Changed blocks until the watched Property publishes a version newer
// than the last one this Watcher observed, then returns that value.
// If the property was already dropped, or is dropped while waiting,
// Changed returns ErrDropped.
func (w *Watcher[T]) Changed() (T, error) {
	for {
		w.prop.mu.RLock()
		if w.prop.dropped {
			var zero T
			w.prop.mu.RUnlock()
			return zero, ErrDropped
		}
		if w.prop.version != w.version {
			v := w.prop.val
			w.version = w.prop.version
			w.prop.mu.RUnlock()
			return v, nil
		}
		ch := w.prop.ch
		w.prop.mu.RUnlock()
		<-ch
	}
}

// Chan returns the channel that closes the next time this Watcher's
// Property publishes, without blocking. It lets a caller wait on several
// Watchers at once with a single select instead of spawning one
// goroutine per Watcher to call Changed. The returned channel is only
// valid for one publish: after it closes, call Chan again (or Changed)
// to get the next one.
func (w *Watcher[T]) Chan() <-chan struct{} {
	w.prop.mu.RLock()
	defer w.prop.mu.RUnlock()
	return w.prop.ch
}
