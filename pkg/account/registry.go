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

package account

import (
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/webdav-go/davtransfer/pkg/reactive"
)

// AddError distinguishes the two ways Registry.Add can fail.
type AddError struct {
	Op  string // "create_key" or "create_http_client"
	Err error
}

func (e *AddError) Error() string { return "account: add " + e.Op + ": " + e.Err.Error() }
func (e *AddError) Unwrap() error { return e.Err }

// RemoveError distinguishes the two ways Registry.Remove can fail.
type RemoveError struct {
	Op  string // "client_in_use" or "delete_failed"
	Key Key
}

func (e *RemoveError) Error() string {
	return "account: remove " + e.Key.String() + ": " + e.Op
}

// ErrNotFound is returned by Get and Remove when the key isn't present.
var ErrNotFound = errors.New("account: client not found")

// ErrForceRemoveFailed is returned by ForceRemove when the key isn't
// present to begin with.
var ErrForceRemoveFailed = errors.New("account: force-remove: nothing to remove")

// entry is the reference-counted registry record for one client. The
// registry's own map holds exactly one reference for as long as the
// entry exists; Acquire hands out additional references that callers
// must Release. This stands in for the source's Arc<T> strong-count
// check using an explicit atomic counter instead of runtime-managed
// reference counting.
type entry struct {
	client *HTTPClient
	refs   int32 // starts at 1, owned by the registry's map slot
}

func (e *entry) acquire() *Handle {
	atomic.AddInt32(&e.refs, 1)
	return &Handle{entry: e, client: e.client.Clone()}
}

// Handle is a caller-held, shared-ownership reference to an account's
// HTTPClient. Callers must call Release when finished so Registry.Remove
// can observe accurate outstanding-reference counts.
type Handle struct {
	entry    *entry
	client   *HTTPClient
	released int32
}

// Client returns the underlying HTTPClient. The returned pointer is only
// valid until Release is called.
func (h *Handle) Client() *HTTPClient { return h.client }

// Release drops this Handle's reference. It is safe to call at most
// once; subsequent calls are no-ops.
func (h *Handle) Release() {
	if atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		atomic.AddInt32(&h.entry.refs, -1)
	}
}

func (h *Handle) refCount() int32 { return atomic.LoadInt32(&h.entry.refs) }

// Registry maps Account Keys to reference-counted HTTP Client handles.
// All mutation is copy-on-write behind a single reactive.Property, so
// readers holding a prior snapshot (via a Watcher, or simply a Handle
// acquired earlier) keep working even after a later Remove: they just
// see a stale view, exactly as spec'd.
//
// Writers are additionally serialized by writeMu: the reactive.Property
// only guarantees atomic publish of one snapshot, not atomic
// read-modify-publish across two goroutines, so concurrent Add/Remove
// calls need an explicit writer lock the way the teacher's
// pkg/client.Client serializes its own pendStat map with pendStatMu.
type Registry struct {
	writeMu sync.Mutex
	clients *reactive.Property[map[Key]*entry]
	log     *log.Logger
	verbose bool
}

// NewRegistry constructs an empty Registry. If logger is nil, log output
// is discarded, matching Client.SetLogger's nil-means-discard behavior
// in the teacher.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		clients: reactive.New(map[Key]*entry{}),
		log:     logger,
	}
}

// SetVerbose turns per-request HTTP logging on or off for every client
// created by subsequent Add calls.
func (r *Registry) SetVerbose(v bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.verbose = v
}

// Subscribe returns a watcher over the registry's snapshot map, so
// callers can learn of additions/removals reactively.
func (r *Registry) Subscribe() *reactive.Watcher[map[Key]*entry] {
	return r.clients.Subscribe()
}

// Add normalizes baseURL, builds a Key and an HTTPClient from the given
// credentials, and inserts them into the registry, copy-on-write.
func (r *Registry) Add(baseURL, username, password string) (Key, error) {
	key, err := NewKey(baseURL, username)
	if err != nil {
		return Key{}, &AddError{Op: "create_key", Err: err}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	client := newHTTPClient(username, password, r.log, r.verbose)
	cur := r.clients.GetCurrent()
	next := make(map[Key]*entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = &entry{client: client, refs: 1}
	r.clients.Update(next)
	r.log.Printf("account: added %s (%s)", key, client.Fingerprint())
	return key, nil
}

// Get returns a Handle referencing the client registered under key. The
// caller owns the returned Handle and must Release it.
func (r *Registry) Get(key Key) (*Handle, error) {
	cur := r.clients.GetCurrent()
	e, ok := cur[key]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "account: get %s", key)
	}
	return e.acquire(), nil
}

// Remove deletes key's entry, but only if no caller holds an outstanding
// reference beyond the registry's own bookkeeping and this call's
// internal probe — i.e. the handle's reference count must be <=2 once
// this call has acquired its own probing reference. If another caller
// is still holding a Handle, Remove fails with RemoveError{Op:
// "client_in_use"} and makes no change.
func (r *Registry) Remove(key Key) error {
	probe, err := r.Get(key)
	if err != nil {
		return err
	}
	defer probe.Release()

	if probe.refCount() > 2 {
		return &RemoveError{Op: "client_in_use", Key: key}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cur := r.clients.GetCurrent()
	if _, ok := cur[key]; !ok {
		return &RemoveError{Op: "delete_failed", Key: key}
	}
	next := make(map[Key]*entry, len(cur))
	for k, v := range cur {
		if k == key {
			continue
		}
		next[k] = v
	}
	r.clients.Update(next)
	r.log.Printf("account: removed %s", key)
	return nil
}

// ForceRemove deletes key's entry unconditionally, ignoring any
// outstanding Handle references. Holders of a previously acquired Handle
// keep a working (if now orphaned) client; only the registry loses track
// of it.
func (r *Registry) ForceRemove(key Key) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	cur := r.clients.GetCurrent()
	if _, ok := cur[key]; !ok {
		return errors.Wrapf(ErrForceRemoveFailed, "account: force-remove %s", key)
	}
	next := make(map[Key]*entry, len(cur))
	for k, v := range cur {
		if k == key {
			continue
		}
		next[k] = v
	}
	r.clients.Update(next)
	r.log.Printf("account: force-removed %s", key)
	return nil
}
