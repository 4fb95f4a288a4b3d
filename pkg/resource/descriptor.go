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

// Package resource defines the immutable Resource Descriptor produced by
// directory enumeration, and the live Resource Handle that wraps one
// with an HTTP client and reactive state for the transfer engines.
package resource

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/webdav-go/davtransfer/pkg/account"
	"github.com/webdav-go/davtransfer/pkg/davconfig"
	"github.com/webdav-go/davtransfer/pkg/reactive"
)

// Descriptor is immutable metadata about one remote entity, as reported
// by a PROPFIND response. Once constructed by the Directory Enumerator
// it is never mutated; callers holding a *Descriptor can share it freely.
type Descriptor struct {
	BaseURL          string
	RelativeRootPath string
	AbsolutePath     string // full URL
	DisplayName      string // decoded, friendly name
	IsDir            bool
	Size             *int64 // nil if unknown
	LastModified     *time.Time
	MIME             *string
	Owner            *string
	ETag             *string
	Privileges       []string
}

// State is the reactive, mutable half of a live resource: everything
// that changes while a transfer is in flight.
type State struct {
	Name          *reactive.Property[string]
	DownloadBytes *reactive.Property[int64]
	UploadBytes   *reactive.Property[int64]
	UploadTotal   *reactive.Property[int64]
	FileLock      *reactive.Property[bool]
}

// NewState constructs a State with the given display name and all
// counters at zero.
func NewState(name string) *State {
	return &State{
		Name:          reactive.New(name),
		DownloadBytes: reactive.New[int64](0),
		UploadBytes:   reactive.New[int64](0),
		UploadTotal:   reactive.New[int64](0),
		FileLock:      reactive.New(false),
	}
}

// Handle is a live wrapper over a Descriptor: the descriptor itself
// (shared, immutable), a cloned HTTP client, reactive State, a
// per-resource configuration Overlay, and a reference to the process's
// Global config store so the engines can resolve "defer to global"
// fields. Handle is created by the Directory Enumerator and is valid
// until the caller drops its last reference.
type Handle struct {
	Descriptor *Descriptor
	Client     *account.HTTPClient
	State      *State
	Overlay    *reactive.Property[davconfig.Overlay]
	Global     *davconfig.Store

	// fileMu is the actual exclusion primitive guarding overlapping
	// local mutations (e.g. a rename attempt racing a transfer). The
	// source toggled a bare reactive bool for this, which is unsafe
	// against concurrent writers; here a real sync.Mutex does the
	// excluding, and State.FileLock only *mirrors* its held-state for
	// observers, per the redesign note this package implements.
	fileMu       sync.Mutex
	lockAttempts int32 // diagnostic counter of TryLock calls
}

// NewHandle constructs a Handle from its immutable parts.
func NewHandle(desc *Descriptor, client *account.HTTPClient, global *davconfig.Store) *Handle {
	return &Handle{
		Descriptor: desc,
		Client:     client,
		State:      NewState(desc.DisplayName),
		Overlay:    reactive.New(davconfig.Overlay{}),
		Global:     global,
	}
}

// EffectiveOverlay merges the handle's per-resource overlay on top of
// the global config: any Overlay field left at its zero value defers to
// Global's value, matching §3's "overlay carries optional fields" model,
// except Pause, which is always the handle's own overlay value.
func (h *Handle) EffectiveOverlay() davconfig.Overlay {
	g := h.Global.Get()
	o := h.Overlay.GetCurrent()

	eff := g.Overlay
	if o.MaxSpeed != nil {
		eff.MaxSpeed = o.MaxSpeed
	}
	if o.TimeoutSecs != 0 {
		eff.TimeoutSecs = o.TimeoutSecs
	}
	if o.MaxRetries != 0 {
		eff.MaxRetries = o.MaxRetries
	}
	if o.LargeFileThreshold != 0 {
		eff.LargeFileThreshold = o.LargeFileThreshold
	}
	if o.MaxThreadCount != 0 {
		eff.MaxThreadCount = o.MaxThreadCount
	}
	eff.Pause = o.Pause
	return eff
}

// RequestTimeout returns the effective per-request timeout derived from
// TimeoutSecs, or zero if no timeout should be applied (TimeoutSecs <=
// 0). Callers wrap each outgoing request's context with this duration,
// since HTTPClient itself is shared across resources with different
// overlays and cannot carry a single fixed http.Client.Timeout.
func (h *Handle) RequestTimeout() time.Duration {
	secs := h.EffectiveOverlay().TimeoutSecs
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// diagnosticLockAttempts reports how many times TryLock has been called
// on this handle.
func (h *Handle) diagnosticLockAttempts() int32 {
	return atomic.LoadInt32(&h.lockAttempts)
}

// TryLock attempts to acquire the handle's file lock without blocking.
// On success it mirrors the held-state into State.FileLock and returns
// true. On failure State.FileLock is left untouched and false is
// returned. This is the primitive the transfer engines retry against;
// it never sleeps or polls itself.
func (h *Handle) TryLock() bool {
	atomic.AddInt32(&h.lockAttempts, 1)
	if !h.fileMu.TryLock() {
		return false
	}
	h.State.FileLock.Update(true)
	return true
}

// Unlock releases the file lock and mirrors the released state into
// State.FileLock. Unlock must only be called by the holder of a
// successful TryLock.
func (h *Handle) Unlock() {
	h.State.FileLock.Update(false)
	h.fileMu.Unlock()
}
