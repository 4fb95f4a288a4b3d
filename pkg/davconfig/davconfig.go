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

// Package davconfig holds the global and per-resource reactive
// configuration that the transfer engines consult for pause gates,
// speed caps, and chunking thresholds.
package davconfig

import (
	"github.com/pkg/errors"

	"github.com/webdav-go/davtransfer/pkg/reactive"
)

// MinChunkSize is the smallest allowed chunk_size: 1 MiB.
const MinChunkSize = 1 << 20

// DefaultChunkSize is the download engine's fixed Range-GET window, 4
// MiB, matching the Chunk Plan's CHUNK_SIZE constant.
const DefaultChunkSize = 4 << 20

// DefaultUploadChunkSize is the default chunked-upload chunk size, 1
// GiB, overridable via SetChunkSizeMiB/SetChunkSizeGiB.
const DefaultUploadChunkSize = 1 << 30

// Overlay is the per-resource configuration carried on a Resource
// Handle. Any field other than Pause left at its zero value defers to
// the Global config's corresponding field; Pause is per-handle only.
type Overlay struct {
	MaxSpeed           *int64 // bytes/sec; nil means no cap
	TimeoutSecs        int64
	MaxRetries         int
	LargeFileThreshold int64
	MaxThreadCount     int
	Pause              bool
}

// Global is the process-wide configuration shape: Overlay's fields plus
// the global pause switches and chunking knobs.
type Global struct {
	Overlay
	EnableGlobalPause   bool
	GlobalPause         bool
	ChunkSize           int64
	EnableChunkedUpload bool
}

// DefaultGlobal returns a Global config with the defaults this package
// requires: the upload chunk size at its 1 GiB default and a large-file
// threshold greater than zero, per the invariants in §3 of the spec this
// module implements.
func DefaultGlobal() Global {
	return Global{
		Overlay: Overlay{
			TimeoutSecs:        30,
			MaxRetries:         4,
			LargeFileThreshold: 50 << 20, // 50 MiB
			MaxThreadCount:     4,
		},
		EnableGlobalPause:   true,
		ChunkSize:           DefaultUploadChunkSize,
		EnableChunkedUpload: true,
	}
}

// ErrChunkSizeTooSmall is returned when a configured chunk size would
// violate the chunk_size >= 1 MiB invariant.
var ErrChunkSizeTooSmall = errors.New("davconfig: chunk_size must be at least 1 MiB")

// ErrLargeFileThresholdNotPositive is returned when large_file_threshold
// is configured to zero or less.
var ErrLargeFileThresholdNotPositive = errors.New("davconfig: large_file_threshold must be > 0")

// Validate enforces the Global Config invariants from §3: chunk_size >=
// 1 MiB and large_file_threshold > 0.
func (g Global) Validate() error {
	if g.ChunkSize < MinChunkSize {
		return errors.Wrapf(ErrChunkSizeTooSmall, "got %d bytes", g.ChunkSize)
	}
	if g.LargeFileThreshold <= 0 {
		return errors.Wrapf(ErrLargeFileThresholdNotPositive, "got %d", g.LargeFileThreshold)
	}
	return nil
}

// Store is the reactive, process-wide holder for Global. All access
// goes through reactive.Property, per §4.1: GetCurrent clones, and
// UpdateField applies a mutator to a cloned snapshot before publishing.
type Store struct {
	prop *reactive.Property[Global]
}

// NewStore constructs a Store seeded with initial. Panics are not used
// for invalid configs; callers should Validate before constructing if
// they need a hard failure.
func NewStore(initial Global) *Store {
	return &Store{prop: reactive.New(initial)}
}

// Get returns a snapshot of the current global configuration.
func (s *Store) Get() Global { return s.prop.GetCurrent() }

// Update replaces the global configuration wholesale.
func (s *Store) Update(g Global) { s.prop.Update(g) }

// UpdateField applies mutator to a cloned snapshot and republishes it.
func (s *Store) UpdateField(mutator func(Global) Global) { s.prop.UpdateField(mutator) }

// Subscribe returns a watcher over configuration changes, used by the
// pause-gate protocol to block on "the pause flag changed" instead of
// polling.
func (s *Store) Subscribe() *reactive.Watcher[Global] { return s.prop.Subscribe() }

// SetChunkSizeMiB is a convenience setter accepting megabytes.
func (s *Store) SetChunkSizeMiB(mib int64) {
	s.UpdateField(func(g Global) Global {
		g.ChunkSize = mib << 20
		return g
	})
}

// SetChunkSizeGiB is a convenience setter accepting gigabytes.
func (s *Store) SetChunkSizeGiB(gib int64) {
	s.UpdateField(func(g Global) Global {
		g.ChunkSize = gib << 30
		return g
	})
}
