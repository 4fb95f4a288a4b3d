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

package davconfig

import (
	"github.com/webdav-go/davtransfer/pkg/reactive"
)

// AwaitUnpaused blocks while either the global pause (when
// EnableGlobalPause is set) or the per-handle overlay pause is true. It
// is a condition-variable wait, not a sleep loop: on each pass it
// subscribes to both properties, re-checks both flags, and while still
// paused waits on the Watchers' Chan until either property publishes,
// matching the Pause Gate glossary entry's "await change, then
// re-check" protocol.
//
// overlay may be nil, in which case only the global pause applies.
func AwaitUnpaused(global *Store, overlay *reactive.Property[Overlay]) {
	for {
		// Both change channels are taken before the flags are read, so
		// a publish landing between the read and the wait still wakes
		// the select below.
		globalCh := global.Subscribe().Chan()
		var overlayCh <-chan struct{} // stays nil (never ready) when overlay is nil
		if overlay != nil {
			overlayCh = overlay.Subscribe().Chan()
		}

		g := global.Get()
		globallyPaused := g.EnableGlobalPause && g.GlobalPause
		locallyPaused := overlay != nil && overlay.GetCurrent().Pause
		if !globallyPaused && !locallyPaused {
			return
		}

		// Whichever property changes first wakes us; we then
		// re-evaluate both predicates from scratch. Selecting on both
		// Watchers' Chan directly, instead of spawning one goroutine
		// per Watcher to call Changed, means the watcher that didn't
		// win never outlives this iteration.
		select {
		case <-globalCh:
		case <-overlayCh:
		}
	}
}
