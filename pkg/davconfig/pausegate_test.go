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
	"testing"
	"time"

	"github.com/webdav-go/davtransfer/pkg/reactive"
)

func TestAwaitUnpausedReturnsImmediatelyWhenNotPaused(t *testing.T) {
	store := NewStore(DefaultGlobal())
	done := make(chan struct{})
	go func() {
		AwaitUnpaused(store, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitUnpaused blocked with nothing paused")
	}
}

func TestAwaitUnpausedUnblocksOnGlobalPauseCleared(t *testing.T) {
	store := NewStore(DefaultGlobal())
	store.UpdateField(func(g Global) Global { g.GlobalPause = true; return g })

	done := make(chan struct{})
	go func() {
		AwaitUnpaused(store, nil)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitUnpaused returned while global pause was still set")
	case <-time.After(20 * time.Millisecond):
	}

	store.UpdateField(func(g Global) Global { g.GlobalPause = false; return g })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitUnpaused did not unblock after global pause was cleared")
	}
}

// TestAwaitUnpausedDoesNotLeakLosingWatcher exercises the race between the
// global and overlay watchers several times in a row. Before the fix,
// every race left the losing side's goroutine blocked in Changed forever;
// running this many times would have accumulated one leaked goroutine per
// iteration. Here there are no extra goroutines at all: a hang in either
// watcher would fail the test via the timeout below.
func TestAwaitUnpausedDoesNotLeakLosingWatcher(t *testing.T) {
	store := NewStore(DefaultGlobal())
	overlay := reactive.New(Overlay{})

	for i := 0; i < 20; i++ {
		store.UpdateField(func(g Global) Global { g.GlobalPause = true; return g })
		overlay.UpdateField(func(o Overlay) Overlay { o.Pause = true; return o })

		done := make(chan struct{})
		go func() {
			AwaitUnpaused(store, overlay)
			close(done)
		}()

		time.Sleep(5 * time.Millisecond)
		// Clear both; whichever Watcher observes its own property's
		// change wins the select, the other is simply never looked at
		// again once AwaitUnpaused returns.
		store.UpdateField(func(g Global) Global { g.GlobalPause = false; return g })
		overlay.UpdateField(func(o Overlay) Overlay { o.Pause = false; return o })

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: AwaitUnpaused did not unblock", i)
		}
	}
}
