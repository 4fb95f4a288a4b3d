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

package resource

import (
	"testing"

	"github.com/webdav-go/davtransfer/pkg/davconfig"
)

func TestEffectiveOverlayDefersToGlobal(t *testing.T) {
	global := davconfig.NewStore(davconfig.DefaultGlobal())
	h := NewHandle(&Descriptor{DisplayName: "a.txt"}, nil, global)

	eff := h.EffectiveOverlay()
	want := global.Get().Overlay
	if eff.TimeoutSecs != want.TimeoutSecs || eff.MaxRetries != want.MaxRetries {
		t.Errorf("EffectiveOverlay() = %+v, want fields deferring to global %+v", eff, want)
	}
}

func TestEffectiveOverlayOverridesMaxSpeed(t *testing.T) {
	global := davconfig.NewStore(davconfig.DefaultGlobal())
	h := NewHandle(&Descriptor{DisplayName: "a.txt"}, nil, global)

	speedCap := int64(1024)
	h.Overlay.Update(davconfig.Overlay{MaxSpeed: &speedCap})

	eff := h.EffectiveOverlay()
	if eff.MaxSpeed == nil || *eff.MaxSpeed != speedCap {
		t.Errorf("EffectiveOverlay().MaxSpeed = %v, want %d", eff.MaxSpeed, speedCap)
	}
}

func TestTryLockExcludesConcurrentHolder(t *testing.T) {
	global := davconfig.NewStore(davconfig.DefaultGlobal())
	h := NewHandle(&Descriptor{DisplayName: "a.txt"}, nil, global)

	if !h.TryLock() {
		t.Fatal("first TryLock() = false, want true")
	}
	if h.TryLock() {
		t.Fatal("second TryLock() while held = true, want false")
	}
	if !h.State.FileLock.GetCurrent() {
		t.Error("State.FileLock should mirror true while locked")
	}

	h.Unlock()
	if h.State.FileLock.GetCurrent() {
		t.Error("State.FileLock should mirror false after Unlock")
	}
	if !h.TryLock() {
		t.Fatal("TryLock() after Unlock() = false, want true")
	}
	h.Unlock()
}
