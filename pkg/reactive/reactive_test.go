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

package reactive

import (
	"testing"
	"time"
)

func TestUpdateThenGetCurrent(t *testing.T) {
	p := New(5)
	p.Update(42)
	if got := p.GetCurrent(); got != 42 {
		t.Errorf("GetCurrent() = %d, want 42", got)
	}
}

func TestUpdateFieldMonotonicIncrement(t *testing.T) {
	p := New(int64(0))
	for i := 0; i < 100; i++ {
		p.UpdateField(func(v int64) int64 { return v + 1 })
	}
	if got := p.GetCurrent(); got != 100 {
		t.Errorf("GetCurrent() = %d, want 100", got)
	}
}

func TestDropNotifiesWatchers(t *testing.T) {
	p := New("hello")
	w := p.Subscribe()

	done := make(chan error, 1)
	go func() {
		_, err := w.Changed()
		done <- err
	}()

	// give the goroutine a chance to block on Changed.
	time.Sleep(10 * time.Millisecond)
	p.Drop()

	select {
	case err := <-done:
		if err != ErrDropped {
			t.Errorf("Changed() error = %v, want ErrDropped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Changed() did not return after Drop")
	}
}

func TestUpdateAfterDropIsSilentNoOp(t *testing.T) {
	p := New(1)
	p.Drop()
	p.Update(2) // must not panic and must not un-drop.

	w := p.Subscribe()
	if _, err := w.Changed(); err != ErrDropped {
		t.Errorf("Changed() after post-drop Update: err = %v, want ErrDropped", err)
	}
}

func TestWatcherSeesLatestNotEveryIntermediate(t *testing.T) {
	p := New(0)
	w := p.Subscribe()
	for i := 1; i <= 10; i++ {
		p.Update(i)
	}
	got, err := w.Changed()
	if err != nil {
		t.Fatalf("Changed() error = %v", err)
	}
	if got != 10 {
		t.Errorf("Changed() = %d, want 10 (the latest value)", got)
	}
}

func TestGetCurrentBorrow(t *testing.T) {
	p := New([]int{1, 2, 3})
	var sum int
	p.GetCurrentBorrow(func(v []int) {
		for _, n := range v {
			sum += n
		}
	})
	if sum != 6 {
		t.Errorf("sum = %d, want 6", sum)
	}
}
