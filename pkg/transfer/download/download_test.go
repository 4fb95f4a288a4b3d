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

package download

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/webdav-go/davtransfer/pkg/account"
	"github.com/webdav-go/davtransfer/pkg/davconfig"
	"github.com/webdav-go/davtransfer/pkg/resource"
)

func newTestHandle(t *testing.T, srv *httptest.Server, size int64) *resource.Handle {
	t.Helper()
	registry := account.NewRegistry(nil)
	key, err := registry.Add(srv.URL, "user", "pass")
	if err != nil {
		t.Fatalf("registry.Add() error = %v", err)
	}
	h, err := registry.Get(key)
	if err != nil {
		t.Fatalf("registry.Get() error = %v", err)
	}
	t.Cleanup(h.Release)

	global := davconfig.NewStore(davconfig.DefaultGlobal())
	desc := &resource.Descriptor{
		BaseURL:      srv.URL + "/",
		AbsolutePath: srv.URL + "/file.bin",
		DisplayName:  "file.bin",
		Size:         &size,
	}
	return resource.NewHandle(desc, h.Client(), global)
}

func TestSimpleDownloadWritesWholeBody(t *testing.T) {
	content := []byte("hello, small download")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	size := int64(len(content))
	h := newTestHandle(t, srv, size)
	h.Global.UpdateField(func(g davconfig.Global) davconfig.Global {
		g.LargeFileThreshold = size + 1 // force the simple-download path
		return g
	})

	dir := t.TempDir()
	if err := Download(context.Background(), h, dir); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
	if h.State.DownloadBytes.GetCurrent() != size {
		t.Errorf("DownloadBytes = %d, want %d", h.State.DownloadBytes.GetCurrent(), size)
	}
	if h.State.FileLock.GetCurrent() {
		t.Error("FileLock still true after Download returned")
	}
}

func TestChunkedDownloadAssemblesRanges(t *testing.T) {
	content := make([]byte, 10*chunkSize+123)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(content)
			return
		}
		var start, end int64
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)

	size := int64(len(content))
	h := newTestHandle(t, srv, size)
	h.Global.UpdateField(func(g davconfig.Global) davconfig.Global {
		g.LargeFileThreshold = 1 // force the chunked path
		return g
	})

	dir := t.TempDir()
	if err := Download(context.Background(), h, dir); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("reassembled content does not match source")
	}
	if h.State.DownloadBytes.GetCurrent() != size {
		t.Errorf("DownloadBytes = %d, want %d", h.State.DownloadBytes.GetCurrent(), size)
	}
}

func TestChunkedDownloadResumesFromExistingLength(t *testing.T) {
	content := make([]byte, 3*chunkSize)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}

	var sawRanges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		sawRanges = append(sawRanges, rng)
		var start, end int64
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)

	size := int64(len(content))
	h := newTestHandle(t, srv, size)
	h.Global.UpdateField(func(g davconfig.Global) davconfig.Global {
		g.LargeFileThreshold = 1
		return g
	})

	dir := t.TempDir()
	partial := content[:chunkSize]
	if err := os.WriteFile(filepath.Join(dir, "file.bin"), partial, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := Download(context.Background(), h, dir); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	for _, rng := range sawRanges {
		if rng == "bytes=0-"+strconv.Itoa(chunkSize-1) {
			t.Errorf("resumed download re-requested the already-present first chunk: %s", rng)
		}
	}

	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("resumed content does not match source")
	}
}

func TestDownloadOfDirectoryDescriptorIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("directory descriptors should never trigger an HTTP request")
	}))
	t.Cleanup(srv.Close)

	h := newTestHandle(t, srv, 0)
	h.Descriptor.IsDir = true

	dir := t.TempDir()
	if err := Download(context.Background(), h, dir); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
}

func TestConcurrencyForSizeTable(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{1001 << 20, 8},
		{800 << 20, 7},
		{600 << 20, 6},
		{300 << 20, 5},
		{150 << 20, 4},
		{60 << 20, 3},
		{30 << 20, 2},
		{1 << 20, 1},
	}
	for _, c := range cases {
		if got := concurrencyFor(c.size); got != c.want {
			t.Errorf("concurrencyFor(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
