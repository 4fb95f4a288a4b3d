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

// Package download implements the Range-GET chunked download engine:
// resumable transfers with bounded per-file concurrency and pause-aware
// byte accounting.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go4.org/syncutil"
	"golang.org/x/time/rate"

	"github.com/webdav-go/davtransfer/pkg/davconfig"
	"github.com/webdav-go/davtransfer/pkg/resource"
)

// chunkSize is the fixed Range-GET window used by the chunked
// downloader, independent of the config store's upload chunk_size.
const chunkSize = davconfig.DefaultChunkSize

// lockRetries and lockBackoff bound the preflight file-lock acquisition,
// per the engine's fixed retry policy (a fixed pause between attempts,
// no exponential backoff).
const (
	lockRetries = 3
	lockBackoff = time.Second
)

// chunkedHostBlacklist lists base-URL prefixes known to meter full-file
// bandwidth even against range requests, so downloads from them always
// fall back to a single streamed GET.
var chunkedHostBlacklist = []string{
	"https://dav.jianguoyun.com/",
	"https://aki.teracloud.jp/",
}

// Error is the Download Engine's structured error. Kind names the
// failure category from §7's DownloadError taxonomy; Err is the cause.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("download: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

const (
	KindPreprocessingSavePath = "preprocessing_save_path"
	KindLockFile              = "lock_file"
	KindUnlockFile            = "unlock_file"
	KindUnknownFileSize       = "unknown_file_size"
	KindGetLocalFileSize      = "get_local_file_size"
	KindBuildTasks            = "build_tasks"
	KindJoinTasks             = "join_tasks"
	KindOpenFile              = "open_file"
	KindFlush                 = "flush"
	KindNotChunked            = "not_chunked"
)

// ErrRetryLocked is wrapped into a KindLockFile Error when the file lock
// could not be acquired after the fixed retry budget.
var ErrRetryLocked = errors.New("download: file lock still held after retries")

// Download transfers h's remote content to localDir, naming the file
// after the descriptor (or treating localDir as the final path itself
// when h is a directory). It blocks until the transfer completes, fails,
// or the provided context is cancelled at a suspension point.
func Download(ctx context.Context, h *resource.Handle, localDir string) error {
	if !acquireLock(h) {
		return &Error{Kind: KindLockFile, Err: ErrRetryLocked}
	}
	defer h.Unlock()

	target, err := targetPath(h, localDir)
	if err != nil {
		return &Error{Kind: KindPreprocessingSavePath, Err: err}
	}

	if h.Descriptor.IsDir {
		return nil
	}

	if useSimple(h) {
		return simpleDownload(ctx, h, target)
	}
	return chunkedDownload(ctx, h, target)
}

func acquireLock(h *resource.Handle) bool {
	for attempt := 0; attempt < lockRetries; attempt++ {
		if h.TryLock() {
			return true
		}
		if attempt < lockRetries-1 {
			time.Sleep(lockBackoff)
		}
	}
	return false
}

func targetPath(h *resource.Handle, localDir string) (string, error) {
	if h.Descriptor.IsDir {
		return localDir, nil
	}
	return filepath.Join(localDir, h.Descriptor.DisplayName), nil
}

func useSimple(h *resource.Handle) bool {
	for _, prefix := range chunkedHostBlacklist {
		if strings.HasPrefix(h.Descriptor.BaseURL, prefix) {
			return true
		}
	}
	eff := h.EffectiveOverlay()
	return h.Descriptor.Size != nil && *h.Descriptor.Size < eff.LargeFileThreshold
}

// withRequestTimeout wraps ctx with h's effective per-request timeout, if
// any is configured. The returned cancel must be deferred by the caller
// for the full lifetime of the request, including body reads.
func withRequestTimeout(ctx context.Context, h *resource.Handle) (context.Context, context.CancelFunc) {
	if d := h.RequestTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// simpleDownload streams the whole body in one GET, truncating any
// existing file at target.
func simpleDownload(ctx context.Context, h *resource.Handle, target string) error {
	reqCtx, cancel := withRequestTimeout(ctx, h)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.Descriptor.AbsolutePath, nil)
	if err != nil {
		return &Error{Kind: KindNotChunked, Err: errors.Wrap(err, "http")}
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return &Error{Kind: KindNotChunked, Err: errors.Wrap(err, "http")}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindNotChunked, Err: errors.Errorf("http: status %d", resp.StatusCode)}
	}

	f, err := os.Create(target)
	if err != nil {
		return &Error{Kind: KindNotChunked, Err: errors.Wrap(err, "create_file")}
	}
	defer f.Close()

	limiter := speedLimiter(h)
	if err := streamWithAccounting(reqCtx, h, resp.Body, f, limiter); err != nil {
		return &Error{Kind: KindNotChunked, Err: errors.Wrap(err, "stream")}
	}
	return nil
}

// streamWithAccounting copies src to dst in fixed-size fragments,
// pausing at the configured pause gate before each fragment and adding
// each fragment's length to h.State.DownloadBytes as it is written.
func streamWithAccounting(ctx context.Context, h *resource.Handle, src io.Reader, dst io.Writer, limiter *rate.Limiter) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		davconfig.AwaitUnpaused(h.Global, h.Overlay)

		n, readErr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "write")
			}
			h.State.DownloadBytes.UpdateField(func(cur int64) int64 { return cur + int64(n) })
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func speedLimiter(h *resource.Handle) *rate.Limiter {
	eff := h.EffectiveOverlay()
	if eff.MaxSpeed == nil || *eff.MaxSpeed <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(*eff.MaxSpeed), int(*eff.MaxSpeed))
}

// chunkedDownload performs a resumable, concurrent Range-GET download.
func chunkedDownload(ctx context.Context, h *resource.Handle, target string) error {
	if h.Descriptor.Size == nil {
		return &Error{Kind: KindUnknownFileSize, Err: errors.New("descriptor has no size")}
	}
	size := *h.Descriptor.Size

	start, err := reconcileLocalState(target, size)
	if err != nil {
		return &Error{Kind: KindGetLocalFileSize, Err: err}
	}
	if start < 0 {
		// Local file already matches remote size; nothing to do.
		h.State.DownloadBytes.Update(size)
		return nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return &Error{Kind: KindOpenFile, Err: err}
	}
	defer f.Close()

	h.State.DownloadBytes.Update(start)

	concurrency := concurrencyFor(size)
	gate := syncutil.NewGate(concurrency)
	var grp syncutil.Group
	limiter := speedLimiter(h)

	for cursor := start; cursor < size; cursor += chunkSize {
		cursor := cursor
		end := cursor + chunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		gate.Start()
		grp.Go(func() error {
			defer gate.Done()
			return downloadRange(ctx, h, f, cursor, end, limiter)
		})
	}

	if err := grp.Err(); err != nil {
		return &Error{Kind: KindJoinTasks, Err: errors.Wrap(err, "task_inner")}
	}
	if err := f.Sync(); err != nil {
		return &Error{Kind: KindFlush, Err: err}
	}
	return nil
}

// reconcileLocalState stats target and compares it against the remote
// size. It returns the byte offset to resume from, or -1 if the local
// file already matches remote size and no transfer is needed.
func reconcileLocalState(target string, size int64) (int64, error) {
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	switch {
	case info.Size() > size:
		if err := os.Remove(target); err != nil {
			return 0, err
		}
		return 0, nil
	case info.Size() == size:
		return -1, nil
	default:
		return info.Size(), nil
	}
}

// concurrencyFor maps a remote file size to a permit-pool width, per the
// Download Engine's fixed size table.
func concurrencyFor(size int64) int {
	switch {
	case size > 1000<<20:
		return 8
	case size > 750<<20:
		return 7
	case size > 500<<20:
		return 6
	case size > 250<<20:
		return 5
	case size > 100<<20:
		return 4
	case size > 50<<20:
		return 3
	case size > 25<<20:
		return 2
	default:
		return 1
	}
}

// downloadRange fetches [start, end] (inclusive) and writes it at offset
// start in f, using a dedicated duplicated file descriptor so concurrent
// tasks never contend on a shared read/write cursor.
func downloadRange(ctx context.Context, h *resource.Handle, f *os.File, start, end int64, limiter *rate.Limiter) error {
	reqCtx, cancel := withRequestTimeout(ctx, h)
	defer cancel()

	dup, err := duplicateFile(f)
	if err != nil {
		return errors.Wrap(err, "clone_file_handle")
	}
	defer dup.Close()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.Descriptor.AbsolutePath, nil)
	if err != nil {
		return errors.Wrap(err, "download_range")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := h.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download_range")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return errors.Errorf("download_range: status %d", resp.StatusCode)
	}

	offset := start
	buf := make([]byte, 32*1024)
	for {
		if err := reqCtx.Err(); err != nil {
			return err
		}
		davconfig.AwaitUnpaused(h.Global, h.Overlay)

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(reqCtx, n); err != nil {
					return err
				}
			}
			if _, err := dup.WriteAt(buf[:n], offset); err != nil {
				return errors.Wrap(err, "download_range")
			}
			offset += int64(n)
			h.State.DownloadBytes.UpdateField(func(cur int64) int64 { return cur + int64(n) })
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "download_range")
		}
	}
}

// duplicateFile opens a second, independent *os.File over the same
// underlying inode as f, matching the spec's "clone the file handle"
// step: each chunk task gets its own OS descriptor so seeks/WriteAt
// calls never contend.
func duplicateFile(f *os.File) (*os.File, error) {
	return os.OpenFile(f.Name(), os.O_RDWR, 0644)
}
