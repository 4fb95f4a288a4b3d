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

// Package upload implements the chunked/simple upload engine: conflict
// detection ahead of every transfer, strategy selection by blacklist and
// size, and a concurrent Content-Range PUT scheduler for large files.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/webdav-go/davtransfer/pkg/account"
	"github.com/webdav-go/davtransfer/pkg/conflict"
	"github.com/webdav-go/davtransfer/pkg/davconfig"
)

// Source bundles a local byte source with everything the engine needs to
// upload it: a target remote path, the owning account, and an optional
// per-file chunked override (nil defers to global config).
type Source struct {
	Open            func() (io.ReadSeekCloser, error)
	Size            int64
	TargetPath      string // joined onto the account's base URL
	Client          *account.HTTPClient
	BaseURL         string
	Global          *davconfig.Store
	ChunkedOverride *bool
}

// Resolution is a caller-supplied strategy for handling a detected
// conflict, passed to UploadWithResolution.
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionOverwrite
	ResolutionRename
	ResolutionSkip
	ResolutionAbort
)

// Result is the outcome of an upload attempt. Kind selects which fields
// are meaningful: Size and Duration for KindSuccess, Conflict for
// KindConflict, Err for KindError.
type Result struct {
	Kind     ResultKind
	Target   string
	Size     int64
	Duration time.Duration
	Conflict conflict.Conflict
	Err      error
}

type ResultKind int

const (
	KindSuccess ResultKind = iota
	KindConflict
	KindError
)

var uploadBlacklist = []string{".tmp", ".log", ".config", ".ini", ".json", ".xml"}

var contentTypeByExt = map[string]string{
	".txt":  "text/plain",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
}

// requestTimeout returns src's effective per-request timeout, derived
// from the global config's TimeoutSecs, or zero if none is configured.
// Source has no per-resource overlay (unlike a download's Handle), so
// this is the global default rather than a merged effective value.
func requestTimeout(src Source) time.Duration {
	secs := src.Global.Get().TimeoutSecs
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func withRequestTimeout(ctx context.Context, src Source) (context.Context, context.CancelFunc) {
	if d := requestTimeout(src); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// Upload detects conflicts (unless force is true) and, absent a
// conflict, transfers src per the selected strategy.
func Upload(ctx context.Context, src Source, force bool) Result {
	if !force {
		probeCtx, cancel := withRequestTimeout(ctx, src)
		c, err := conflict.Detect(probeCtx, src.Client, absoluteTarget(src))
		cancel()
		if err != nil {
			return Result{Kind: KindError, Target: src.TargetPath, Err: err}
		}
		if c.Kind != conflict.None {
			return Result{Kind: KindConflict, Target: src.TargetPath, Conflict: c}
		}
	}
	return doUpload(ctx, src)
}

// UploadWithResolution applies a caller-chosen resolution strategy.
// Overwrite uploads without conflict detection; Rename retargets src to
// renamedPath and runs Upload, which detects conflicts again; Skip and
// Abort send no request; any other value behaves like Upload.
func UploadWithResolution(ctx context.Context, src Source, res Resolution, renamedPath string) Result {
	switch res {
	case ResolutionOverwrite:
		return doUpload(ctx, src)
	case ResolutionRename:
		src.TargetPath = renamedPath
		return Upload(ctx, src, false)
	case ResolutionSkip:
		return Result{Kind: KindSuccess, Target: src.TargetPath, Size: 0, Duration: 0}
	case ResolutionAbort:
		return Result{Kind: KindError, Target: src.TargetPath, Err: errors.New("upload: user aborted")}
	default:
		return Upload(ctx, src, false)
	}
}

// RenameWithTimestamp inserts _YYYYmmdd_HHMMSS before path's extension.
func RenameWithTimestamp(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", base, now.Format("20060102_150405"), ext)
}

// RenameWithNumber inserts _(n) before path's extension.
func RenameWithNumber(path string, n int) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_(%d)%s", base, n, ext)
}

func doUpload(ctx context.Context, src Source) Result {
	start := time.Now()
	if useSimple(src) {
		if err := simpleUpload(ctx, src); err != nil {
			return Result{Kind: KindError, Target: src.TargetPath, Err: err}
		}
	} else {
		if err := chunkedUpload(ctx, src); err != nil {
			return Result{Kind: KindError, Target: src.TargetPath, Err: err}
		}
	}
	return Result{Kind: KindSuccess, Target: src.TargetPath, Size: src.Size, Duration: time.Since(start)}
}

func useSimple(src Source) bool {
	lower := strings.ToLower(src.TargetPath)
	for _, pat := range uploadBlacklist {
		if strings.Contains(lower, pat) {
			return true
		}
	}

	chunkedEnabled := src.Global.Get().EnableChunkedUpload
	if src.ChunkedOverride != nil {
		chunkedEnabled = *src.ChunkedOverride
	}
	if !chunkedEnabled {
		return true
	}
	return src.Size <= src.Global.Get().ChunkSize
}

func absoluteTarget(src Source) string {
	return strings.TrimRight(src.BaseURL, "/") + "/" + strings.TrimLeft(src.TargetPath, "/")
}

func contentType(targetPath string) string {
	if ct, ok := contentTypeByExt[strings.ToLower(filepath.Ext(targetPath))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// simpleUpload reads the full source and PUTs it in one request.
func simpleUpload(ctx context.Context, src Source) error {
	reqCtx, cancel := withRequestTimeout(ctx, src)
	defer cancel()

	rc, err := src.Open()
	if err != nil {
		return errors.Wrap(err, "upload: opening source")
	}
	defer rc.Close()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, absoluteTarget(src), rc)
	if err != nil {
		return errors.Wrap(err, "upload: building request")
	}
	req.ContentLength = src.Size
	req.Header.Set("Content-Type", contentType(src.TargetPath))

	resp, err := src.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload: http")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("upload: status %d", resp.StatusCode)
	}
	return nil
}

// chunkCountFor returns ceil(size/chunkSize).
func chunkCountFor(size, chunkSize int64) int {
	if chunkSize <= 0 {
		return 1
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// concurrencyForChunks maps a chunk count to a permit-pool width, per
// the Upload Engine's fixed table.
func concurrencyForChunks(count, maxConcurrent int) int {
	switch {
	case count <= 1:
		return 1
	case count <= 5:
		return minInt(count, 2)
	case count <= 20:
		return minInt(count, 3)
	default:
		return minInt(count, maxConcurrent)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// chunkedUpload splits src into fixed-size Content-Range PUTs, fanned
// out over a bounded weighted semaphore via errgroup, then finalizes
// with a POST. Where the download engine's Range-GET fan-out uses
// go4.org/syncutil's Gate/Group, the upload engine's Content-Range
// fan-out uses golang.org/x/sync's semaphore.Weighted/errgroup.Group —
// the two concurrency idioms the teacher's stack carries side by side.
func chunkedUpload(ctx context.Context, src Source) error {
	g := src.Global.Get()
	chunkSize := g.ChunkSize
	count := chunkCountFor(src.Size, chunkSize)
	maxConcurrent := g.MaxThreadCount
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	sem := semaphore.NewWeighted(int64(concurrencyForChunks(count, maxConcurrent)))
	grp, grpCtx := errgroup.WithContext(ctx)

	for i := 0; i < count; i++ {
		i := i
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > src.Size {
			length = src.Size - offset
		}
		if err := sem.Acquire(grpCtx, 1); err != nil {
			return errors.Wrap(err, "upload: acquiring chunk slot")
		}
		grp.Go(func() error {
			defer sem.Release(1)
			return putChunk(grpCtx, src, offset, length)
		})
	}

	if err := grp.Wait(); err != nil {
		return errors.Wrap(err, "upload: chunk failed")
	}
	return finalize(ctx, src, count)
}

func putChunk(ctx context.Context, src Source, offset, length int64) error {
	reqCtx, cancel := withRequestTimeout(ctx, src)
	defer cancel()

	rc, err := src.Open()
	if err != nil {
		return errors.Wrap(err, "upload: opening source")
	}
	defer rc.Close()

	if _, err := rc.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "upload: seeking chunk")
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, absoluteTarget(src), io.LimitReader(rc, length))
	if err != nil {
		return errors.Wrap(err, "upload: building chunk request")
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType(src.TargetPath))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, src.Size))

	resp, err := src.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload: chunk http")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("upload: chunk status %d", resp.StatusCode)
	}
	return nil
}

func finalize(ctx context.Context, src Source, chunks int) error {
	reqCtx, cancel := withRequestTimeout(ctx, src)
	defer cancel()

	url := fmt.Sprintf("%s?finalize=true&chunks=%d&size=%d", absoluteTarget(src), chunks, src.Size)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, nil)
	if err != nil {
		return errors.Wrap(err, "upload: building finalize request")
	}
	resp, err := src.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload: finalize http")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("upload: finalize status %d", resp.StatusCode)
	}
	return nil
}
