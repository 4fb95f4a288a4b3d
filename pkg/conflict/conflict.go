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

// Package conflict provides standalone HEAD-based probes for whether a
// remote target already exists, so callers can pre-validate a batch of
// uploads before committing any bytes.
package conflict

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/webdav-go/davtransfer/pkg/account"
)

// Kind enumerates the conflict outcomes a HEAD probe can surface.
type Kind int

const (
	None Kind = iota
	AlreadyExists
	PermissionDenied

	// VersionMismatch is part of the conflict taxonomy but is not
	// produced by Detect today: HEAD-based detection can only observe
	// "exists" or "doesn't exist", not a stale-version race. It is
	// reserved for a future conditional-PUT path that would surface a
	// 412 Precondition Failed as this Kind instead of a bare Error.
	VersionMismatch
)

// Info carries what a HEAD probe learned about an existing target.
type Info struct {
	Size         *int64
	LastModified *time.Time
	ETag         *string
}

// Conflict is the result of probing one target URL.
type Conflict struct {
	Kind Kind
	Info *Info // non-nil only when Kind == AlreadyExists
}

// Error wraps an unexpected HEAD-probe outcome: for Detect, anything
// other than 200, 404, or 403; for GetExistingFileInfo, anything other
// than 200 or 404.
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return "conflict: unexpected HEAD status " + strconv.Itoa(e.StatusCode) + ": " + e.Err.Error()
}
func (e *Error) Unwrap() error { return e.Err }

// Detect issues HEAD target and classifies the response into a
// Conflict. A 404 response yields Kind == None; the caller is then
// clear to upload.
func Detect(ctx context.Context, client *account.HTTPClient, target string) (Conflict, error) {
	resp, err := head(ctx, client, target)
	if err != nil {
		return Conflict{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return Conflict{Kind: None}, nil
	case http.StatusForbidden:
		return Conflict{Kind: PermissionDenied}, nil
	case http.StatusOK:
		return Conflict{Kind: AlreadyExists, Info: infoFromResponse(resp)}, nil
	default:
		return Conflict{}, &Error{StatusCode: resp.StatusCode, Err: errors.New("conflict: unexpected status")}
	}
}

// GetExistingFileInfo issues HEAD target and returns the existing file's
// metadata, or nil if nothing exists there (404).
func GetExistingFileInfo(ctx context.Context, client *account.HTTPClient, target string) (*Info, error) {
	resp, err := head(ctx, client, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, Err: errors.New("conflict: unexpected status")}
	}
	return infoFromResponse(resp), nil
}

func head(ctx context.Context, client *account.HTTPClient, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "conflict: building HEAD request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "conflict: HEAD request")
	}
	return resp, nil
}

func infoFromResponse(resp *http.Response) *Info {
	info := &Info{}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = &n
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(time.RFC1123, lm); err == nil {
			info.LastModified = &t
		} else if t, err := time.Parse(time.RFC1123Z, lm); err == nil {
			info.LastModified = &t
		}
	}
	if et := resp.Header.Get("ETag"); et != "" {
		etag := strings.Trim(strings.TrimPrefix(et, "W/"), `"`)
		info.ETag = &etag
	}
	return info
}
