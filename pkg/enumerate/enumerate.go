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

// Package enumerate sends PROPFIND for a batch of paths and converts the
// multistatus response into Resource Handles. It never recurses: the
// caller supplies the exact set of paths to list.
package enumerate

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go4.org/syncutil"

	"github.com/webdav-go/davtransfer/pkg/account"
	"github.com/webdav-go/davtransfer/pkg/davconfig"
	"github.com/webdav-go/davtransfer/pkg/resource"
	"github.com/webdav-go/davtransfer/pkg/urlpath"
)

// Depth mirrors the three PROPFIND depths the protocol allows.
type Depth int

const (
	DepthZero Depth = iota
	DepthOne
	DepthInfinity
)

func (d Depth) header() string {
	switch d {
	case DepthZero:
		return "0"
	case DepthOne:
		return "1"
	default:
		return "infinity"
	}
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`

// maxConcurrentPaths bounds how many PROPFIND requests are in flight at
// once across a single Enumerator.GetFolders call, the same gating
// pattern the teacher uses for concurrent stats (pkg/blobserver/stat.go).
const maxConcurrentPaths = 8

// Error is the Directory Enumerator's error taxonomy. Kind names the
// failure category from §7; Err is the wrapped cause.
type Error struct {
	Kind string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("enumerate: %s(%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("enumerate: %s: %v", e.Kind, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

const (
	KindHTTP               = "http"
	KindXMLParse           = "xml_parse"
	KindStatusParse        = "status_parse"
	KindResourceConversion = "resource_conversion"
	KindURLFormat          = "url_format"
	KindAccount            = "account"
	KindNoValidPropstat    = "no_valid_propstat"
)

// Enumerator sends PROPFIND requests against one account's registry
// entry and converts results into Resource Handles.
type Enumerator struct {
	Registry *account.Registry
	Global   *davconfig.Store
	Log      *log.Logger
}

// New constructs an Enumerator. If logger is nil, a discarding logger is
// used.
func New(registry *account.Registry, global *davconfig.Store, logger *log.Logger) *Enumerator {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	return &Enumerator{Registry: registry, Global: global, Log: logger}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// GetFolders resolves key to an HTTP client, fans out one PROPFIND per
// path at the given depth, and returns one []Handle per input path, in
// input order. A per-path failure is logged and yields an empty inner
// slice for that path; the whole call only fails if the account itself
// cannot be resolved.
func (e *Enumerator) GetFolders(key account.Key, paths []string, depth Depth) ([][]*resource.Handle, error) {
	h, err := e.Registry.Get(key)
	if err != nil {
		return nil, &Error{Kind: KindAccount, Err: err}
	}
	defer h.Release()

	results := make([][]*resource.Handle, len(paths))
	gate := syncutil.NewGate(maxConcurrentPaths)
	var grp syncutil.Group

	for i, p := range paths {
		i, p := i, p
		gate.Start()
		grp.Go(func() error {
			defer gate.Done()
			handles, err := e.getFolder(key, h.Client(), p, depth)
			if err != nil {
				e.Log.Printf("enumerate: path %q failed: %v", p, err)
				results[i] = nil
				return nil
			}
			results[i] = handles
			return nil
		})
	}
	// Per-path errors are swallowed into empty results above; grp.Err()
	// can only be non-nil here if a future per-path branch chooses to
	// propagate instead of log-and-continue.
	_ = grp.Err()
	return results, nil
}

func (e *Enumerator) getFolder(key account.Key, client *account.HTTPClient, rawPath string, depth Depth) ([]*resource.Handle, error) {
	target, err := urlpath.FormatURLPath(key, rawPath)
	if err != nil {
		return nil, &Error{Kind: KindURLFormat, Path: rawPath, Err: err}
	}

	req, err := http.NewRequest("PROPFIND", target, strings.NewReader(propfindBody))
	if err != nil {
		return nil, &Error{Kind: KindHTTP, Path: rawPath, Err: err}
	}
	req.ContentLength = int64(len(propfindBody))
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Depth", depth.header())

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindHTTP, Path: rawPath, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		body, _ := readLimited(resp.Body)
		return nil, &Error{Kind: KindStatusParse, Path: rawPath, Err: errors.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var ms multiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, &Error{Kind: KindXMLParse, Path: rawPath, Err: err}
	}

	base, err := url.Parse(key.BaseURL)
	if err != nil {
		return nil, &Error{Kind: KindURLFormat, Path: rawPath, Err: err}
	}

	handles := make([]*resource.Handle, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		desc, err := convert(key, base, r)
		if err != nil {
			return nil, &Error{Kind: KindResourceConversion, Path: rawPath, Err: err}
		}
		handles = append(handles, resource.NewHandle(desc, client.Clone(), e.Global))
	}
	return handles, nil
}

// convert turns one <response> block into an immutable Descriptor,
// following the property-stat selection rules from §4.4.
func convert(key account.Key, base *url.URL, r response) (*resource.Descriptor, error) {
	var chosen *prop
	for i := range r.Propstats {
		if isSuccessStatus(r.Propstats[i].Status) {
			chosen = &r.Propstats[i].Prop
			break
		}
	}
	if chosen == nil {
		return nil, errors.Wrapf(errNoValidPropstat, "href %q", r.Href)
	}

	hrefURL, err := url.Parse(r.Href)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing href %q", r.Href)
	}
	abs := base.ResolveReference(hrefURL)

	name := chosen.DisplayName
	if name == "" {
		name = decodedLastSegment(abs.Path)
	}

	desc := &resource.Descriptor{
		BaseURL:          key.BaseURL,
		RelativeRootPath: strings.TrimPrefix(abs.Path, base.Path),
		AbsolutePath:     abs.String(),
		DisplayName:      name,
		IsDir:            chosen.ResourceType.Collection != nil,
	}

	if chosen.ContentLength != "" {
		if n, err := strconv.ParseUint(chosen.ContentLength, 10, 64); err == nil {
			size := int64(n)
			desc.Size = &size
		}
	}
	if chosen.LastModified != "" {
		if t, err := time.Parse(time.RFC1123, chosen.LastModified); err == nil {
			desc.LastModified = &t
		}
	}
	if chosen.ContentType != "" {
		mime := chosen.ContentType
		desc.MIME = &mime
	}
	if chosen.Owner != "" {
		owner := chosen.Owner
		desc.Owner = &owner
	}
	if chosen.ETag != "" {
		etag := strings.Trim(strings.TrimPrefix(chosen.ETag, "W/"), `"`)
		desc.ETag = &etag
	}
	for _, priv := range chosen.CurrentUserPrivs.Privilege {
		desc.Privileges = append(desc.Privileges, privilegeName(priv.InnerXML))
	}

	return desc, nil
}

var errNoValidPropstat = errors.New("enumerate: no propstat with a 2xx status")

func isSuccessStatus(status string) bool {
	fields := strings.Fields(status)
	for _, f := range fields {
		if len(f) == 3 && f[0] == '2' {
			return true
		}
	}
	return false
}

func decodedLastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndex(p, "/")
	seg := p
	if idx >= 0 {
		seg = p[idx+1:]
	}
	if decoded, err := url.PathUnescape(seg); err == nil {
		return decoded
	}
	return seg
}

func privilegeName(inner []byte) string {
	s := strings.TrimSpace(string(inner))
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, "/>")
	s = strings.TrimSuffix(s, ">")
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	return s
}

func readLimited(r io.Reader) (string, error) {
	var buf bytes.Buffer
	_, err := io.CopyN(&buf, r, 4096)
	if err != nil && err != io.EOF {
		return buf.String(), err
	}
	return buf.String(), nil
}
