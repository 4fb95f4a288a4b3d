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

// Package urlpath joins a caller-supplied relative or absolute path to
// an account's base URL, rejecting anything that would escape it.
package urlpath

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/webdav-go/davtransfer/pkg/account"
)

// ErrParentDirNotAllowed is returned when the joined URL would resolve
// outside of the account's base URL (scheme, host, or path-prefix
// mismatch) — e.g. a path containing enough "../" segments to escape,
// or a bare root reference.
var ErrParentDirNotAllowed = errors.New("urlpath: path escapes account base URL")

// FormatURLPath joins path onto key.BaseURL using standard URL-join
// semantics (net/url.URL.ResolveReference, which handles "./",
// percent-encoding, and trailing-slash preservation the same way
// url.Parse/url.URL.Parse do in the standard library), then verifies
// that the result's scheme, host, and path all still fall under the
// base URL. Percent-encoded ".." sequences are not collapsed by
// ResolveReference, but net/url decodes them into a literal ".." segment
// of the joined path, and any such segment is rejected as well.
//
// It never follows redirects; it only computes a URL string.
func FormatURLPath(key account.Key, path string) (string, error) {
	base, err := url.Parse(key.BaseURL)
	if err != nil {
		return "", errors.Wrapf(err, "urlpath: parsing base URL %q", key.BaseURL)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "urlpath: parsing path %q", path)
	}
	joined := base.ResolveReference(rel)

	if joined.Scheme != base.Scheme || joined.Host != base.Host || !hasPathPrefix(joined.Path, base.Path) || hasDotDotSegment(joined.Path) {
		return "", errors.Wrapf(ErrParentDirNotAllowed, "urlpath: %q against base %q", path, key.BaseURL)
	}
	return joined.String(), nil
}

func hasPathPrefix(p, prefix string) bool {
	return len(p) >= len(prefix) && p[:len(prefix)] == prefix
}

func hasDotDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
