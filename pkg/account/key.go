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

// Package account owns the identity and connection-pooling side of a
// WebDAV account: the Account Key, the shared HTTP Client built from
// credentials, and the Client Registry that maps one to the other.
package account

import (
	"net/url"

	"github.com/pkg/errors"
)

// Key uniquely identifies one account's HTTP client: a normalized base
// URL (always ending in "/") plus a username. Key is comparable and can
// be used directly as a map key. The password is intentionally never
// part of the key.
type Key struct {
	BaseURL  string
	Username string
}

// String renders the key the way log lines and error messages want it.
func (k Key) String() string {
	return k.Username + "@" + k.BaseURL
}

// NewKey parses rawURL, normalizes it to have a trailing slash on its
// path, and pairs it with username to form a Key.
//
// Normalization matches pkg/client.condRewriteURL's spirit in the
// teacher: parse once, then repair the one property ("ends in a slash")
// that every later URL join depends on.
func NewKey(rawURL, username string) (Key, error) {
	if rawURL == "" {
		return Key{}, errors.New("account: empty base URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, errors.Wrapf(err, "account: parsing base URL %q", rawURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return Key{}, errors.Errorf("account: base URL %q is missing a scheme or host", rawURL)
	}
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	return Key{BaseURL: u.String(), Username: username}, nil
}
