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

package account

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log"
	"net/http"
	"time"
)

// maxIdleConnsPerHost mirrors the teacher's maxParallelHTTP gating
// (pkg/client/client.go) but sized for the chunked-transfer engines,
// which may hold several concurrent range requests open per host.
const maxIdleConnsPerHost = 16

// HTTPClient owns one connection pool preconfigured with the account's
// Authorization header. Cloning an HTTPClient is cheap: the clone shares
// the same underlying *http.Client and transport, so the pool itself is
// never duplicated.
type HTTPClient struct {
	authHeader string
	userDigest [sha256.Size]byte
	passDigest [sha256.Size]byte
	httpClient *http.Client
}

// newHTTPClient builds an HTTPClient whose Authorization header is
// precomputed from username/password, and whose underlying *http.Client
// uses a dedicated connection pool wrapped in a statsTransport. Passwords
// are hashed immediately; only the digest is retained (the digest is
// used purely to implement Equal, never to reconstruct the password).
func newHTTPClient(username, password string, logger *log.Logger, verbose bool) *HTTPClient {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return &HTTPClient{
		authHeader: "Basic " + token,
		userDigest: sha256.Sum256([]byte(username)),
		passDigest: sha256.Sum256([]byte(password)),
		httpClient: &http.Client{
			Transport: &statsTransport{
				transport: &http.Transport{
					MaxIdleConnsPerHost: maxIdleConnsPerHost,
					IdleConnTimeout:     90 * time.Second,
				},
				verboseLog: verbose,
				logger:     logger,
			},
		},
	}
}

// Clone returns a shallow copy of c. Because the underlying *http.Client
// and its transport/pool are shared by reference, Clone never opens new
// connections or duplicates pool state.
func (c *HTTPClient) Clone() *HTTPClient {
	clone := *c
	return &clone
}

// Equal reports whether c and other were constructed from identical
// (username, password) pairs, by comparing their digests. This lets two
// independently constructed clients (e.g. from two Registry.Add calls
// with the same credentials) compare equal without ever storing the
// plaintext password.
func (c *HTTPClient) Equal(other *HTTPClient) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.userDigest == other.userDigest && c.passDigest == other.passDigest
}

// Do executes req with the account's Authorization header attached,
// using the shared connection pool.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", c.authHeader)
	return c.httpClient.Do(req)
}

// Fingerprint returns a stable hex identifier for this client's
// credentials, useful for logging without leaking the password.
func (c *HTTPClient) Fingerprint() string {
	return hex.EncodeToString(c.userDigest[:8]) + hex.EncodeToString(c.passDigest[:8])
}

// Requests reports how many HTTP round trips this client (and every
// clone sharing its transport) has performed so far.
func (c *HTTPClient) Requests() int {
	if st, ok := c.httpClient.Transport.(*statsTransport); ok {
		return st.Requests()
	}
	return 0
}
