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
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// statsTransport wraps an *http.Transport, counting requests and
// optionally logging a one-line summary of each round trip. It backs
// every HTTPClient so Registry callers get request counts and verbose
// HTTP logging for free.
type statsTransport struct {
	mu   sync.Mutex
	reqs int

	transport  http.RoundTripper
	verboseLog bool
	logger     *log.Logger
}

func (t *statsTransport) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reqs
}

func (t *statsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	t.reqs++
	n := t.reqs
	t.mu.Unlock()

	if t.verboseLog {
		t.logger.Printf("(%d) %s %s ...", n, req.Method, req.URL)
	}
	start := time.Now()
	resp, err := t.transport.RoundTrip(req)
	if t.verboseLog {
		if err != nil {
			t.logger.Printf("(%d) %s %s = error: %v (in %v)", n, req.Method, req.URL, err, time.Since(start))
		} else {
			t.logger.Printf("(%d) %s %s = status %d (in %v)", n, req.Method, req.URL, resp.StatusCode, time.Since(start))
			resp.Body = &loggingBody{body: resp.Body, n: n, logger: t.logger, start: start}
		}
	}
	return resp, err
}

type loggingBody struct {
	body      io.ReadCloser
	n         int
	logger    *log.Logger
	start     time.Time
	closeOnce sync.Once
}

func (b *loggingBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *loggingBody) Close() error {
	b.closeOnce.Do(func() {
		b.logger.Printf("(%d) close body (%v total)", b.n, time.Since(b.start))
	})
	return b.body.Close()
}
