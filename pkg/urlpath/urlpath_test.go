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

package urlpath

import (
	"errors"
	"testing"

	"github.com/webdav-go/davtransfer/pkg/account"
)

func mustKey(t *testing.T, base, user string) account.Key {
	t.Helper()
	k, err := account.NewKey(base, user)
	if err != nil {
		t.Fatalf("NewKey(%q) error = %v", base, err)
	}
	return k
}

func TestFormatURLPathJoinsUnderBase(t *testing.T) {
	k := mustKey(t, "https://example.test/dav/", "u")
	got, err := FormatURLPath(k, "x/y.txt")
	if err != nil {
		t.Fatalf("FormatURLPath() error = %v", err)
	}
	want := "https://example.test/dav/x/y.txt"
	if got != want {
		t.Errorf("FormatURLPath() = %q, want %q", got, want)
	}
}

func TestFormatURLPathRejectsEscape(t *testing.T) {
	k := mustKey(t, "https://h/a/b/", "u")
	_, err := FormatURLPath(k, "../c")
	if !errors.Is(err, ErrParentDirNotAllowed) {
		t.Errorf("FormatURLPath(%q) error = %v, want ErrParentDirNotAllowed", "../c", err)
	}
}

func TestFormatURLPathRejectsBareRoot(t *testing.T) {
	k := mustKey(t, "https://h/a/b/", "u")
	_, err := FormatURLPath(k, "/")
	if !errors.Is(err, ErrParentDirNotAllowed) {
		t.Errorf("FormatURLPath(\"/\") error = %v, want ErrParentDirNotAllowed", err)
	}
}

func TestFormatURLPathRejectsHostMismatch(t *testing.T) {
	k := mustKey(t, "https://h/a/b/", "u")
	_, err := FormatURLPath(k, "https://evil.example/a/b/c")
	if !errors.Is(err, ErrParentDirNotAllowed) {
		t.Errorf("FormatURLPath(other host) error = %v, want ErrParentDirNotAllowed", err)
	}
}

func TestFormatURLPathAllowsDotSlash(t *testing.T) {
	k := mustKey(t, "https://h/a/b/", "u")
	got, err := FormatURLPath(k, "./c.txt")
	if err != nil {
		t.Fatalf("FormatURLPath() error = %v", err)
	}
	if want := "https://h/a/b/c.txt"; got != want {
		t.Errorf("FormatURLPath() = %q, want %q", got, want)
	}
}

func TestFormatURLPathRejectsPercentEncodedDotDot(t *testing.T) {
	k := mustKey(t, "https://h/a/b/", "u")
	// %2e%2e decodes to ".." before the prefix check runs.
	_, err := FormatURLPath(k, "%2e%2e/c")
	if !errors.Is(err, ErrParentDirNotAllowed) {
		t.Errorf("FormatURLPath(encoded dotdot) error = %v, want ErrParentDirNotAllowed", err)
	}
}
