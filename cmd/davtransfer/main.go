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

// Command davtransfer is a small CLI demonstrating the library: it lists
// a remote directory and downloads its files, rendering live progress
// bars driven by each handle's reactive byte counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/webdav-go/davtransfer/pkg/account"
	"github.com/webdav-go/davtransfer/pkg/davconfig"
	"github.com/webdav-go/davtransfer/pkg/enumerate"
	"github.com/webdav-go/davtransfer/pkg/resource"
	"github.com/webdav-go/davtransfer/pkg/transfer/download"
)

var (
	flagURL      = flag.String("url", "", "WebDAV account base URL")
	flagUser     = flag.String("user", "", "account username")
	flagPassword = flag.String("password", "", "account password")
	flagPath     = flag.String("path", "/", "remote directory to list and download")
	flagOut      = flag.String("o", ".", "local directory to download into")
	flagVerbose  = flag.Bool("verbose", false, "log each request")
)

func main() {
	flag.Parse()
	if *flagURL == "" || *flagUser == "" {
		fmt.Fprintln(os.Stderr, "usage: davtransfer -url=... -user=... -password=... [-path=/] [-o=.]")
		os.Exit(2)
	}

	var logger *log.Logger
	if *flagVerbose {
		logger = log.New(os.Stderr, "davtransfer: ", log.LstdFlags)
	}

	registry := account.NewRegistry(logger)
	registry.SetVerbose(*flagVerbose)
	key, err := registry.Add(*flagURL, *flagUser, *flagPassword)
	if err != nil {
		log.Fatalf("adding account: %v", err)
	}

	global := davconfig.NewStore(davconfig.DefaultGlobal())
	enumerator := enumerate.New(registry, global, logger)

	results, err := enumerator.GetFolders(key, []string{*flagPath}, enumerate.DepthOne)
	if err != nil {
		log.Fatalf("listing %s: %v", *flagPath, err)
	}

	handles := results[0]
	if handles == nil {
		log.Fatalf("listing %s failed; see log output above", *flagPath)
	}

	var files []*resource.Handle
	for _, h := range handles {
		if !h.Descriptor.IsDir {
			files = append(files, h)
		}
	}
	if len(files) == 0 {
		fmt.Println("nothing to download")
		return
	}

	bars := barsFor(files)
	pool, err := pb.StartPool(bars...)
	if err != nil {
		log.Fatalf("starting progress display: %v", err)
	}

	ctx := context.Background()
	for i, h := range files {
		done := make(chan struct{})
		go watchProgress(h, bars[i], done)

		if err := download.Download(ctx, h, *flagOut); err != nil {
			log.Printf("downloading %s: %v", h.Descriptor.DisplayName, err)
		}
		close(done)
	}
	pool.Stop()
}

func barsFor(files []*resource.Handle) []*pb.ProgressBar {
	bars := make([]*pb.ProgressBar, len(files))
	for i, h := range files {
		total := int64(0)
		if h.Descriptor.Size != nil {
			total = *h.Descriptor.Size
		}
		bars[i] = pb.New64(total).SetTemplateString(
			`{{ string . "prefix" }} {{ bar . }} {{ percent . }}`,
		).Set("prefix", h.Descriptor.DisplayName)
	}
	return bars
}

// watchProgress mirrors h's reactive DownloadBytes counter onto bar
// until done is closed. It selects on the watcher's raw Chan alongside
// done, rather than calling the blocking Changed, so the goroutine
// always wakes and exits once the transfer stops publishing.
func watchProgress(h *resource.Handle, bar *pb.ProgressBar, done <-chan struct{}) {
	watcher := h.State.DownloadBytes.Subscribe()
	for {
		select {
		case <-done:
			bar.SetCurrent(h.State.DownloadBytes.GetCurrent())
			bar.Finish()
			return
		case <-watcher.Chan():
			bar.SetCurrent(h.State.DownloadBytes.GetCurrent())
			watcher = h.State.DownloadBytes.Subscribe()
		}
	}
}
