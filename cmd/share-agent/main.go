/*
Copyright 2025.

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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/opencodehq/share/internal/publisher"
	"github.com/opencodehq/share/internal/storage"
	"github.com/opencodehq/share/pkg/bus"
	"github.com/opencodehq/share/pkg/logging"
)

// defaultCoordinatorURL is the author-side default for SHARE_COORDINATOR_URL.
const defaultCoordinatorURL = "https://api.dev.opencode.ai"

// publisherTimeout bounds a single share_sync POST.
const publisherTimeout = 10 * time.Second

// flags groups all CLI flags for the share-agent binary.
type flags struct {
	storageRoot    string
	coordinatorURL string
	controlAddr    string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.storageRoot, "storage-root", "./.share-agent", "Local session storage root directory")
	flag.StringVar(&f.coordinatorURL, "coordinator-url", defaultCoordinatorURL, "Coordinator base URL")
	flag.StringVar(&f.controlAddr, "control-addr", "127.0.0.1:7601", "Local control API listen address")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.storageRoot, "./.share-agent", "STORAGE_ROOT")
	envFallback(&f.coordinatorURL, defaultCoordinatorURL, "SHARE_COORDINATOR_URL")
	envFallback(&f.controlAddr, "127.0.0.1:7601", "CONTROL_ADDR")
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := bus.New()
	store, err := storage.New(f.storageRoot, b)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(migrations); err != nil {
		return fmt.Errorf("running storage migrations: %w", err)
	}
	secrets := newSecretStore(store)

	pipeline := publisher.New(b, secrets, f.coordinatorURL,
		publisher.WithLogger(log.WithName("publisher")),
		publisher.WithHTTPClient(publisher.NewInstrumentedClient(publisherTimeout)),
	)
	defer pipeline.Close()

	control := newControlHandler(f.coordinatorURL, secrets, log)
	mux := http.NewServeMux()
	control.registerRoutes(mux)
	controlSrv := &http.Server{Addr: f.controlAddr, Handler: mux}

	startHTTPServer(log, "control", f.controlAddr, controlSrv)

	log.Info("share-agent ready",
		"storageRoot", f.storageRoot,
		"coordinatorURL", f.coordinatorURL,
		"controlAddr", f.controlAddr,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := controlSrv.Shutdown(shutCtx); err != nil {
		log.Error(err, "control server shutdown error")
	}

	return nil
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}
