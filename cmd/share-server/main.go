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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencodehq/share/internal/blobstore"
	"github.com/opencodehq/share/internal/broadcast"
	"github.com/opencodehq/share/internal/coordinator"
	"github.com/opencodehq/share/internal/httpapi"
	"github.com/opencodehq/share/internal/kvstore"
	"github.com/opencodehq/share/internal/placement"
	"github.com/opencodehq/share/internal/viewer"
	"github.com/opencodehq/share/pkg/logging"
	"github.com/opencodehq/share/pkg/metrics"
)

// flags groups all CLI flags for the share-server binary.
type flags struct {
	apiAddr      string
	healthAddr   string
	metricsAddr  string
	postgresConn string
	redisAddrs   string
	webDomain    string
	blobBackend  string
	blobBucket   string
	blobRegion   string
	blobEndpoint string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "API server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "Health probe listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres connection string")
	flag.StringVar(&f.redisAddrs, "redis-addrs", "", "Redis addresses (comma-separated); enables cross-instance fan-out and leasing")
	flag.StringVar(&f.webDomain, "web-domain", "opencode.ai", "Public domain used to build share URLs")
	flag.StringVar(&f.blobBackend, "blob-backend", "", "Blob mirror backend (s3, gcs, azure); memory if unset")
	flag.StringVar(&f.blobBucket, "blob-bucket", "", "Blob mirror bucket/container name")
	flag.StringVar(&f.blobRegion, "blob-region", "", "Blob mirror region (S3)")
	flag.StringVar(&f.blobEndpoint, "blob-endpoint", "", "Blob mirror endpoint (S3)")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.postgresConn, "", "POSTGRES_CONN")
	envFallback(&f.redisAddrs, "", "REDIS_ADDRS")
	envFallback(&f.webDomain, "opencode.ai", "WEB_DOMAIN")
	envFallback(&f.blobBackend, "", "BLOB_BACKEND")
	envFallback(&f.blobBucket, "", "BLOB_BUCKET")
	envFallback(&f.blobRegion, "", "BLOB_REGION")
	envFallback(&f.blobEndpoint, "", "BLOB_ENDPOINT")
	envFallback(&f.apiAddr, ":8080", "API_ADDR")
	envFallback(&f.healthAddr, ":8081", "HEALTH_ADDR")
	envFallback(&f.metricsAddr, ":9090", "METRICS_ADDR")
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

	// --- Logger ---
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	// --- Validate ---
	if f.postgresConn == "" {
		return fmt.Errorf("--postgres-conn or POSTGRES_CONN is required")
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres pool (shared) ---
	pool, err := initPool(ctx, f.postgresConn)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.V(1).Info("postgres pool created",
		"maxConns", envInt32("PG_MAX_CONNS", defaultMaxConns),
		"minConns", envInt32("PG_MIN_CONNS", defaultMinConns),
	)

	// --- Migrations ---
	if err := runMigrations(f.postgresConn, log); err != nil {
		return err
	}
	log.V(1).Info("migrations complete")

	store := kvstore.NewPostgresStoreFromPool(pool)

	mirror, mirrorCleanup, err := initBlobMirror(ctx, f, log)
	if err != nil {
		return err
	}
	defer mirrorCleanup()

	shareMetrics := metrics.NewShareMetrics(metrics.Config{Namespace: "share"})

	manager, managerCleanup, err := initManager(f, store, mirror, shareMetrics, log)
	if err != nil {
		return err
	}
	defer managerCleanup()

	// --- Build API mux ---
	apiMux, viewerSrv := buildAPIMux(manager, f, log)

	// --- Servers ---
	healthSrv := newHealthServer(f.healthAddr, pool)
	metricsSrv := newMetricsServer(f.metricsAddr)
	apiSrv := &http.Server{Addr: f.apiAddr, Handler: apiMux}

	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)
	startHTTPServer(log, "share API", f.apiAddr, apiSrv)

	log.Info("share-server ready",
		"api", f.apiAddr,
		"health", f.healthAddr,
		"metrics", f.metricsAddr,
		"redis", f.redisAddrs != "",
		"blobBackend", f.blobBackend,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	// Hijacked websocket connections are not covered by http.Server.Shutdown;
	// close them first so the API server can drain.
	if err := viewerSrv.Shutdown(context.Background()); err != nil {
		log.Error(err, "viewer shutdown error")
	}
	shutdownServers(log, apiSrv, healthSrv, metricsSrv)
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

// shutdownServers gracefully stops all servers with a 30-second timeout, in
// reverse priority order: the API server stops taking new work first, then
// metrics, then health (so orchestrators probing health see this instance
// draining until the very end).
func shutdownServers(log logr.Logger, apiSrv, healthSrv, metricsSrv *http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, s := range []struct {
		name string
		srv  *http.Server
	}{
		{"API", apiSrv},
		{"metrics", metricsSrv},
		{"health", healthSrv},
	} {
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
}

// Pool configuration defaults.
const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// initPool creates and returns a pgxpool connection pool with configured
// limits. Pool settings are read from environment variables with sensible
// defaults: PG_MAX_CONNS (default 25), PG_MIN_CONNS (default 5),
// PG_MAX_CONN_LIFETIME (default 1h), PG_MAX_CONN_IDLE_TIME (default 30m).
func initPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres connection string: %w", err)
	}

	poolCfg.MaxConns = envInt32("PG_MAX_CONNS", defaultMaxConns)
	poolCfg.MinConns = envInt32("PG_MIN_CONNS", defaultMinConns)
	poolCfg.MaxConnLifetime = envDuration("PG_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	poolCfg.MaxConnIdleTime = envDuration("PG_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return pool, nil
}

func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// runMigrations applies the share_sessions/share_kv schema.
func runMigrations(connStr string, log logr.Logger) error {
	migrator, err := kvstore.NewMigrator(connStr, log)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer func() { _ = migrator.Close() }()
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// initBlobMirror builds the blobstore.Mirror backing archived session content
// (info, messages, parts). Falls back to an in-memory store when no backend is
// configured, so a single-node deployment needs no object storage.
func initBlobMirror(ctx context.Context, f *flags, log logr.Logger) (*blobstore.Mirror, func(), error) {
	if f.blobBackend == "" || f.blobBucket == "" {
		log.V(1).Info("blob mirror using in-memory store", "reason", "no backend configured")
		store := blobstore.NewMemoryBlobStore()
		return blobstore.NewMirror(store), func() {}, nil
	}

	var store blobstore.BlobStore
	var err error
	switch blobstore.BackendType(f.blobBackend) {
	case blobstore.BackendS3:
		store, err = blobstore.NewS3BlobStore(ctx, f.blobBucket, blobstore.S3Config{
			Region:   f.blobRegion,
			Endpoint: f.blobEndpoint,
		})
	case blobstore.BackendGCS:
		store, err = blobstore.NewGCSBlobStore(ctx, f.blobBucket, blobstore.GCSConfig{})
	case blobstore.BackendAzure:
		store, err = blobstore.NewAzureBlobStore(ctx, f.blobBucket, blobstore.AzureConfig{})
	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", f.blobBackend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s blob store: %w", f.blobBackend, err)
	}
	log.V(1).Info("blob mirror initialized", "backend", f.blobBackend, "bucket", f.blobBucket)

	mirror := blobstore.NewMirror(store)
	return mirror, func() { _ = store.Close() }, nil
}

// initManager builds the coordinator.Manager, optionally wiring a Redis
// cross-instance broadcaster and lease-based single-placement when
// REDIS_ADDRS is configured.
func initManager(f *flags, store kvstore.Store, mirror *blobstore.Mirror, rec metrics.Recorder, log logr.Logger) (*coordinator.Manager, func(), error) {
	opts := []coordinator.ManagerOption{
		coordinator.WithManagerMetrics(rec),
		coordinator.WithManagerLogger(log),
	}
	var cleanups []func()

	if f.redisAddrs != "" {
		addrs := strings.Split(f.redisAddrs, ",")

		remote, err := broadcast.NewRedis(broadcast.RedisConfig{Addrs: addrs})
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis broadcaster: %w", err)
		}
		opts = append(opts, coordinator.WithManagerRemote(remote))
		cleanups = append(cleanups, func() { _ = remote.Close() })

		leaser, err := placement.NewRedisLeaser(placement.RedisConfig{Addrs: addrs})
		if err != nil {
			return nil, nil, fmt.Errorf("creating redis leaser: %w", err)
		}
		holderID := holderIdentity()
		opts = append(opts, coordinator.WithLeaser(leaser, holderID))
		cleanups = append(cleanups, func() { _ = leaser.Close() })
		log.V(1).Info("cross-instance fan-out enabled", "addrs", addrs, "holderID", holderID)
	}

	manager := coordinator.NewManager(f.webDomain, store, mirror, opts...)
	cleanups = append(cleanups, manager.Close)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	return manager, cleanup, nil
}

// holderIdentity derives this replica's identity for lease metadata: the
// hostname when available, otherwise a random id.
func holderIdentity() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// buildAPIMux assembles the share API routes and the viewer websocket
// endpoint into one mux, returning the viewer server so shutdown can close
// its hijacked connections explicitly.
func buildAPIMux(manager *coordinator.Manager, f *flags, log logr.Logger) (http.Handler, *viewer.Server) {
	viewerSrv := viewer.NewServer(viewer.DefaultConfig(), manager, log)
	handler := httpapi.NewHandler(manager, viewerSrv, log)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux, viewerSrv
}

// newMetricsServer creates a dedicated HTTP server for Prometheus metrics.
func newMetricsServer(addr string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: metricsMux}
}

// newHealthServer creates an HTTP server for health and readiness probes.
func newHealthServer(addr string, pool *pgxpool.Pool) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("postgres unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: healthMux}
}
