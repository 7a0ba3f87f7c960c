// Package main runs the airsquawk collector.
//
// The collector polls a dump1090/PiAware receiver once per second, tracks
// the visible aircraft, records the best reception per bearing sector and
// altitude zone, and uploads every observation to object storage as
// per-minute NDJSON objects rolled up hourly.
//
// Usage:
//
//	airsquawk [options]
//
// Options:
//
//	-config PATH      YAML configuration file (env: AIRSQUAWK_CONFIG)
//	-server ADDR      Receiver web server, host:port or URL (env: AIRSQUAWK_SERVER)
//	-store BACKEND    Object store: s3, gcs or memory (env: AIRSQUAWK_STORE_BACKEND)
//	-read-only        Log object writes and deletes instead of performing them
//	-listen ADDR      Status API address, empty to disable (env: AIRSQUAWK_API_LISTEN)
//	-log-level LEVEL  debug, info, warn or error (env: LOG_LEVEL)
//
// API Endpoints:
//
//	GET /api/v1/health
//	GET /api/v1/aircraft
//	GET /api/v1/aircraft/{icao_hex}
//	GET /api/v1/reception
//	GET /api/v1/stats
//	GET /api/v1/sightings
//	GET /metrics
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airsquawk/internal/api"
	"airsquawk/internal/collector"
	"airsquawk/internal/config"
	"airsquawk/internal/feed"
	"airsquawk/internal/logging"
	"airsquawk/internal/metrics"
	"airsquawk/internal/objstore"
	"airsquawk/internal/source"
	"airsquawk/internal/storage"
)

func main() {
	configPath := flag.String("config", envOrDefault("AIRSQUAWK_CONFIG", ""), "YAML configuration file")
	server := flag.String("server", "", "Receiver web server (overrides config)")
	backend := flag.String("store", "", "Object store backend: s3, gcs or memory (overrides config)")
	readOnly := flag.Bool("read-only", false, "Log object writes and deletes instead of performing them")
	listen := flag.String("listen", "", "Status API listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Source.Server = *server
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
	}
	if *readOnly {
		cfg.Store.ReadOnly = true
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("collector failed", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	spool, err := storage.OpenSpool(cfg.Upload.SpoolPath)
	if err != nil {
		return err
	}
	defer spool.Close()

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	deps := collector.Deps{
		Source:  source.New(cfg.Source.Server, cfg.Source.Timeout),
		Store:   store,
		Journal: spool,
		Metrics: m,
	}

	// The databases and the feed are optional: an unreachable one is
	// logged and the collector runs without it.
	var sightings api.SightingStore
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := storage.Open(dbCtx, storage.Config{
		ClickHouse: storage.ClickHouseConfig(cfg.ClickHouse),
		Postgres:   storage.PostgresConfig(cfg.Postgres),
	})
	cancel()
	if err != nil {
		log.Warn("databases unavailable", slog.Any("error", err))
	} else {
		defer db.Close()
		if db.CH != nil {
			deps.Sink = db.CH
		}
		if db.PG != nil {
			deps.Sightings = db.PG
			sightings = db.PG
		}
	}

	if cfg.NATS.URL != "" {
		pub, err := feed.Connect(cfg.NATS.URL, cfg.NATS.Subject, log)
		if err != nil {
			log.Warn("live feed unavailable", slog.Any("error", err))
		} else {
			defer pub.Close()
			deps.Feed = pub
		}
	}

	c, err := collector.New(cfg, deps, log)
	if err != nil {
		return err
	}

	if cfg.API.Listen != "" {
		srv := api.NewServer(c, sightings, m.Handler(), api.Config{Listen: cfg.API.Listen, APIKeys: cfg.API.APIKeys}, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("status API stopped", slog.Any("error", err))
			}
		}()
	}

	return c.Run(ctx)
}

// openStore connects the configured object store and creates the
// buckets. In read-only mode writes are logged and skipped.
func openStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (objstore.Store, error) {
	var store objstore.Store
	switch cfg.Backend {
	case "s3":
		s, err := objstore.OpenS3(ctx, objstore.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case "gcs":
		s, err := objstore.OpenGCS(ctx, objstore.GCSConfig{
			ProjectID:       cfg.Project,
			CredentialsFile: cfg.CredsFile,
			Endpoint:        cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case "memory":
		store = objstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if cfg.ReadOnly {
		log.Info("read-only mode: object writes are logged, not performed")
		return objstore.DryRunStore{Store: store, Log: log}, nil
	}

	for _, bucket := range []string{cfg.ObservationsBucket, cfg.ReceptionBucket, cfg.IdentityBucket, cfg.URLBucket} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			log.Warn("bucket unavailable", slog.String("bucket", bucket), slog.Any("error", err))
		}
	}
	return store, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
