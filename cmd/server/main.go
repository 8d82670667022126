package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/fpdemo/internal/account"
	"example.com/fpdemo/internal/blob"
	"example.com/fpdemo/internal/config"
	"example.com/fpdemo/internal/httpapi"
	"example.com/fpdemo/internal/ingest"
	"example.com/fpdemo/internal/logging"
	"example.com/fpdemo/internal/snapshot"
	"example.com/fpdemo/internal/storage"
	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (defaults to $FPDEMO_CONFIG)")
		dbURL      = flag.String("db", "", "database URL or sqlite file path (overrides DATABASE_URL)")
		addr       = flag.String("addr", "", "HTTP listen address (overrides ADDR)")
	)
	flag.Parse()

	ctx := context.Background()
	logger := logging.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	snap, err := restoreSnapshot(ctx, cfg, logger)
	if err != nil {
		logger.Error("restore snapshot failed", "error", err)
		os.Exit(1)
	}

	db, err := storage.Open(ctx, storage.Options{
		URL:       cfg.DatabaseURL,
		AuthToken: cfg.DatabaseAuthToken,
		Logger:    logger.With("component", "storage"),
	})
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close store failed", "error", err)
		}
	}()
	if snap != nil {
		snap.Attach(db)
		if cfg.Snapshot.Interval > 0 {
			stop := snap.Start(ctx, db, cfg.Snapshot.Interval)
			defer stop()
		}
	}

	ingestService := ingest.NewService(db, logger.With("component", "ingest"))
	var dispatcher ingest.Dispatcher = ingestService
	if cfg.Temporal.HostPort != "" {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
		})
		if err != nil {
			logger.Error("dial temporal failed", "host_port", cfg.Temporal.HostPort, "error", err)
			os.Exit(1)
		}
		defer c.Close()

		w := ingest.RegisterWorker(c, ingestService, logger)
		if err := w.Start(); err != nil {
			logger.Error("start ingest worker failed", "error", err)
			os.Exit(1)
		}
		defer w.Stop()
		dispatcher = ingest.NewTemporalDispatcher(c, logger)
		logger.Info("durable ingestion enabled", "task_queue", ingest.TaskQueue, "namespace", cfg.Temporal.Namespace)
	}

	secret := cfg.Session.Secret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("SESSION_SECRET not set; sessions will not survive a restart")
	}
	accounts, err := account.NewService(db, account.Options{
		Sessions:     account.NewSessions(secret, cfg.Session.TTL, nil),
		ChallengeTTL: cfg.Session.ChallengeTTL,
		Logger:       logger.With("component", "account"),
	})
	if err != nil {
		logger.Error("init account service failed", "error", err)
		os.Exit(1)
	}

	deps := httpapi.Deps{
		Ingest:         dispatcher,
		Queries:        visitor.NewQueryService(db, logger.With("component", "visitor")),
		Accounts:       accounts,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.With("component", "http"),
	}
	if cfg.Vendor.APIKey != "" {
		deps.Vendor = vendor.NewClient(vendor.ClientConfig{
			APIKey:  cfg.Vendor.APIKey,
			Region:  vendor.Region(cfg.Vendor.Region),
			BaseURL: cfg.Vendor.BaseURL,
		})
	} else {
		logger.Warn("VENDOR_API_KEY not set; /api/fingerprint is disabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServer(deps).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("fpdemo API listening", "addr", cfg.Addr, "dialect", db.Dialect())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, server)
}

// restoreSnapshot pulls the latest snapshot when snapshots are configured for
// a sqlite file that does not exist yet. It returns nil when snapshots are off.
func restoreSnapshot(ctx context.Context, cfg config.Config, logger *slog.Logger) (*snapshot.Snapshotter, error) {
	if cfg.Snapshot.Dir == "" || cfg.DatabaseURL == "" {
		return nil, nil
	}
	if storage.DetectDialect(cfg.DatabaseURL) != storage.DialectSQLite {
		logger.Warn("snapshots only apply to sqlite files; ignoring SNAPSHOT_DIR", "dir", cfg.Snapshot.Dir)
		return nil, nil
	}
	bucket, err := blob.NewDirBucket(cfg.Snapshot.Dir)
	if err != nil {
		return nil, err
	}
	snap := snapshot.New(bucket, snapshot.Options{
		Keep:   cfg.Snapshot.Keep,
		Logger: logger.With("component", "snapshot"),
	})
	if _, err := snap.Restore(ctx, storage.SQLitePath(cfg.DatabaseURL)); err != nil {
		return nil, err
	}
	return snap, nil
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("fpdemo API stopped")
}
