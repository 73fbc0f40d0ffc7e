// Command retrain fits the anomaly profile once from the normal samples in
// PostgreSQL and writes it to ANOMALY_PROFILE_PATH. Running servers pick up
// the new file through their profile watcher.
//
// Usage:
//
//	go run ./cmd/retrain              # fit from up to 1000 samples
//	go run ./cmd/retrain -limit 5000  # read more samples
//	go run ./cmd/retrain -out p.json  # override the output path
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/config"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/retrain"
	"github.com/mbd888/payguard/internal/samples"
	"github.com/mbd888/payguard/migrations"
)

func main() {
	limit := flag.Int("limit", samples.DefaultNormalLimit, "maximum normal samples to read")
	out := flag.String("out", "", "profile output path (defaults to ANOMALY_PROFILE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	path := *out
	if path == "" {
		path = cfg.AnomalyProfilePath
	}
	if path == "" {
		logger.Error("no output path: set ANOMALY_PROFILE_PATH or -out")
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; in-memory samples do not outlive the server")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := migrations.Up(ctx, db); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	store := samples.NewPostgresStore(db)
	stats, err := store.Stats(ctx)
	if err != nil {
		logger.Error("failed to read sample stats", "error", err)
		os.Exit(1)
	}
	logger.Info("samples available", "total", stats.Total, "normal", stats.Normal, "risk", stats.Risk)

	detector := anomaly.NewDetector(anomaly.WithThreshold(cfg.AnomalyThreshold), anomaly.WithLogger(logger))
	runner := retrain.NewRunner(store, detector,
		retrain.WithLimit(*limit),
		retrain.WithProfilePath(path),
		retrain.WithLogger(logger),
	)

	res, err := runner.RunOnce(ctx)
	if err != nil {
		logger.Error("retrain failed", "error", err)
		os.Exit(1)
	}
	if res.Outcome != retrain.ResultFitted {
		logger.Warn("profile not written", "outcome", res.Outcome, "samples", res.Samples, "need", anomaly.MinSamples)
		os.Exit(2)
	}
	logger.Info("anomaly profile written", "path", path, "samples", res.Samples)
}
