package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"

	"tubarr/internal/app"
	"tubarr/internal/config"
	"tubarr/internal/logging"
	"tubarr/internal/storage"
)

func main() {
	syncOnce := flag.Bool("sync-once", false, "queue one sync pass over all subscriptions and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve home directory: %v\n", err)
		os.Exit(1)
	}

	baseDir := filepath.Join(home, ".tubarr")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create config directory: %v\n", err)
		os.Exit(1)
	}

	configPath := filepath.Join(baseDir, "config.yaml")
	cfg, err := config.Ensure(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(filepath.Join(baseDir, "tubarr.log"), cfg.LogLevel)

	dbPath := filepath.Join(baseDir, "tubarr.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		log.Fatal("failed to open database", "err", err)
	}
	defer db.Close()

	application := app.New(cfg, configPath, db)
	defer application.Close()

	if *syncOnce {
		queued, err := application.SyncAll(ctx)
		if err != nil {
			log.Fatal("sync failed", "err", err)
		}
		fmt.Fprintf(os.Stdout, "Queued %d sync jobs.\n", len(queued))
		// The jobs run on the scheduler's workers; leaving before they
		// settle would tear the workers down mid-batch.
		if err := application.WaitForJobs(ctx, queued); err != nil {
			log.Warn("interrupted before all sync jobs settled", "err", err)
		}
		return
	}

	log.Info("tubarr started", "workers", cfg.WorkerLimit, "sync_interval_min", cfg.SyncIntervalMin)
	<-ctx.Done()
	log.Info("shutting down")
}
