package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/bexchange/internal/api"
	"github.com/mattjoyce/bexchange/internal/config"
	"github.com/mattjoyce/bexchange/internal/events"
	"github.com/mattjoyce/bexchange/internal/ingest"
	"github.com/mattjoyce/bexchange/internal/lock"
	"github.com/mattjoyce/bexchange/internal/log"
	"github.com/mattjoyce/bexchange/internal/metrics"
	"github.com/mattjoyce/bexchange/internal/registry"
	"github.com/mattjoyce/bexchange/internal/stats"
	"github.com/mattjoyce/bexchange/internal/storage"
)

// pruneInterval is how often the delivery log is trimmed to the retention.
const pruneInterval = time.Hour

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("bexchange starting", "version", version, "config", *configPath, "node", cfg.Service.NodeName)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := stats.NewStore(db)
	hub := events.NewHub(256)
	m := metrics.New()

	reg := registry.New(
		registry.WithMaxParallel(cfg.Service.MaxParallel),
		registry.WithEvents(hub),
		registry.WithMetrics(m),
		registry.WithRecorder(store),
	)

	built, err := config.Build(cfg, config.BuildDeps{Metrics: m, Complete: reg.Complete})
	if err != nil {
		logger.Error("failed to build configuration", "error", err)
		return 1
	}
	for _, p := range built.Processors {
		if err := reg.Add(ctx, p); err != nil {
			logger.Error("failed to register processor", "processor", p.Name(), "error", err)
			return 1
		}
	}
	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start processors", "error", err)
		return 1
	}
	logger.Info("processors started", "count", reg.Len(), "connectors", len(built.Connectors))

	sub, err := ingest.NewSubmitter(reg, ingest.Config{
		Window:  cfg.Ingest.DuplicateWindow,
		Policy:  ingest.Policy(cfg.Ingest.Duplicates),
		Timeout: cfg.Service.DispatchTimeout,
		Events:  hub,
		Metrics: m,
	})
	if err != nil {
		logger.Error("failed to create submitter", "error", err)
		stopRegistry(reg, cfg.Service.StopTimeout, logger)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	if cfg.Ingest.Inbox != "" {
		watcher, err := ingest.NewWatcher(cfg.Ingest.Inbox, sub, cfg.Ingest.Settle)
		if err != nil {
			logger.Error("failed to watch inbox", "inbox", cfg.Ingest.Inbox, "error", err)
			stopRegistry(reg, cfg.Service.StopTimeout, logger)
			return 1
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("watcher: %w", err)
			}
		}()
		logger.Info("inbox watcher enabled", "inbox", cfg.Ingest.Inbox)
	}

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:       cfg.API.Listen,
			APIKey:       cfg.API.Auth.APIKey,
			Tokens:       built.Tokens,
			Peers:        built.Peers,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
		}, reg, sub, hub, m.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.State.Retention > 0 {
		go pruneLoop(ctx, store, cfg.State.Retention, logger)
	}

	logger.Info("bexchange running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	stopRegistry(reg, cfg.Service.StopTimeout, logger)

	logger.Info("bexchange stopped")
	return code
}

// stopRegistry drains every processor. Each processor bounds its own drain by
// the stop timeout; the outer deadline only guards against a stuck stop.
func stopRegistry(reg *registry.Registry, stopTimeout time.Duration, logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout+5*time.Second)
	defer cancel()
	if err := reg.Stop(stopCtx); err != nil {
		logger.Warn("processors did not stop cleanly", "error", err)
	}
}

func pruneLoop(ctx context.Context, store *stats.Store, retention time.Duration, logger *slog.Logger) {
	prune := func() {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("failed to prune delivery log", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("pruned delivery log", "removed", n, "retention", retention)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		return 1
	}

	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		add("config", false, err.Error())
	} else {
		add("config", true, fmt.Sprintf("%d processors, %d connectors", len(cfg.Processors), len(cfg.Connectors)))
		dbOK, dbDetail := databaseStatus(cfg.State.Path)
		add("database", dbOK, dbDetail)

		lockPath := lock.PathFor(cfg.State.Path)
		l, err := lock.Acquire(lockPath)
		switch {
		case errors.Is(err, lock.ErrLocked):
			detail := "held by a running instance"
			if pid, ok := lock.Holder(lockPath); ok {
				detail = fmt.Sprintf("held by pid %d", pid)
			}
			add("lock", true, detail)
		case err != nil:
			add("lock", false, err.Error())
		default:
			_ = l.Release()
			add("lock", true, "free (node not running)")
		}
	}

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			mark := "OK  "
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("[%s] %-9s %s\n", mark, c.Name, c.Detail)
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// databaseStatus reports the state database. A missing file is not a failure,
// start creates it.
func databaseStatus(path string) (bool, string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return true, path + " (not created yet)"
	}
	if err := storage.CheckLocalFilesystem(path); err != nil {
		return false, err.Error()
	}
	return true, path
}
