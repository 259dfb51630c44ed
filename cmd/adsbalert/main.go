// Command adsbalert polls a readsb aircraft feed and sends an alert when an
// aircraft from a watchlist is in view.
//
// Usage:
//
//	adsbalert -config adsbalert.yaml          # run the poll loop
//	adsbalert -config adsbalert.yaml -once    # one cycle, report on stdout
//	TG_TOKEN=... TG_CHAT_IDS=... adsbalert -config adsbalert.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/adsbalert"
	"github.com/hazyhaar/adsbalert/observability"
)

func main() {
	configPath := flag.String("config", "", "path to adsbalert.yaml config file")
	dbPath := flag.String("db", "", "path to the SQLite state database (overrides db_path)")
	once := flag.Bool("once", false, "run a single cycle and exit")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	flag.Parse()

	cfg, err := adsbalert.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "adsbalert:", err)
		fmt.Fprintln(os.Stderr, "usage: adsbalert -config <file> [-db <path>] [-once] [-log-level <level>]")
		os.Exit(2)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "adsbalert:", err)
		os.Exit(2)
	}
	logger := observability.NewLogger(os.Stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error("adsbalert: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *adsbalert.Config, once bool, logger *slog.Logger) error {
	svc, err := adsbalert.New(cfg, adsbalert.Deps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	// One-shot: a single cycle, report as JSON.
	if once {
		rep, err := svc.RunCycle(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			return encErr
		}
		return err
	}

	hb := observability.NewHeartbeatWriter(svc.DB(), adsbalert.WorkerName, time.Minute, logger)
	go hb.Run(ctx)

	if cfg.StatusListen != "" {
		go func() {
			if err := svc.ServeStatus(ctx, cfg.StatusListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("adsbalert: status API", "error", err)
			}
		}()
	}

	err = svc.Run(ctx)
	<-hb.Done()
	logger.Info("adsbalert: shut down")
	return err
}
