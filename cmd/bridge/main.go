// r2ha-bridge is an R2 remote-control integration driver that bridges a
// Home Assistant WebSocket API connection to an R2 JSON WebSocket
// integration-driver session.
//
// Usage:
//
//	r2ha-bridge [--config <path>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/tillwagner/r2ha-bridge/internal/config"
	"github.com/tillwagner/r2ha-bridge/internal/controller"
	"github.com/tillwagner/r2ha-bridge/internal/r2server"
	"github.com/tillwagner/r2ha-bridge/internal/settingsstore"
	"github.com/tillwagner/r2ha-bridge/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run is the entry point extracted from main so errors can propagate cleanly.
func run() error {
	// --- Flags -----------------------------------------------------------

	defaultCfg, _ := config.DefaultProcessConfigPath()
	cfgPath := flag.String("config", defaultCfg, "path to config.yaml")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	// --- Logger ------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Process config ------------------------------------------------------

	cfg, err := config.LoadProcessConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded", "listen_addr", cfg.ListenAddr, "db_path", cfg.DBPath)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- Settings store --------------------------------------------------

	store, err := settingsstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening settings store at %q: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing settings store", "error", closeErr)
		}
	}()
	logger.Info("settings store opened", "path", cfg.DBPath)

	haSettings := config.DefaultHASettings()
	blob, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("loading persisted HA settings: %w", err)
	}
	if blob != nil {
		if err := yaml.Unmarshal(blob, &haSettings); err != nil {
			logger.Error("persisted HA settings unreadable, starting from defaults", "error", err)
			haSettings = config.DefaultHASettings()
		} else {
			logger.Info("HA settings restored from previous setup flow", "url", haSettings.URL)
		}
	}

	// --- Wiring ------------------------------------------------------------

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	ctrl := controller.New(haSettings, store, websocket.DefaultDialer, logger)
	srv := r2server.New(logger, ctrl)

	mux := http.NewServeMux()
	srv.Register(mux, "/")
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go ctrl.Run(ctx)

	go func() {
		logger.Info("r2 websocket listener starting", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("r2 websocket listener failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
