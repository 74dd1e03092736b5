package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fosrl/relay/config"
	"github.com/fosrl/relay/internal/telemetry"
	"github.com/fosrl/relay/logger"
	"github.com/fosrl/relay/relay"
)

var (
	version = "dev"
	commit  = ""
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listenAddr = flag.String("listen", "", "tunnel listen address (overrides config)")
		logLevel   = flag.String("log-level", "", "log level: DEBUG, INFO, WARN, ERROR, FATAL")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Loading configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger.Init(nil)
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal("%v", err)
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.FromEnv()
	telCfg.BuildVersion = version
	telCfg.BuildCommit = commit
	if cfg.AdminAddr != "" {
		telCfg.AdminAddr = cfg.AdminAddr
	}
	tel, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		logger.Fatal("Initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown: %v", err)
		}
	}()

	if tel.PrometheusHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.PrometheusHandler)
		admin := &http.Server{Addr: telCfg.AdminAddr, Handler: mux}
		go func() {
			logger.Info("Admin server listening on %s", telCfg.AdminAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			admin.Shutdown(shutdownCtx)
		}()
	}

	r := relay.NewRelay(cfg.ListenAddrPort(), cfg.Settings(), cfg.SweepInterval)
	if err := r.Run(ctx); err != nil {
		logger.Fatal("Relay: %v", err)
	}
}
