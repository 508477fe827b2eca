// Package main is the entrypoint for the querycache gateway server.
//
// The gateway assembles an instance from the configuration file, restores
// persisted catalog and cache state when a store is configured, and
// serves the HTTP API until SIGINT or SIGTERM.
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

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/app"
	"github.com/canonica-labs/querycache/internal/config"
	"github.com/canonica-labs/querycache/internal/gateway"
	"github.com/canonica-labs/querycache/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr       = flag.String("addr", "", "HTTP listen address (default :<server.port>)")
		configPath = flag.String("config", "", "config file (default: ~/.querycache/config.yaml)")
		showVer    = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("querycache-gateway %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if len(cfg.Auth.Users) == 0 {
		return fmt.Errorf("no users configured: add auth.users to the config file")
	}
	if *addr == "" {
		*addr = fmt.Sprintf(":%d", cfg.Server.Port)
	}

	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{StatementLog: os.Stdout, Authorize: true})
	if err != nil {
		return fmt.Errorf("failed to assemble instance: %w", err)
	}
	defer a.Close()

	gw, err := gateway.NewGateway(a, gateway.Config{
		Version:            version,
		SessionIdleTimeout: config.Duration(cfg.Server.SessionIdleTimeout, 30*time.Minute),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	go gw.RunSessionReaper(ctx)

	server := &http.Server{
		Addr:         *addr,
		Handler:      gw,
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 30*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("shutdown error")
		}
		close(done)
	}()

	logger.WithFields(logrus.Fields{
		"addr":       *addr,
		"version":    version,
		"commit":     commit,
		"backend":    cfg.Backend.Driver,
		"storage":    cfg.Storage.Driver,
		"stale_mode": cfg.Cache.StaleMode,
	}).Info("querycache gateway starting")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	logger.Info("gateway stopped")
	return nil
}
