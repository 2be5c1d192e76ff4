// Command paseod is the daemon entry point: it wires together the
// Persistence Store, the Agent Lifecycle Manager, the Terminal
// Multiplexer, and the Session Gateway behind a single WebSocket
// listener. All communication with UI clients happens over that one
// connection - there is no separate REST surface.
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

	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/config"
	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/gateway"
	"github.com/paseohq/paseod/internal/lifecycle"
	"github.com/paseohq/paseod/internal/persistence"
	"github.com/paseohq/paseod/internal/terminal"
)

func main() {
	listen := flag.String("listen", "", "address to listen on, overrides config/env")
	noRelay := flag.Bool("no-relay", false, "disable relay transport advertisement")
	logFormat := flag.String("log-format", "", "log output format: text or json, overrides config/env")
	flag.Parse()

	if err := run(*listen, *noRelay, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "paseod: %v\n", err)
		os.Exit(1)
	}
}

func run(listenFlag string, noRelayFlag bool, logFormatFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	if noRelayFlag {
		cfg.Server.NoRelay = true
	}
	if logFormatFlag != "" {
		cfg.Logging.Format = logFormatFlag
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting paseod", zap.String("listen", cfg.Server.Listen), zap.Bool("no_relay", cfg.Server.NoRelay))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := persistence.New(cfg.Home, log)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("persistence store close error", zap.Error(err))
		}
	}()

	manager := lifecycle.New(log, store)
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing agent lifecycle manager: %w", err)
	}

	terminals := terminal.New(log, &cfg.Terminal)

	gatewaySrv := gateway.NewServer(log, manager, terminals, cfg.Server.AuthToken)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      http.HandlerFunc(gatewaySrv.ServeHTTP),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("session gateway listening", zap.String("addr", cfg.Server.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("session gateway failed to start: %w", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gatewaySrv.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	terminals.Shutdown(shutdownCtx)
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("agent lifecycle manager shutdown error", zap.Error(err))
	}

	log.Info("paseod stopped")
	return nil
}
