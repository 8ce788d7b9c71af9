// Command authgate runs the authorization server: it loads configuration,
// opens the identity database, starts the cleanup scheduler, and serves the
// HTTP surface. Every failure before the listener opens is fatal; nothing
// partial keeps running.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authgate "github.com/giantswarm/authgate"
	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/storage/memory"
	"github.com/giantswarm/authgate/storage/sqlite"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("Fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	config, err := authgate.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.Logger = logger

	store, err := sqlite.Open(config.ConnectionString)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close identity store", "error", err)
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authgate",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("build instrumentation: %w", err)
	}

	cache := memory.NewSessionCache(config.SessionTTL())
	cache.SetLogger(logger)
	cache.SetInstrumentation(inst)

	server, err := authgate.NewServer(store, store, cache, config)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	server.SetInstrumentation(inst)

	handler, err := authgate.NewHandler(server)
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	defer handler.Close()

	janitor, err := authgate.NewJanitor(store, cache, config.CleanupInterval(), config.GrantTTL(), logger)
	if err != nil {
		return fmt.Errorf("build janitor: %w", err)
	}
	janitor.SetInstrumentation(inst)
	janitor.Start()
	defer janitor.Stop()

	addr := fmt.Sprintf("%s:%d", config.ServerAddress, config.ServerPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := config.CertFile != ""
	if useTLS {
		// Fail on bad TLS material now, not on the first connection.
		if _, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile); err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", addr, "tls", useTLS)
		if useTLS {
			errCh <- httpServer.ListenAndServeTLS(config.CertFile, config.KeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}
	}

	return nil
}
