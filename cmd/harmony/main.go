package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/alert"
	"github.com/uoaths/harmony/internal/api"
	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/journal"
	"github.com/uoaths/harmony/internal/logging"
	"github.com/uoaths/harmony/internal/safety"
)

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "", "config yaml path; empty uses defaults and env")
	flag.StringVar(&envFile, "env", "", "dotenv file; empty tries ./.env")
	flag.Parse()

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.String("event", "server_failed"), zap.Error(err))
		closeLog()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			logger.Warn("close alert manager failed", zap.Error(err))
		}
	}()

	breaker := buildBreaker(cfg, logger, alerts)
	j, err := journal.New(cfg.Journal.Dir)
	if err != nil {
		return err
	}
	defer j.Close()

	srv := api.New(api.Options{
		Config:  cfg,
		Logger:  logger,
		Breaker: breaker,
		Journal: j,
		Alerts:  alertsOrNil(alerts),
	})
	defer srv.Close()

	httpServer := newHTTPServer(cfg.Server, srv.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("event", "server_listening"),
			zap.String("address", cfg.Server.Address),
			zap.Bool("tls", cfg.Server.TLS()),
		)
		if cfg.Server.TLS() {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.CertPath, cfg.Server.KeyPath)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.String("event", "server_shutdown"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	notifier := alert.NewTelegramNotifierFromConfig(cfg.Observability.Telegram)
	if notifier == nil {
		return nil
	}
	return alert.NewManagerWithOptions("api", notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Coalesce:           time.Duration(cfg.Observability.Runtime.AlertCoalesceSec) * time.Second,
		Logger:             logger,
	})
}

// alertsOrNil keeps a nil manager from becoming a non-nil interface.
func alertsOrNil(m *alert.Manager) alert.Alerter {
	if m == nil {
		return nil
	}
	return m
}

func buildBreaker(cfg config.Config, logger *zap.Logger, alerts *alert.Manager) *safety.Breaker {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	breaker := safety.NewBreaker(true, cb.MaxPlaceFailures, time.Duration(cb.CooldownSec)*time.Second)
	breaker.SetLogger(logger)
	breaker.SetAlerter(alertsOrNil(alerts))
	return breaker
}
