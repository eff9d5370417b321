// Command worker runs one user's long-lived WorkerSession process (spec §4.4).
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

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/config"
	"github.com/basket/chatagentctl/internal/healthz"
	"github.com/basket/chatagentctl/internal/telemetry"
	"github.com/basket/chatagentctl/internal/workersession"
)

const (
	healthShutdownGrace = 5 * time.Second
	shutdownGrace       = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	healthAddr := flag.String("health-addr", ":8082", "address for the /healthz endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Worker.UserID == "" {
		fmt.Fprintln(os.Stderr, "worker: USER_ID is required")
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogLevel, nil)

	b, err := bus.Open(cfg.Bus.DSN, logger)
	if err != nil {
		logger.Error("worker: open bus", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	session := workersession.New(workersession.Config{
		UserID:                cfg.Worker.UserID,
		DeploymentName:        cfg.Worker.DeploymentName,
		Workspace:             cfg.Worker.Workspace,
		AgentCommand:          cfg.Worker.AgentCommand,
		AgentArgs:             cfg.Worker.AgentArgs,
		SessionTimeoutMinutes: cfg.Worker.SessionTimeoutMinutes,
		InitialPrompt:         cfg.Worker.InitialPrompt,
		InitialThreadID:       cfg.Worker.InitialThreadID,
		InitialChannelID:      cfg.Worker.InitialChannelID,
		InitialMessageID:      cfg.Worker.InitialMessageID,
	}, b, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := &http.Server{Addr: *healthAddr, Handler: healthz.Handler(b)}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker: health server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("worker: received shutdown signal", "user_id", cfg.Worker.UserID)
		session.Shutdown(shutdownGrace)
	case err := <-errCh:
		if err != nil {
			logger.Error("worker: run failed", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownGrace)
		_ = healthSrv.Shutdown(shutdownCtx)
		cancel()
		os.Exit(0)
	}

	<-errCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownGrace)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
