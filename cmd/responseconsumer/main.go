// Command responseconsumer applies ProgressFrames to the chat surface (spec §4.5).
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
	"github.com/basket/chatagentctl/internal/chat"
	"github.com/basket/chatagentctl/internal/config"
	"github.com/basket/chatagentctl/internal/healthz"
	"github.com/basket/chatagentctl/internal/responseconsumer"
	"github.com/basket/chatagentctl/internal/telemetry"
)

const healthShutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	healthAddr := flag.String("health-addr", ":8083", "address for the /healthz endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "responseconsumer: load config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogLevel, nil)

	b, err := bus.Open(cfg.Bus.DSN, logger)
	if err != nil {
		logger.Error("responseconsumer: open bus", "error", err)
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	chatClient, err := chat.NewTelegramClient(cfg.Chat.Token, cfg.Chat.AllowedIDs, logger)
	if err != nil {
		logger.Error("responseconsumer: connect to telegram", "error", err)
		os.Exit(1)
	}

	resolveEdit := func(userID, branch string) (string, bool) {
		return config.EditURL(cfg.Repos, userID, branch)
	}
	consumer := responseconsumer.New(b, chatClient, resolveEdit, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSrv := &http.Server{Addr: *healthAddr, Handler: healthz.Handler(b)}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("responseconsumer: health server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("responseconsumer: shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("responseconsumer: run failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownGrace)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}
