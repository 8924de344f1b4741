package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/foxiles/pkg/api"
	"github.com/Mindburn-Labs/foxiles/pkg/config"
	"github.com/Mindburn-Labs/foxiles/pkg/release"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "foxiles stopped")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logs io.Writer) error {
	logger := newLogger(cfg, logs)
	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	secret, err := d.keys.SigningSecret("tickets")
	if err != nil {
		return err
	}
	tickets, err := release.NewTickets(secret, cfg.Purchase.TicketTTL)
	if err != nil {
		return err
	}
	defer tickets.Close()

	coord, err := d.coordinator(d.watcher(), tickets)
	if err != nil {
		return err
	}
	defer coord.Close()

	srv := api.NewServer(api.Config{
		Coordinator:     coord,
		Custody:         d.custody,
		Artifacts:       d.artifacts,
		Telemetry:       d.telemetry,
		Logger:          logger,
		RateLimitPerSec: cfg.API.RateLimitPerSec,
		RateLimitBurst:  cfg.API.RateLimitBurst,
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		BaseContext:     ctx,
		DevLedger:       d.devLedger,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("foxiles listening", "addr", httpSrv.Addr, "dev", cfg.Dev)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
