package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secureflow/internal/audit"
	"secureflow/internal/otel"
	"secureflow/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogConfig(cmd, cfg)
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if cfg.Telemetry.Enabled && !viper.GetBool("otel") {
		shutdown, err := otel.Setup("secureflow", resolvedVersion(), true)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
	}

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	store, sealer, err := openAudit(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if cfg.Audit.RetentionDays > 0 {
			retention, err := audit.NewRetention(store, cfg.Audit.RetentionDays, cfg.Audit.PurgeSchedule)
			if err != nil {
				return err
			}
			retention.Start()
			defer retention.Stop()
		}
	}

	scanner, err := newScanner(cfg, reg, store, sealer)
	if err != nil {
		return err
	}

	apiKeys := server.ParseAPIKeys(cfg.Server.APIKeys)
	srv := server.NewServer(scanner,
		server.WithAPIKeys(apiKeys),
		server.WithRateLimiter(server.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)),
		server.WithLimits(cfg.Server.MaxBodyBytes, cfg.Server.MaxUploadBytes, cfg.Server.UploadTextLimit),
		server.WithVersion(resolvedVersion()),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Bool("model", reg.HasModel()).
		Int("detectors", len(reg.Available())).
		Bool("audit", store != nil).
		Int("api_keys", len(apiKeys)).
		Msg("secureflow serve started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
