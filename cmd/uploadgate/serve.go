package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/civicforms/uploadgate/internal/config"
	"github.com/civicforms/uploadgate/internal/metrics"
	"github.com/civicforms/uploadgate/pkg/blobstore"
	"github.com/civicforms/uploadgate/pkg/callback"
	"github.com/civicforms/uploadgate/pkg/ratelimit"
	"github.com/civicforms/uploadgate/pkg/secscan"
	"github.com/civicforms/uploadgate/pkg/stagestore"
	"github.com/civicforms/uploadgate/pkg/tracker"
	"github.com/civicforms/uploadgate/pkg/transfer"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload pipeline service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "Directory containing uploadgate.json and .env")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The tracker is created after the redis client, so the reconnect
	// hook resolves it through an atomic pointer.
	var trackerRef atomic.Pointer[tracker.Tracker]

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			if trk := trackerRef.Load(); trk != nil {
				trk.PrimaryReconnected()
			}
			return nil
		},
	})
	defer rdb.Close()

	trk := tracker.New(tracker.NewRedisKV(rdb), tracker.Config{
		TTL:    cfg.RecordTTL(),
		Logger: logger,
	})
	trackerRef.Store(trk)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Staging.Region))
	if err != nil {
		return fmt.Errorf("serve: load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	staging := stagestore.New(s3Client, cfg.Staging.Bucket, cfg.Staging.Prefix, logger)
	durable := blobstore.New(s3Client, cfg.Durable.Bucket, logger)

	validator := secscan.NewValidator(logger)

	limiter := ratelimit.New(ratelimit.Config{
		MaxPerHour: cfg.Limits.MaxPerHour,
		MaxPerDay:  cfg.Limits.MaxPerDay,
		Logger:     logger,
	})
	defer limiter.Close()

	orch := transfer.New(staging, durable, trk, nil, transfer.Config{
		Timeout:   cfg.TransferTimeout(),
		Container: cfg.Transfer.Container,
		Logger:    logger,
	})

	m := metrics.New(metrics.Sources{
		ActiveProcesses: orch.ActiveCount,
		FallbackSize:    trk.FallbackSize,
		Degraded:        trk.Degraded,
	})

	handler := callback.NewHandler(callback.Config{
		Auth:             callback.NewAuthenticator(cfg.CallbackSecret, logger),
		Orchestrator:     orch,
		Validator:        validator,
		Limiter:          limiter,
		Tracker:          trk,
		Observer:         m,
		AllowedMIMETypes: cfg.Security.AllowedMIMETypes,
		MaxFileSize:      cfg.Security.MaxFileSize,
		Logger:           logger,
	})

	// Orphaned staged objects are swept on a fixed cadence; uploads
	// whose scan callback never arrives would otherwise pile up.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := staging.Sweep(ctx, cfg.SweepMaxAge())
				if err != nil {
					logger.Warn("staging sweep failed", "error", err)
				} else if removed > 0 {
					logger.Info("staging sweep removed orphans", "count", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("uploadgate listening",
			"addr", cfg.Addr,
			"staging_bucket", cfg.Staging.Bucket,
			"durable_bucket", cfg.Durable.Bucket)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	return nil
}
