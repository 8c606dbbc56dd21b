// Command gallery-worker is the photo gallery artifact worker binary.
//
// Subcommands:
//
//	serve    — HTTP API + embedded worker (default for production)
//	worker   — standalone worker only (scaled deployments)
//	enqueue  — enqueue a single storage key and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/julianstephens/photo-gallery-sub002/internal/api"
	"github.com/julianstephens/photo-gallery-sub002/internal/config"
	"github.com/julianstephens/photo-gallery-sub002/internal/objstore"
	"github.com/julianstephens/photo-gallery-sub002/internal/queue"
	"github.com/julianstephens/photo-gallery-sub002/internal/results"
	"github.com/julianstephens/photo-gallery-sub002/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "gallery-worker",
		Short: "Photo gallery artifact worker — gradients and blur placeholders",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded worker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	rdb, err := newRedis(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close() //nolint:errcheck

	objects, err := objstore.NewMinio(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	q := queue.New(rdb, cfg.RedisKeyPrefix, cfg.JobRecordTTL)
	rs := results.New(rdb, cfg.RedisKeyPrefix, cfg.ResultTTL)
	wk := worker.New(q, rs, objects, nil, workerConfig(cfg))

	if err := wk.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{ //nolint:exhaustruct
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(q, rs, wk).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	// Worker drain after the HTTP surface closes: no new enqueues arrive while
	// in-flight jobs run to their terminal or delayed state.
	if err := wk.Stop(shutdownCtx); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	rdb, err := newRedis(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close() //nolint:errcheck

	objects, err := objstore.NewMinio(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	q := queue.New(rdb, cfg.RedisKeyPrefix, cfg.JobRecordTTL)
	rs := results.New(rdb, cfg.RedisKeyPrefix, cfg.ResultTTL)
	wk := worker.New(q, rs, objects, nil, workerConfig(cfg))

	if err := wk.Start(ctx); err != nil {
		return err
	}
	slog.Info("worker running")
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()
	return wk.Stop(shutdownCtx)
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var tenantID, collection string

	cmd := &cobra.Command{
		Use:   "enqueue <storage-key>",
		Short: "Enqueue one artifact job and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			rdb, err := newRedis(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer rdb.Close() //nolint:errcheck

			q := queue.New(rdb, cfg.RedisKeyPrefix, cfg.JobRecordTTL)
			rs := results.New(rdb, cfg.RedisKeyPrefix, cfg.ResultTTL)

			jobID, err := q.Enqueue(cmd.Context(), queue.Payload{
				StorageKey: args[0],
				TenantID:   tenantID,
				Collection: collection,
			})
			if err != nil {
				return err
			}
			if err := rs.MarkPending(cmd.Context(), jobID); err != nil {
				slog.Warn("mark result pending", "job_id", jobID, "error", err)
			}
			slog.Info("job enqueued", "job_id", jobID, "storage_key", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id recorded on the job")
	cmd.Flags().StringVar(&collection, "collection", "", "collection name recorded on the job")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newRedis parses REDIS_URL and connects, retrying up to 10 times with linear
// backoff to ride out container-orchestration startup races.
func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	var pingErr error
	for attempt := 1; attempt <= 10; attempt++ {
		if pingErr = rdb.Ping(ctx).Err(); pingErr == nil {
			return rdb, nil
		}
		slog.Warn("redis not ready, retrying", "attempt", attempt, "error", pingErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	_ = rdb.Close()
	return nil, fmt.Errorf("redis unavailable after retries: %w", pingErr)
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Concurrency:     cfg.Concurrency,
		MaxRetries:      cfg.MaxRetries,
		PollInterval:    cfg.PollInterval,
		PromoteInterval: cfg.PromoteInterval,
	}
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
