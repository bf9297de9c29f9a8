package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"file-normalization-service/internal/api"
	"file-normalization-service/internal/config"
	"file-normalization-service/internal/manager"
	"file-normalization-service/internal/queue"
	"file-normalization-service/internal/ratelimit"
	"file-normalization-service/internal/scheduler"
	"file-normalization-service/internal/storage"
	"file-normalization-service/internal/store"
	"file-normalization-service/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Error("open job store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("run migrations", "error", err)
		os.Exit(1)
	}

	layout := storage.NewLayout(cfg.StorageRoot, cfg.IncomingDir, cfg.ProcessedDir, cfg.FailedDir)
	if err := layout.EnsureDirs(); err != nil {
		log.Error("prepare storage areas", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	mirror, err := storage.NewMirror(ctx, cfg)
	if err != nil {
		log.Error("configure s3 mirror", "error", err)
		os.Exit(1)
	}
	if mirror.Enabled() {
		log.Info("s3 mirror enabled", "bucket", cfg.MirrorS3Bucket)
	}

	mgr := manager.New(cfg, st, queue.New(redisClient), layout,
		manager.WithMirror(mirror),
		manager.WithLogger(log),
	)
	if err := mgr.Start(ctx); err != nil {
		log.Error("start job manager", "error", err)
		os.Exit(1)
	}
	log.Info("worker pool started", "workers", cfg.MaxConcurrentJobs)

	var sched *scheduler.Scheduler
	if cfg.EnableScheduler {
		sched = scheduler.New(cfg.PollingInterval, func(ctx context.Context) error {
			_, err := mgr.TriggerScan(ctx)
			return err
		}, log)
		if err := sched.Start(ctx); err != nil {
			log.Error("start scheduler", "error", err)
			os.Exit(1)
		}
	}

	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	server := api.New(cfg, mgr, layout, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}
	go func() {
		log.Info("http listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if sched != nil {
		sched.Stop()
	}
	mgr.Wait()
}
