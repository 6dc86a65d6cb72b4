package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helios-pms/helios/internal/app"
	"github.com/helios-pms/helios/internal/bus"
	"github.com/helios-pms/helios/internal/events"
	jobmetrics "github.com/helios-pms/helios/internal/jobs"
	"github.com/helios-pms/helios/internal/observability"
	"github.com/helios-pms/helios/internal/platform/cache"
	"github.com/helios-pms/helios/internal/platform/db"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/internal/scheduler"
	"github.com/helios-pms/helios/internal/shared"
	"github.com/helios-pms/helios/internal/tenant"
	"github.com/helios-pms/helios/jobs"
	"github.com/helios-pms/helios/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Redis being down is not fatal: the queue starts in fallback mode and
	// the permission cache degrades to pass-through.
	redisClient := cache.New(ctx, cfg.RedisAddr, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jm := jobmetrics.NewMetrics(metrics.Registerer())

	access := rbac.NewService(
		rbac.NewSQLRepository(pool),
		rbac.NewCache(redisClient, cfg.RBACCacheTTL),
		logger,
	)

	registry := jobs.NewRegistry(logger, jm)
	q := queue.New(queue.Config{
		Durable:       queue.NewAsynq(cfg.RedisAddr),
		Dispatcher:    registry,
		Logger:        logger,
		Metrics:       jm,
		Workers:       cfg.QueueWorkers,
		ProbeInterval: cfg.QueueProbeInterval,
		RetryBase:     cfg.QueueRetryBase,
		RetryCap:      cfg.QueueRetryCap,
		LeaseTTL:      cfg.QueueLeaseTTL,
	})

	eventBus := bus.New(logger)
	store := jobs.NewSQLStore(pool)
	keys := shared.NewIdempotencyStore(pool)
	renderClient := report.NewClient(cfg.GotenbergURL, 30*time.Second)
	messenger := &jobs.ChannelMux{
		Channels: map[string]jobs.Messenger{
			"email": &jobs.SMTPMessenger{Addr: cfg.SMTPAddr(), From: cfg.SMTPFrom},
		},
		Logger: logger,
	}

	notificationJob := &jobs.NotificationJob{
		Auth:      access,
		Messenger: messenger,
		Templates: store,
		Keys:      keys,
		Registry:  registry,
		Logger:    logger,
	}
	documentJob := &jobs.DocumentRenderJob{
		Auth:     access,
		Source:   store,
		Renderer: renderClient,
		Registry: registry,
		Logger:   logger,
	}
	inventoryJob := jobs.NewInventorySweepJob(access, store, eventBus, registry, logger)
	anomalyJob := &jobs.AnomalySweepJob{
		Auth:     access,
		Source:   store,
		Registry: registry,
		Metrics:  jm,
		Logger:   logger,
	}
	usageJob := &jobs.UsageReportJob{
		Auth:     access,
		Source:   store,
		Sink:     store,
		Registry: registry,
		Logger:   logger,
	}

	registry.Register(jobs.TaskNotificationDeliver, notificationJob.Handle, 3, time.Minute)
	registry.Register(jobs.TaskDocumentRender, documentJob.Handle, 3, 2*time.Minute)
	registry.Register(jobs.TaskSweepInventory, inventoryJob.Handle, 2, time.Minute)
	registry.Register(jobs.TaskSweepAnomaly, anomalyJob.Handle, 2, 2*time.Minute)
	registry.Register(jobs.TaskReportUsage, usageJob.Handle, 3, 5*time.Minute)

	events.Wire(eventBus, q, access, logger)

	q.Start(ctx)

	worker := jobs.NewWorker(jobs.WorkerConfig{
		RedisAddr:   cfg.RedisAddr,
		Registry:    registry,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		RetryBase:   cfg.QueueRetryBase,
		RetryCap:    cfg.QueueRetryCap,
	})
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("durable worker stopped", slog.Any("error", err))
		}
	}()

	sched := scheduler.New(scheduler.Config{
		Directory: tenant.NewSQLDirectory(pool),
		Queue:     q,
		Locker:    shared.NewRedisLock(redisClient),
		Logger:    logger,
		Location:  cfg.Location(),
	})
	if err := registerSchedules(sched, cfg.Schedules); err != nil {
		logger.Error("register schedules", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Queue:         q,
		Access:        access,
		ReportHandler: report.NewHandler(renderClient, logger),
		Metrics:       metrics,
	})
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", slog.Any("error", err))
	}
	if err := eventBus.Drain(shutdownCtx); err != nil {
		logger.Warn("event bus drain", slog.Any("error", err))
	}
	if err := q.DrainAndStop(shutdownCtx); err != nil {
		logger.Warn("queue drain", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
}

// registerSchedules binds the configured recurring tasks to their payload
// builders. Unknown job kinds in the configuration are startup errors.
func registerSchedules(sched *scheduler.Scheduler, raw string) error {
	defs, err := scheduler.ParseSchedules(raw)
	if err != nil {
		return err
	}
	payloads := map[string]scheduler.PayloadFunc{
		jobs.TaskSweepInventory: func(int64) any { return jobs.InventorySweepPayload{} },
		jobs.TaskSweepAnomaly:   func(int64) any { return jobs.AnomalySweepPayload{} },
		jobs.TaskReportUsage: func(int64) any {
			// Monthly reports cover the previous calendar month.
			return jobs.UsageReportPayload{Period: time.Now().UTC().AddDate(0, -1, 0).Format("2006-01")}
		},
	}
	for _, def := range defs {
		payload, ok := payloads[def.Kind]
		if !ok {
			return errors.New("scheduler: no payload builder for kind " + def.Kind)
		}
		if err := sched.RegisterRecurring(def.Name, def.Spec, def.Kind, payload, def.Enabled); err != nil {
			return err
		}
	}
	return nil
}
