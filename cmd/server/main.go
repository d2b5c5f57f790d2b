// Command server starts the producer/admin HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/downstream"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/app"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/usecase"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	observability.SetupLogger(cfg, "api")
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	bus := events.NewBus()
	defer bus.Close()

	store := redisstore.New(rdb, redisstore.Options{
		Queues:            cfg.Queues,
		JobRetention:      cfg.JobRetention,
		MaxRetriesDefault: cfg.MaxRetriesDefault,
		DLQMaxLen:         cfg.DLQMaxLen,
	}, bus)
	dlq := redisstore.NewDLQ(store)

	// Breakers and worker health in this process are follower views: state
	// is restored and refreshed from the Redis mirrors the worker process
	// writes.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		HalfOpenProbes:   cfg.BreakerHalfOpenProbes,
	}, rdb)
	breakers.Restore(ctx, errclass.ServiceTranscription, errclass.ServiceAgent)

	registry := workerhealth.NewRegistry(cfg.WorkerStaleAfter,
		workerhealth.WithQueueStats(store),
		workerhealth.WithMirror(rdb),
	)
	if err := registry.Hydrate(ctx); err != nil {
		slog.Warn("worker mirror hydrate failed", slog.Any("error", err))
	}
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := registry.Hydrate(ctx); err != nil {
					slog.Debug("worker mirror hydrate failed", slog.Any("error", err))
				}
				breakers.Restore(ctx, errclass.ServiceTranscription, errclass.ServiceAgent)
			}
		}
	}()

	monitor := monitoring.NewMonitor(cfg.MetricRingCapacity)
	collector := monitoring.NewCollector(monitor, bus)
	rules, err := monitoring.LoadRules(cfg.AlertRulesPath)
	if err != nil {
		slog.Error("alert rules load failed", slog.String("path", cfg.AlertRulesPath), slog.Any("error", err))
		os.Exit(1)
	}
	alerts := monitoring.NewAlertEngine(monitor, rules, rdb)

	breakerView := app.BreakerView{Registry: breakers}
	controller := degradation.NewController(breakerView, registry, bus, cfg.DegradeRecomputeInterval)
	go controller.Run(ctx)

	transcriber := downstream.NewTranscriber(cfg.TranscriberURL, cfg.DownstreamTimeout)
	agent := downstream.NewAgent(cfg.AgentURL, cfg.DownstreamTimeout)

	srv := &httpserver.Server{
		Cfg:    cfg,
		Submit: usecase.NewSubmitService(store, controller),
		Status: usecase.NewStatusService(store),
		Admin: usecase.AdminService{
			Store:    store,
			DLQ:      dlq,
			Registry: registry,
			Breakers: breakers,
			Degrade:  controller,
			Monitor:  monitor,
			Alerts:   alerts,
		},
		RedisCheck:       func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		TranscriberCheck: transcriber.Healthy,
		AgentCheck:       agent.Healthy,
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv, controller),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	controller.Stop()
	collector.Close(shutdownCtx)
	slog.Info("server stopped")
}
