// Command worker runs the queue worker pools, the degradation controller,
// and the maintenance scheduler. Prometheus metrics are exposed on a
// dedicated port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/downstream"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/observability"
	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/repo/redisstore"
	"github.com/fairyhunter13/ai-med-transcriber/internal/app"
	"github.com/fairyhunter13/ai-med-transcriber/internal/circuitbreaker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
	"github.com/fairyhunter13/ai-med-transcriber/internal/degradation"
	"github.com/fairyhunter13/ai-med-transcriber/internal/errclass"
	"github.com/fairyhunter13/ai-med-transcriber/internal/events"
	"github.com/fairyhunter13/ai-med-transcriber/internal/maintenance"
	"github.com/fairyhunter13/ai-med-transcriber/internal/monitoring"
	"github.com/fairyhunter13/ai-med-transcriber/internal/worker"
	"github.com/fairyhunter13/ai-med-transcriber/internal/workerhealth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	observability.SetupLogger(cfg, "worker")
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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
	classifier := errclass.New()

	store := redisstore.New(rdb, redisstore.Options{
		Queues:            cfg.Queues,
		JobRetention:      cfg.JobRetention,
		MaxRetriesDefault: cfg.MaxRetriesDefault,
		DLQMaxLen:         cfg.DLQMaxLen,
	}, bus)
	dlq := redisstore.NewDLQ(store)

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

	breakerView := app.BreakerView{Registry: breakers}
	store.WireAdaptive(classifier, breakerView, app.HealthScoreView{Registry: registry})

	monitor := monitoring.NewMonitor(cfg.MetricRingCapacity)
	collector := monitoring.NewCollector(monitor, bus)
	rules, err := monitoring.LoadRules(cfg.AlertRulesPath)
	if err != nil {
		slog.Error("alert rules load failed", slog.String("path", cfg.AlertRulesPath), slog.Any("error", err))
		os.Exit(1)
	}
	alerts := monitoring.NewAlertEngine(monitor, rules, rdb)

	controller := degradation.NewController(breakerView, registry, bus, cfg.DegradeRecomputeInterval)
	go controller.Run(ctx)

	transcriber := downstream.NewTranscriber(cfg.TranscriberURL, cfg.DownstreamTimeout)
	agent := downstream.NewAgent(cfg.AgentURL, cfg.DownstreamTimeout)
	pipeline := worker.NewPipeline(transcriber, agent, breakers, monitor)

	pool := worker.NewPool(cfg, store, dlq, registry, pipeline, classifier, controller, monitor)
	pool.Start(ctx)

	scheduler, err := maintenance.NewScheduler(maintenance.Tasks(maintenance.Deps{
		Cfg:      cfg,
		Store:    store,
		DLQ:      dlq,
		Registry: registry,
		Breakers: breakers,
		Degrade:  controller,
		Monitor:  monitor,
		Alerts:   alerts,
	}))
	if err != nil {
		slog.Error("maintenance schedule invalid", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler.Start()

	slog.Info("worker process started",
		slog.String("env", cfg.AppEnv),
		slog.Int("queues", len(cfg.Queues)),
		slog.Int("workers_per_queue", cfg.WorkersPerQueue))

	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Shutdown order: stop scheduling new maintenance runs, drain the
	// worker pools within the grace window, then flush and close.
	scheduler.Stop()
	drained := pool.Stop()
	controller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	collector.Close(shutdownCtx)
	bus.Close()
	if !drained {
		slog.Error("worker pool did not drain before the grace window expired")
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
