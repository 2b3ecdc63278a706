// caretrack server: visit verification, compliance submission routing, and
// offline sync for home-care EVV.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"caretrack/internal/evv/aggregator"
	evvhandler "caretrack/internal/evv/handler"
	evvmetrics "caretrack/internal/evv/metrics"
	evvports "caretrack/internal/evv/ports"
	recordstore "caretrack/internal/evv/record/store"
	"caretrack/internal/evv/router"
	"caretrack/internal/evv/rules"
	"caretrack/internal/evv/visit"
	visitstore "caretrack/internal/evv/visit/store"
	"caretrack/internal/platform/config"
	"caretrack/internal/platform/httpserver"
	"caretrack/internal/platform/logger"
	"caretrack/internal/platform/middleware"
	"caretrack/internal/platform/postgres"
	platformredis "caretrack/internal/platform/redis"
	"caretrack/internal/sync/conflict"
	conflictstore "caretrack/internal/sync/conflict/store"
	"caretrack/internal/sync/drainer"
	"caretrack/internal/sync/entity"
	synchandler "caretrack/internal/sync/handler"
	"caretrack/internal/sync/lock"
	syncmetrics "caretrack/internal/sync/metrics"
	"caretrack/internal/sync/ports"
	"caretrack/internal/sync/queue"
	queuestore "caretrack/internal/sync/queue/store"
	audit "caretrack/pkg/platform/audit"
	auditpublisher "caretrack/pkg/platform/audit/publisher"
	auditkafka "caretrack/pkg/platform/audit/sink/kafka"
	auditmemory "caretrack/pkg/platform/audit/store/memory"
)

func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		log.Info("postgres connected")
	} else {
		log.Warn("postgres not configured, using in-memory stores")
	}

	// Stores. Every store has a memory twin so the server runs without
	// infrastructure in development.
	var (
		visits  evvports.VisitStore
		records evvports.RecordStore
		qstore  ports.QueueStore
		cstore  ports.ConflictStore
		generic entity.GenericStore
	)
	if db != nil {
		visits = visitstore.NewPostgres(db)
		records = recordstore.NewPostgres(db)
		qstore = queuestore.NewPostgres(db)
		cstore = conflictstore.NewPostgres(db)
		generic = entity.NewPostgresGeneric(db)
	} else {
		visits = visitstore.NewInMemory()
		records = recordstore.NewInMemory()
		qstore = queuestore.NewInMemory()
		cstore = conflictstore.NewInMemory()
		generic = entity.NewInMemoryGeneric()
	}
	entities := entity.NewStore(visits, records, generic)

	// Audit trail. Kafka when brokers are configured, local store otherwise.
	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := auditkafka.New(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer sink.Close()
		auditStore = sink
		log.Info("audit events producing to kafka", "topic", cfg.Kafka.Topic)
	}
	publisher := auditpublisher.NewPublisher(auditStore, auditpublisher.WithLogger(log))
	defer publisher.Close()

	// Drain locks. Redis coordinates across instances; a single instance
	// falls back to in-process locking.
	var locker ports.Locker = lock.NewInProcessLocker()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient.Client)
		log.Info("drain locks coordinated via redis")
	}

	registry, err := rules.Default()
	if err != nil {
		return err
	}

	evvMetrics := evvmetrics.New()
	syncMetrics := syncmetrics.New()

	adapters := []aggregator.Adapter{
		aggregator.NewSandata(cfg.Aggregators.Sandata),
		aggregator.NewTellus(cfg.Aggregators.Tellus),
		aggregator.NewHHAeXchange(cfg.Aggregators.HHAeXchange),
	}
	complianceRouter, err := router.New(registry, adapters, records,
		router.WithLogger(log),
		router.WithAuditPublisher(publisher),
		router.WithMetrics(evvMetrics),
	)
	if err != nil {
		return err
	}

	queueSvc, err := queue.New(qstore, queue.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
	},
		queue.WithLogger(log),
		queue.WithAuditPublisher(publisher),
		queue.WithMetrics(syncMetrics),
	)
	if err != nil {
		return err
	}

	visitSvc, err := visit.New(visits, records, registry, complianceRouter,
		visit.WithLogger(log),
		visit.WithAuditPublisher(publisher),
		visit.WithMetrics(evvMetrics),
		visit.WithOfflineQueue(queueSvc),
	)
	if err != nil {
		return err
	}

	conflictSvc, err := conflict.New(cstore, entities, qstore,
		conflict.WithLogger(log),
		conflict.WithAuditPublisher(publisher),
		conflict.WithMetrics(syncMetrics),
	)
	if err != nil {
		return err
	}

	drainSvc, err := drainer.New(queueSvc, conflictSvc, entities, complianceRouter, locker,
		drainer.WithLogger(log),
		drainer.WithMetrics(syncMetrics),
		drainer.WithWorkers(cfg.Queue.DrainWorkers),
		drainer.WithLockTTL(cfg.Queue.LockTTL),
	)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	evvhandler.New(visitSvc, records, log).Register(r)
	synchandler.New(queueSvc, conflictSvc, drainSvc, log).Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if db != nil {
			if err := db.PingContext(req.Context()); err != nil {
				http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(req.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Server.Addr, r)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("caretrack listening", "addr", cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
