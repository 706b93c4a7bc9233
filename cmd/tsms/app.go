package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/breaker"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/clock"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/handlers"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/metrics"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/repository"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/services"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/utils"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/validation"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   pslog.Logger
	store    *repository.SQLStore
	redis    *repository.RedisRepository
	breakers *breaker.StateStore
	observer *breaker.Observer
	events   services.EventLog
	engine   *services.Engine
	intake   *services.IntakeService
	registry *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := utils.SetupLogging(cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger}

	store, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.store = store

	clk := clock.Real{}
	var (
		counter breaker.Counter = breaker.NewMemoryCounter(clk)
		locker  services.Locker = services.NewLocalLocker()
		events  services.EventLog
	)
	if cfg.RedisAddr != "" {
		repo, err := repository.NewRedisRepository(ctx, cfg.RedisAddr)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = repo
		counter = repo
		locker = repo
		events = services.NewRedisEventLog(repo, cfg.Events.Channel, utils.WithSubsystem(logger, "events"))
		logger.Info("redis.connected", "addr", cfg.RedisAddr)
	} else {
		events = services.NewMemoryEventLog(utils.WithSubsystem(logger, "events"))
	}
	a.events = events

	a.breakers = breaker.NewStateStore(store, breaker.Options{
		Threshold: cfg.CircuitBreaker.Threshold,
		Cooldown:  cfg.CircuitBreaker.Cooldown,
		Clock:     clk,
		Logger:    utils.WithSubsystem(logger, "breaker"),
	})
	a.observer = breaker.NewObserver(cfg.TenantBreaker.Observation, counter, utils.WithSubsystem(logger, "tenant_breaker"))

	a.engine = services.NewEngine(services.EngineDeps{
		Store:      store,
		Deliverer:  services.NewForwarder(cfg.Forwarding, utils.WithSubsystem(logger, "forwarder")),
		Breakers:   a.breakers,
		Observer:   a.observer,
		Locker:     locker,
		Events:     events,
		Clock:      clk,
		Logger:     utils.WithSubsystem(logger, "forwarding"),
		Forwarding: cfg.Forwarding,
		Health:     cfg.Health,
	})

	rules := validation.Rules{MinAdjustments: cfg.Validation.MinAdjustments, MinTaxes: cfg.Validation.MinTaxes}
	a.intake = services.NewIntakeService(validation.NewValidator(rules), store, cfg.Forwarding.MaxAttempts, clk,
		utils.WithSubsystem(logger, "intake"))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(a.registry)
	return a, nil
}

func (a *app) router() handlers.Router {
	deps := map[string]handlers.Pinger{"database": a.store}
	if a.redis != nil {
		deps["redis"] = a.redis
	}
	return handlers.Router{
		Transactions: handlers.NewTransactionHandler(a.intake, utils.WithSubsystem(a.logger, "http")),
		Breakers:     handlers.NewBreakerHandler(a.breakers, a.observer, utils.WithSubsystem(a.logger, "http")),
		Health:       handlers.NewHealthHandler(a.engine, a.events, deps, utils.WithSubsystem(a.logger, "http")),
		Gatherer:     a.registry,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis.close_failed", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database.close_failed", "error", err)
	}
}
