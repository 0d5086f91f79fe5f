package main

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/common/config"
	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// store is a repository.Store the process owns.
type store interface {
	repository.Store
	Ping(ctx context.Context) error
	Close()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store, error) {
	if cfg.Engine.StorageDriver == "memory" {
		log.Warn().Msg("Using in-memory storage; state is lost on exit")
		return memory.New(memory.WithLockTimeout(cfg.Engine.LockTimeout)), nil
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Database connection established")
	return repository.NewPostgresStore(db, cfg.Engine.LockTimeout), nil
}

// engineDeps is everything the engine needs beyond storage.
type engineDeps struct {
	publisher *client.NotificationPublisher
	metrics   *metrics.Metrics
}

func buildEngine(cfg *config.Config, st store, deps engineDeps, log *logger.Logger) (*service.ApprovalEngine, error) {
	hours, err := deadline.NewBusinessHours(cfg.Engine.BusinessDayStart, cfg.Engine.BusinessDayEnd, cfg.Engine.TimeZone, cfg.Engine.Holidays)
	if err != nil {
		return nil, err
	}
	policy, err := deadline.ParsePolicy(cfg.Engine.DeadlineEnforcement)
	if err != nil {
		return nil, err
	}

	registry := service.NewEntityRegistry()
	client.RegisterEntitySources(registry, cfg.Entities.Sources, cfg.Entities.Timeout)

	opts := service.Options{
		Calculator:     deadline.NewCalculator(hours),
		DeadlinePolicy: policy,
		CancelAdmins:   cfg.Engine.CancelAdmins,
		Registry:       registry,
		Metrics:        deps.metrics,
	}
	if deps.publisher != nil {
		opts.Publisher = deps.publisher
	}
	return service.NewApprovalEngine(st, opts, log), nil
}
