package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/common/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/migrations"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP and gRPC servers",
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Engine.StorageDriver).
		Msg("Starting approvals service")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := client.ConnectNotificationPublisher(cfg.NATS.URL, cfg.NATS.Name, cfg.NATS.SubjectPrefix, log)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
		}
	}()

	m := metrics.New()
	engine, err := buildEngine(cfg, st, engineDeps{publisher: publisher, metrics: m}, log)
	if err != nil {
		return err
	}
	matrices := service.NewMatrixService(st, log)

	// HTTP
	router := handler.NewHTTPHandler(engine, matrices, st.Ping, log).Routes()
	router.Handle("/metrics", m.Handler())

	var h http.Handler = router
	h = m.Middleware(h)
	h = middleware.Actor(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(client.ActorInterceptor))
	handler.NewGRPCHandler(engine, matrices, log).Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down servers...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			if err := migrations.Up(ctx, db); err != nil {
				return err
			}
			version, err := migrations.Version(ctx, db)
			if err != nil {
				return err
			}
			log.Info().Int64("version", version).Msg("Migrations applied")
			return nil
		},
	}
}

func expireDelegationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "expire-delegations",
		Usage: "Deactivate delegations whose end date has passed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := buildEngine(cfg, st, engineDeps{}, log)
			if err != nil {
				return err
			}
			n, err := engine.ExpireDelegations(ctx)
			if err != nil {
				return err
			}
			log.Info().Int("expired", n).Msg("Delegations expired")
			return nil
		},
	}
}

func overdueCommand() *cli.Command {
	return &cli.Command{
		Name:  "overdue",
		Usage: "List active steps past their deadline as JSON lines",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "only steps assigned to this user"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := buildEngine(cfg, st, engineDeps{}, log)
			if err != nil {
				return err
			}
			items, err := engine.OverdueSteps(ctx, cmd.String("user"))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, it := range items {
				if err := enc.Encode(map[string]any{
					"workflow_id":    it.Workflow.ID,
					"entity_type":    it.Workflow.EntityType,
					"entity_id":      it.Workflow.EntityID,
					"step_id":        it.Step.ID,
					"approval_level": it.Step.ApprovalLevel,
					"assignee":       it.Step.EffectiveActor(),
					"deadline_at":    it.Step.DeadlineAt,
				}); err != nil {
					return err
				}
			}
			log.Info().Int("overdue", len(items)).Msg("Overdue steps listed")
			return nil
		},
	}
}
