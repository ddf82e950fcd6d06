package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-escalation-approvals/internal/config"
	"github.com/pesio-ai/be-escalation-approvals/internal/database"
	"github.com/pesio-ai/be-escalation-approvals/internal/events"
	"github.com/pesio-ai/be-escalation-approvals/internal/handler"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/metrics"
	"github.com/pesio-ai/be-escalation-approvals/internal/middleware"
	"github.com/pesio-ai/be-escalation-approvals/internal/notification"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
	"github.com/pesio-ai/be-escalation-approvals/internal/service"
	"github.com/pesio-ai/be-escalation-approvals/internal/sweeper"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Workflow.Storage).
		Msg("Starting Escalation Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("Server stopped")
}

type stores struct {
	workflows repository.WorkflowStore
	templates repository.TemplateStore
	events    repository.EventStore
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var checks []handler.HealthCheck

	// Storage
	var st stores
	switch cfg.Workflow.Storage {
	case config.StorageMemory:
		st = stores{
			workflows: repository.NewMemoryWorkflowStore(),
			templates: repository.NewMemoryTemplateStore(),
			events:    repository.NewMemoryEventStore(),
		}
		log.Warn().Msg("Using in-memory storage; workflows are lost on restart")
	default:
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			log.Info().Msg("Database migrations applied")
		}

		db, err := database.New(ctx, database.Config{
			URL:               cfg.Database.URL,
			MaxConns:          cfg.Database.MaxConns,
			MinConns:          cfg.Database.MinConns,
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
			HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		st = stores{
			workflows: repository.NewApprovalWorkflowRepository(db),
			templates: repository.NewApprovalTemplateRepository(db),
			events:    repository.NewApprovalEventRepository(db),
		}
		checks = append(checks, handler.HealthCheck{Name: "database", Check: db.Ping})
	}

	// Template cache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable; template reads fall through to the store")
		}
		st.templates = repository.NewCachedTemplateStore(st.templates, rdb, cfg.Redis.TemplateTTL, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Template cache enabled")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Event bus and subscribers
	bus := events.NewLocalBus(log)

	recorder := service.NewEventRecorder(st.events, log)
	recorder.Attach(bus)

	dispatcher := notification.NewDispatcher(log, m)
	httpClient := &http.Client{Timeout: cfg.Notifications.Timeout}
	retry := notification.RetryConfig{MaxRetries: cfg.Notifications.MaxRetries}
	if cfg.Notifications.ChatOpsURL != "" {
		dispatcher.Register(repository.ChannelChatOps,
			notification.NewChatOpsSender(cfg.Notifications.ChatOpsURL, cfg.Notifications.ChatOpsToken, httpClient, retry, log))
	}
	dispatcher.Register(repository.ChannelWebhook, notification.NewWebhookSender(httpClient, retry, log))
	dispatcher.Attach(bus)

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		}()
		events.NewNATSForwarder(nc, cfg.NATS.SubjectPrefix, log).Attach(bus)
		log.Info().Str("url", cfg.NATS.URL).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS event forwarding enabled")
	}

	// Services
	engine := service.NewWorkflowEngine(st.workflows, st.templates, bus, log,
		service.WithMetrics(m),
		service.WithFallbackDeadline(time.Duration(cfg.Workflow.FallbackDeadlineHours)*time.Hour),
	)
	templateService := service.NewTemplateService(st.templates, log)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	// Timeout sweeper
	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		sw, err = sweeper.New(engine, cfg.Sweeper.Interval, m, log)
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		checks = append(checks, handler.HealthCheck{Name: "sweeper", Check: func(context.Context) error {
			if !sw.Running() {
				return errors.New("timeout sweeper is not running")
			}
			return nil
		}})
	}

	// HTTP
	router := mux.NewRouter()
	handler.NewHTTPHandler(engine, templateService, recorder, log).RegisterRoutes(router)
	handler.RegisterOps(router, reg, checks...)

	var h http.Handler = router
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := handler.NewGRPCServer(log, checks...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		grpcServer.Watch(gctx, 10*time.Second)
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if sw != nil {
			if err := sw.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Timeout sweeper shutdown failed")
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	// Let in-flight subscribers finish before the stores and NATS close.
	bus.Wait()
	return err
}
