// Package server assembles the billing service processes
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/http/handlers"
	stripeadapter "github.com/linkflow-ai/subledger/internal/billing/adapters/stripe"
	"github.com/linkflow-ai/subledger/internal/billing/app/service"
	"github.com/linkflow-ai/subledger/internal/billing/app/worker"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/config"
	"github.com/linkflow-ai/subledger/internal/platform/database"
	"github.com/linkflow-ai/subledger/internal/platform/health"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/metrics"
	"github.com/linkflow-ai/subledger/internal/platform/telemetry"
)

// Mode selects which parts of the engine a process runs
type Mode string

const (
	// ModeAPI serves the billing API and, when enabled, the worker
	ModeAPI Mode = "api"
	// ModeReconciler runs only the worker, the sweep and the pruner
	ModeReconciler Mode = "reconciler"
)

// ShutdownTimeout bounds graceful shutdown
const ShutdownTimeout = 30 * time.Second

// Server represents a billing service process
type Server struct {
	config    *config.Config
	logger    logger.Logger
	telemetry *telemetry.Telemetry
	mode      Mode
	// ownsTelemetry is set when the server created its own telemetry
	ownsTelemetry bool

	metrics    *metrics.Metrics
	health     *health.Handler
	httpServer *http.Server

	db    *database.DB
	redis *redis.Client
	queue repository.EventQueue

	reconciler *service.Reconciler
	ingress    *service.Ingress
	checkout   *service.CheckoutService
	pool       *worker.Pool
	scheduler  *worker.Scheduler
}

// Option is a server configuration option
type Option func(*Server)

// WithConfig sets the server config
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithLogger sets the server logger
func WithLogger(logger logger.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTelemetry sets the server telemetry
func WithTelemetry(telemetry *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = telemetry
	}
}

// WithMode selects the process mode; the default is ModeAPI
func WithMode(mode Mode) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

// New creates a new server instance
func New(opts ...Option) (*Server, error) {
	s := &Server{mode: ModeAPI}

	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		return nil, errors.New("server config is required")
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}

	if err := s.initialize(); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return s, nil
}

func (s *Server) initialize() error {
	ctx := context.Background()

	if s.telemetry == nil {
		tel, err := telemetry.New(telemetry.Config{ServiceName: s.config.Service.Name})
		if err != nil {
			return err
		}
		s.telemetry = tel
		s.ownsTelemetry = true
	}
	s.metrics = metrics.NewMetrics("subledger", s.telemetry.Registerer())
	s.health = health.NewHandler(s.config.Service.Name, s.config.Version)

	catalog, err := buildCatalog(s.config.Billing.Plans)
	if err != nil {
		return err
	}

	store, seats, err := s.initLedger()
	if err != nil {
		return err
	}
	if err := s.initRedis(); err != nil {
		return err
	}
	if err := s.initQueue(); err != nil {
		return err
	}
	locker, err := s.initLocker()
	if err != nil {
		return err
	}

	tracer := s.telemetry.Tracer()
	gateway := stripeadapter.NewGateway(s.config.Stripe,
		stripeadapter.WithLogger(s.logger),
		stripeadapter.WithMetrics(s.metrics),
		stripeadapter.WithTracer(tracer),
	)
	s.health.AddOptionalCheck("stripe", gateway.HealthCheck)

	opts := []service.Option{
		service.WithLogger(s.logger),
		service.WithMetrics(s.metrics),
		service.WithTracer(tracer),
	}
	s.reconciler = service.NewReconciler(store, seats, gateway, stripeadapter.NewDecoder(), catalog, locker, opts...)

	if s.mode == ModeAPI {
		archiver, err := s.initArchive(ctx)
		if err != nil {
			return err
		}
		s.ingress, err = service.NewIngress(stripeadapter.NewVerifier(s.config.Stripe.WebhookSecret),
			s.queue, archiver, s.config.Billing.RecentEventCache, opts...)
		if err != nil {
			return err
		}
		s.checkout = service.NewCheckoutService(store, seats, gateway, catalog, opts...)
	}

	if s.workerEnabled() {
		if err := s.initWorker(store, opts); err != nil {
			return err
		}
	}

	s.setupHTTPServer()
	return nil
}

func (s *Server) workerEnabled() bool {
	return s.mode == ModeReconciler || s.config.Billing.WorkerEnabled
}

func (s *Server) initWorker(store repository.LedgerStore, opts []service.Option) error {
	poolCfg := worker.DefaultPoolConfig()
	if s.config.Billing.Workers > 0 {
		poolCfg.Workers = s.config.Billing.Workers
	}
	if s.config.Billing.QueueBackend == "kafka" {
		// one group member per process; partitions provide the parallelism
		poolCfg.Workers = 1
	}
	s.pool = worker.NewPool(s.queue, s.reconciler.Handle, poolCfg, s.logger)

	sweeper := service.NewSweeper(s.reconciler, store, service.SweepConfig{
		StaleAfter: s.config.Billing.SweepStaleAfter,
		BatchSize:  s.config.Billing.SweepBatchSize,
		RatePerSec: s.config.Billing.SweepRatePerSec,
	}, opts...)
	pruner := service.NewPruner(store, s.config.Billing.EventRetention, opts...)

	s.scheduler = worker.NewScheduler(worker.SchedulerConfig{}, s.logger)
	if err := s.scheduler.Add(worker.Job{
		Name:    "reconciliation_sweep",
		Spec:    s.config.Billing.SweepSchedule,
		Timeout: 10 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := sweeper.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if s.config.Billing.QueueBackend == "redis" {
		if err := s.scheduler.Add(worker.Job{
			Name:    "queue_recover",
			Spec:    "@every 1m",
			Timeout: time.Minute,
			Run:     s.recoverQueue,
		}); err != nil {
			return err
		}
	}
	return s.scheduler.Add(worker.Job{
		Name:    "processed_event_prune",
		Spec:    s.config.Billing.PruneSchedule,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := pruner.Run(ctx)
			return err
		},
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx ends or the listener fails, then shuts down
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.pool != nil {
		if err := s.recoverQueue(ctx); err != nil {
			s.logger.Error("Failed to recover in-flight events", "error", err)
		}
		s.pool.Start(ctx)
		s.scheduler.Start()
	}

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", "port", s.config.HTTP.Port, "mode", string(s.mode))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("Scheduled jobs still running at shutdown")
		}
	}
	if s.pool != nil {
		timeout := ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := s.pool.Stop(timeout); err != nil {
			s.logger.Error("Worker pool shutdown error", "error", err)
		}
	}

	s.closeResources()
	return nil
}

func (s *Server) closeResources() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("Event queue close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", "error", err)
		}
	}
	if s.ownsTelemetry {
		if err := s.telemetry.Close(); err != nil {
			s.logger.Error("Telemetry close error", "error", err)
		}
	}
}

func (s *Server) newHandler() *handlers.BillingHandler {
	return handlers.NewBillingHandler(s.ingress, s.checkout, s.reconciler, s.logger)
}
