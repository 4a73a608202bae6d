package server

import (
	"context"
	"fmt"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/archive"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/lock"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/queue"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/repository/memory"
	"github.com/linkflow-ai/subledger/internal/billing/adapters/repository/postgres"
	"github.com/linkflow-ai/subledger/internal/billing/app/service"
	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/cache"
	"github.com/linkflow-ai/subledger/internal/platform/config"
	"github.com/linkflow-ai/subledger/internal/platform/database"
	"github.com/linkflow-ai/subledger/internal/platform/health"
	"github.com/linkflow-ai/subledger/internal/platform/messaging/kafka"
)

func buildCatalog(plans []config.PlanConfig) (*model.Catalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("billing.plans: at least one plan is required")
	}
	out := make([]model.Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, model.Plan{
			Slug:             p.Slug,
			Name:             p.Name,
			Rank:             p.Rank,
			MonthlyPriceID:   p.MonthlyPriceID,
			AnnualPriceID:    p.AnnualPriceID,
			AICreditsMonthly: p.AICreditsMonthly,
		})
	}
	return model.NewCatalog(out)
}

func (s *Server) initLedger() (repository.LedgerStore, repository.SeatCounter, error) {
	switch s.config.Billing.LedgerBackend {
	case "memory":
		s.logger.Warn("Using in-memory ledger; billing state is lost on restart")
		return memory.NewLedgerStore(), memory.NewSeatCounter(), nil
	case "postgres", "":
		db, err := database.New(s.config.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		s.db = db
		s.health.AddCheck("database", db.HealthCheck)
		return postgres.NewLedgerStore(db), postgres.NewSeatCounter(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", s.config.Billing.LedgerBackend)
	}
}

// initRedis connects when a Redis backend is selected
func (s *Server) initRedis() error {
	b := s.config.Billing
	if b.QueueBackend != "redis" && b.LockBackend != "redis" {
		return nil
	}
	if s.config.Redis.Host == "" {
		return fmt.Errorf("redis backend selected but redis.host is not set")
	}

	client, err := cache.NewClient(s.config.Redis)
	if err != nil {
		return err
	}
	s.redis = client
	s.health.AddCheck("redis", cache.HealthChecker(client))
	return nil
}

func (s *Server) initQueue() error {
	opts := queue.Options{
		MaxDeliveries:   s.config.Billing.MaxDeliveries,
		RetryBackoff:    s.config.Billing.RetryBackoff,
		MaxRetryBackoff: s.config.Billing.MaxRetryBackoff,
		Logger:          s.logger,
		Metrics:         s.metrics,
	}

	switch s.config.Billing.QueueBackend {
	case "memory", "":
		if s.mode == ModeReconciler {
			return fmt.Errorf("the reconciler process needs a shared queue backend")
		}
		s.queue = queue.NewMemoryQueue(opts)
		s.health.AddOptionalCheck("memory", health.MemoryCheck(90))
	case "redis":
		s.queue = queue.NewRedisQueue(s.redis, "billing:events", opts)
	case "kafka":
		q, err := s.kafkaQueue(opts)
		if err != nil {
			return err
		}
		s.queue = q
	default:
		return fmt.Errorf("unknown queue backend %q", s.config.Billing.QueueBackend)
	}
	return nil
}

// recoverQueue returns events held by dead Redis consumers to the queue
func (s *Server) recoverQueue(ctx context.Context) error {
	rq, ok := s.queue.(*queue.RedisQueue)
	if !ok {
		return nil
	}
	n, err := rq.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Returned orphaned in-flight events to the queue", "events", n)
	}
	return nil
}

func (s *Server) kafkaQueue(opts queue.Options) (*queue.KafkaQueue, error) {
	kc := &kafka.Config{
		Brokers: s.config.Kafka.Brokers,
		Topic:   s.config.Kafka.Topic,
		Group:   s.config.Kafka.ConsumerGroup,
	}
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka backend selected but kafka.brokers is empty")
	}

	var (
		producer queue.Publisher
		consumer queue.Subscriber
	)
	if s.mode == ModeAPI {
		p, err := kafka.NewProducer(kc)
		if err != nil {
			return nil, err
		}
		producer = p
	}
	if s.workerEnabled() {
		c, err := kafka.NewConsumer(kc, s.logger)
		if err != nil {
			if producer != nil {
				_ = producer.Close()
			}
			return nil, err
		}
		consumer = c
	}
	return queue.NewKafkaQueue(producer, consumer, opts), nil
}

func (s *Server) initLocker() (repository.KeyLocker, error) {
	switch s.config.Billing.LockBackend {
	case "local", "":
		return lock.NewLocalLocker(), nil
	case "redis":
		return lock.NewRedisLocker(s.redis, s.config.Billing.LockTTL, s.logger), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", s.config.Billing.LockBackend)
	}
}

// initArchive returns nil when no bucket is configured
func (s *Server) initArchive(ctx context.Context) (service.Archiver, error) {
	if s.config.Archive.Bucket == "" {
		return nil, nil
	}
	client, err := archive.NewS3Client(ctx, s.config.Archive)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Archiving webhook payloads", "bucket", s.config.Archive.Bucket, "prefix", s.config.Archive.Prefix)
	return archive.NewS3Archive(client, s.config.Archive.Bucket, s.config.Archive.Prefix), nil
}
