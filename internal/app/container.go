// Package app wires configuration, infrastructure clients and components
// into process entry points.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/config"
	"github.com/acme/outbound-call-scheduler/internal/infra/db"
	redisinfra "github.com/acme/outbound-call-scheduler/internal/infra/redis"
	"github.com/acme/outbound-call-scheduler/internal/queue"
	"github.com/acme/outbound-call-scheduler/internal/repository"
	pgrepo "github.com/acme/outbound-call-scheduler/internal/repository/postgres"
	"github.com/acme/outbound-call-scheduler/internal/scheduler"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

// Container holds the shared infrastructure handles. Campaign workers do not
// use these directly; WorkerResources provisions dedicated connections per
// worker.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  clock.Clock

	pg      *db.Postgres
	redis   *redisinfra.Client
	outcome *queue.OutcomePublisher

	repo  repository.CampaignRepository
	store store.Store
}

// Build loads configuration, constructs the logger and connects the shared
// clients.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	return New(ctx, cfg, lg)
}

// New connects the shared Postgres and Redis clients and, when brokers are
// configured, the Kafka outcome publisher.
func New(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: lg,
		Clock:  clock.New(),
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	c.pg = pg

	rd, err := redisinfra.NewClient(ctx, cfg.Redis)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("app: connect redis: %w", err)
	}
	c.redis = rd

	c.repo = pgrepo.NewCampaignRepository(pg.DB())
	c.store = store.NewRedisStore(rd.Inner(), c.Clock)

	if cfg.Kafka.Enabled() {
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("app: kafka: %w", err)
		}
		if err := k.EnsureTopics(ctx, []string{cfg.Kafka.OutcomeTopic}, 3, 1); err != nil {
			lg.Warn("app: ensure kafka topics", zap.Error(err))
		}
		c.outcome = queue.NewOutcomePublisher(k, cfg.Kafka.OutcomeTopic)
	}

	return c, nil
}

// Repo returns the shared campaign repository.
func (c *Container) Repo() repository.CampaignRepository { return c.repo }

// Store returns the shared coordination store.
func (c *Container) Store() store.Store { return c.store }

// Postgres returns the shared database handle, for health checks.
func (c *Container) Postgres() *db.Postgres { return c.pg }

// Redis returns the shared redis client, for health checks.
func (c *Container) Redis() *redisinfra.Client { return c.redis }

// OutcomePublisher returns the Kafka publisher, or nil when disabled.
func (c *Container) OutcomePublisher() *queue.OutcomePublisher { return c.outcome }

// Defaults resolves the retry fallbacks from config.
func (c *Container) Defaults() campaignsvc.Defaults {
	return campaignsvc.Defaults{
		RetryInterval: c.Config.Retry.DefaultInterval(),
		MaxAttempts:   c.Config.Retry.MaxAttempts,
	}
}

// WorkerResources provisions a dedicated Postgres pool and Redis connection
// for one campaign worker.
func (c *Container) WorkerResources(ctx context.Context) (*scheduler.WorkerResources, error) {
	pg, err := db.NewPostgres(ctx, c.Config.Postgres)
	if err != nil {
		return nil, fmt.Errorf("app: worker postgres: %w", err)
	}

	rd, err := redisinfra.NewClient(ctx, c.Config.Redis)
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("app: worker redis: %w", err)
	}

	return &scheduler.WorkerResources{
		Repo:  pgrepo.NewCampaignRepository(pg.DB()),
		Store: store.NewRedisStore(rd.Inner(), c.Clock),
		Close: func() error {
			rdErr := rd.Close()
			pgErr := pg.Close()
			if rdErr != nil {
				return rdErr
			}
			return pgErr
		},
	}, nil
}

// Close releases every shared handle. Safe on a partially constructed
// container.
func (c *Container) Close() {
	if c.outcome != nil {
		if err := c.outcome.Close(); err != nil {
			c.Logger.Warn("app: close outcome publisher", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.Logger.Warn("app: close redis", zap.Error(err))
		}
	}
	if c.pg != nil {
		if err := c.pg.Close(); err != nil {
			c.Logger.Warn("app: close postgres", zap.Error(err))
		}
	}
}
