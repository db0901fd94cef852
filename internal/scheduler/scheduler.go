// Package scheduler reconciles the set of live campaign workers against the
// database: one worker per eligible running campaign, bounded by the
// concurrency cap, stopped cooperatively when a campaign pauses or ends.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/config"
	"github.com/acme/outbound-call-scheduler/internal/repository"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
	"github.com/acme/outbound-call-scheduler/internal/store"
	campaignworker "github.com/acme/outbound-call-scheduler/internal/worker/campaign"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

const cycleErrorSleep = 5 * time.Second

// WorkerResources bundles the dedicated connections a campaign worker owns.
// Pools are per worker so saturation or failure in one campaign cannot
// propagate to the others.
type WorkerResources struct {
	Repo  repository.CampaignRepository
	Store store.Store
	Close func() error
}

// ResourceFactory creates fresh resources for one worker.
type ResourceFactory func(ctx context.Context) (*WorkerResources, error)

// Scheduler is the top-level reconciliation loop.
type Scheduler struct {
	cfg      config.SchedulerConfig
	defaults campaignsvc.Defaults
	repo     repository.CampaignRepository
	factory  ResourceFactory
	clock    clock.Clock
	logger   *logger.Logger

	workers map[string]*workerHandle
}

type workerHandle struct {
	worker    *campaignworker.Worker
	cancel    context.CancelFunc
	resources *WorkerResources
}

// New constructs a scheduler. repo is the scheduler's own database handle;
// factory provisions per-worker connections.
func New(cfg config.SchedulerConfig, defaults campaignsvc.Defaults, repo repository.CampaignRepository, factory ResourceFactory, clk clock.Clock, lg *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		defaults: defaults,
		repo:     repo,
		factory:  factory,
		clock:    clk,
		logger:   lg,
		workers:  make(map[string]*workerHandle),
	}
}

// WorkerCount reports the number of live workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}

// Run executes reconciliation cycles until cancelled, then stops every
// worker cooperatively.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("check_interval", s.cfg.CheckInterval()),
		zap.Int("max_concurrent_campaigns", s.cfg.MaxConcurrentCampaigns))

	for ctx.Err() == nil {
		if err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler cycle failed", zap.Error(err))
			if s.clock.Sleep(ctx, cycleErrorSleep) != nil {
				break
			}
			continue
		}
		if s.clock.Sleep(ctx, s.cfg.CheckInterval()) != nil {
			break
		}
	}

	s.stopAll()
	return ctx.Err()
}

// Cycle runs one reconciliation pass.
func (s *Scheduler) Cycle(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.cycle")
	defer span.End()

	s.reapFinished()

	if err := s.spawnEligible(sctx); err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.stopHalted(sctx); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("workers.live", len(s.workers)))
	return nil
}

// reapFinished releases resources of workers whose loop has returned,
// whether they exited on their own or crashed.
func (s *Scheduler) reapFinished() {
	for id, h := range s.workers {
		if !h.worker.Finished() {
			continue
		}
		s.release(id, h)
		s.logger.Info("worker reaped",
			zap.String("campaign_id", id),
			zap.Int("processed", h.worker.Processed()))
	}
}

func (s *Scheduler) spawnEligible(ctx context.Context) error {
	campaigns, err := s.repo.RunningCampaigns(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, c := range campaigns {
		if !campaignsvc.Eligible(c, now) {
			continue
		}
		if _, live := s.workers[c.ID]; live {
			continue
		}
		if len(s.workers) >= s.cfg.MaxConcurrentCampaigns {
			s.logger.Warn("campaign concurrency cap reached, deferring",
				zap.String("campaign_id", c.ID),
				zap.Int("cap", s.cfg.MaxConcurrentCampaigns))
			continue
		}

		leads, err := s.repo.PendingLeads(ctx, c.ID)
		if err != nil {
			s.logger.Error("scheduler: fetch pending leads",
				zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if len(leads) == 0 {
			continue
		}

		if err := s.spawn(ctx, c.ID); err != nil {
			s.logger.Error("scheduler: spawn worker",
				zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}

		s.logger.Info("worker spawned",
			zap.String("campaign_id", c.ID),
			zap.String("campaign_name", c.Name),
			zap.Int("pending_leads", len(leads)))
	}

	return nil
}

func (s *Scheduler) spawn(ctx context.Context, campaignID string) error {
	res, err := s.factory(ctx)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	worker := campaignworker.New(campaignID, res.Repo, res.Store, s.clock, s.logger, s.defaults)
	s.workers[campaignID] = &workerHandle{worker: worker, cancel: cancel, resources: res}

	go worker.Run(wctx)
	return nil
}

// stopHalted requests cooperative stop for workers whose campaign has been
// paused or ended, waiting a bounded interval for each.
func (s *Scheduler) stopHalted(ctx context.Context) error {
	campaigns, err := s.repo.StoppedCampaigns(ctx)
	if err != nil {
		return err
	}

	for _, c := range campaigns {
		h, live := s.workers[c.ID]
		if !live {
			continue
		}

		s.logger.Info("stopping worker",
			zap.String("campaign_id", c.ID),
			zap.String("status", string(c.Status)))

		if s.stopWorker(h) {
			s.release(c.ID, h)
		} else {
			// Detached: the worker finishes its current iteration and exits;
			// the next cycle's reap releases it.
			s.logger.Warn("worker did not stop in time",
				zap.String("campaign_id", c.ID))
		}
	}

	return nil
}

// stopWorker cancels the worker and waits up to the configured stop timeout.
func (s *Scheduler) stopWorker(h *workerHandle) bool {
	h.cancel()

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-h.worker.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scheduler) stopAll() {
	for id, h := range s.workers {
		if s.stopWorker(h) {
			s.release(id, h)
		}
	}
}

func (s *Scheduler) release(id string, h *workerHandle) {
	h.cancel()
	if h.resources != nil && h.resources.Close != nil {
		if err := h.resources.Close(); err != nil {
			s.logger.Warn("scheduler: close worker resources",
				zap.String("campaign_id", id), zap.Error(err))
		}
	}
	delete(s.workers, id)
}
