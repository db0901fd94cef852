// Package callback drains call outcomes from the agent and drives the retry
// state machine. The consumer is independent of the campaign workers so late
// callbacks still update state after a worker has exited.
package callback

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/queue"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

const (
	popTimeout = time.Second
	batchLimit = 10
	errorSleep = time.Second
)

// Publisher mirrors processed callbacks onto the outcome event stream.
type Publisher interface {
	PublishOutcome(ctx context.Context, cb queue.CallCallback) error
}

// Consumer applies call outcomes to the coordination store.
type Consumer struct {
	store     store.Store
	publisher Publisher // optional
	clock     clock.Clock
	logger    *logger.Logger

	defaultRetryInterval time.Duration
}

// New constructs a consumer. publisher may be nil.
func New(st store.Store, publisher Publisher, clk clock.Clock, lg *logger.Logger, defaultRetryInterval time.Duration) *Consumer {
	return &Consumer{
		store:                st,
		publisher:            publisher,
		clock:                clk,
		logger:               lg,
		defaultRetryInterval: defaultRetryInterval,
	}
}

// Run drains callbacks until the context is cancelled: up to batchLimit per
// iteration, blocking at most popTimeout when the queue is empty.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("callback consumer started")

	for ctx.Err() == nil {
		if err := c.drainBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("callback consumer: drain", zap.Error(err))
			if c.clock.Sleep(ctx, errorSleep) != nil {
				return
			}
		}
	}
}

func (c *Consumer) drainBatch(ctx context.Context) error {
	for i := 0; i < batchLimit; i++ {
		cb, err := c.store.PopCallCallback(ctx, popTimeout)
		if err != nil {
			return err
		}
		if cb == nil {
			return nil
		}
		if err := c.Apply(ctx, cb); err != nil {
			c.logger.Error("callback consumer: apply",
				zap.String("call_id", cb.CallID), zap.Error(err))
		}
	}
	return nil
}

// Apply runs the retry state machine for one callback. Success marks land
// before finalization so a concurrent retry claimant that wins the claim
// race still observes the success set and skips the defunct retry.
func (c *Consumer) Apply(ctx context.Context, cb *queue.CallCallback) error {
	tracer := otel.Tracer("outbound.callbackconsumer")
	sctx, span := tracer.Start(ctx, "callback.apply", trace.WithAttributes(
		attribute.String("call.id", cb.CallID),
		attribute.String("campaign.id", cb.CampaignID),
		attribute.String("status", cb.Status),
		attribute.Int("attempt", cb.Attempt),
	))
	defer span.End()

	outcome := domain.CallOutcome(cb.Status)

	var applyErr error
	if outcome == domain.CallOutcomeSuccess {
		applyErr = c.applySuccess(sctx, cb)
	} else {
		applyErr = c.applyFailure(sctx, cb)
	}
	if applyErr != nil {
		span.RecordError(applyErr)
		return applyErr
	}

	if err := c.store.ClearInProgress(sctx, cb.CampaignID, cb.LeadID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := c.store.ClearPhoneInProgress(sctx, cb.CampaignID, cb.PhoneNumber); err != nil {
		span.RecordError(err)
		return err
	}

	if c.publisher != nil {
		if err := c.publisher.PublishOutcome(sctx, *cb); err != nil {
			// The event stream is best effort; never fail the state update.
			c.logger.Warn("callback consumer: publish outcome",
				zap.String("call_id", cb.CallID), zap.Error(err))
		}
	}

	return nil
}

func (c *Consumer) applySuccess(ctx context.Context, cb *queue.CallCallback) error {
	if err := c.store.MarkLeadSuccess(ctx, cb.CampaignID, cb.LeadID); err != nil {
		return err
	}
	if err := c.store.MarkPhoneSuccess(ctx, cb.CampaignID, cb.PhoneNumber); err != nil {
		return err
	}
	if err := c.store.SaveSuccessAndFinalize(ctx, cb.CallID); err != nil {
		return err
	}
	if err := c.store.RemoveRetry(ctx, cb.CampaignID, cb.CallID); err != nil {
		return err
	}

	c.logger.Info("call succeeded",
		zap.String("campaign_id", cb.CampaignID),
		zap.String("call_id", cb.CallID),
		zap.String("lead_id", cb.LeadID))
	return nil
}

func (c *Consumer) applyFailure(ctx context.Context, cb *queue.CallCallback) error {
	nextAttempt := cb.Attempt + 1
	if nextAttempt >= cb.MaxAttempts {
		// Retry budget exhausted; in-progress flags still clear below.
		c.logger.Info("call exhausted retries",
			zap.String("campaign_id", cb.CampaignID),
			zap.String("call_id", cb.CallID),
			zap.String("lead_id", cb.LeadID),
			zap.Int("attempts", nextAttempt))
		return nil
	}

	delay := time.Duration(cb.RetryInterval) * time.Second
	if delay <= 0 {
		delay = c.defaultRetryInterval
	}

	payload := map[string]any{
		"lead_id":          cb.LeadID,
		"phone":            cb.PhoneNumber,
		"attempt":          nextAttempt,
		"max_attempts":     cb.MaxAttempts,
		"retry_interval_s": int(delay / time.Second),
	}

	if err := c.store.SaveFailureAndScheduleRetry(ctx, cb.CampaignID, cb.CallID, payload, delay); err != nil {
		return err
	}

	c.logger.Info("retry scheduled",
		zap.String("campaign_id", cb.CampaignID),
		zap.String("call_id", cb.CallID),
		zap.String("lead_id", cb.LeadID),
		zap.Int("attempt", nextAttempt),
		zap.Duration("delay", delay))
	return nil
}
