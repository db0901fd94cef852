// Package campaign runs the per-campaign dispatch loop. Each worker owns one
// campaign, one database handle and one coordination-store connection; state
// never crosses worker boundaries.
package campaign

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/repository"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

const (
	leadCooldown = 60 * time.Second
	minPaceSleep = 500 * time.Millisecond
	idleSleep    = 5 * time.Second
	errorSleep   = 10 * time.Second
)

// Worker dispatches calls for a single campaign: due retries first, then new
// leads, at most one dial per iteration so call_interval pacing stays exact.
type Worker struct {
	campaignID string
	repo       repository.CampaignRepository
	store      store.Store
	clock      clock.Clock
	logger     *logger.Logger
	defaults   campaignsvc.Defaults

	campaign           *domain.Campaign
	lastCampaignCallAt time.Time
	lastLeadCallAt     map[string]time.Time
	// localInProgress and localInProgressPhones guard against duplicate
	// dispatch when the store briefly misreports membership.
	localInProgress       map[string]struct{}
	localInProgressPhones map[string]struct{}
	processed             int

	finished atomic.Bool
	done     chan struct{}
}

// New constructs a worker for the campaign. repo and st must be dedicated to
// this worker.
func New(campaignID string, repo repository.CampaignRepository, st store.Store, clk clock.Clock, lg *logger.Logger, defaults campaignsvc.Defaults) *Worker {
	return &Worker{
		campaignID:            campaignID,
		repo:                  repo,
		store:                 st,
		clock:                 clk,
		logger:                lg,
		defaults:              defaults,
		lastLeadCallAt:        make(map[string]time.Time),
		localInProgress:       make(map[string]struct{}),
		localInProgressPhones: make(map[string]struct{}),
		done:                  make(chan struct{}),
	}
}

// Done closes once the worker has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Finished reports whether the loop has returned.
func (w *Worker) Finished() bool { return w.finished.Load() }

// Processed returns the number of requests this worker has emitted.
func (w *Worker) Processed() int { return w.processed }

// Run executes the dispatch loop until the context is cancelled, the
// campaign disappears or stops being eligible. Out-of-window exits are
// deliberate: the scheduler respawns the worker when the window reopens.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		w.finished.Store(true)
		close(w.done)
	}()

	w.logger.Info("campaign worker started", zap.String("campaign_id", w.campaignID))

	for ctx.Err() == nil {
		c, err := w.repo.CampaignByID(ctx, w.campaignID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				w.logger.Info("campaign gone, worker exiting", zap.String("campaign_id", w.campaignID))
				return
			}
			w.logger.Error("campaign worker: refresh campaign", zap.String("campaign_id", w.campaignID), zap.Error(err))
			if w.clock.Sleep(ctx, errorSleep) != nil {
				return
			}
			continue
		}
		w.campaign = c

		now := w.clock.Now()
		if !c.IsRunning() || !campaignsvc.Eligible(c, now) {
			w.logger.Info("campaign no longer eligible, worker exiting",
				zap.String("campaign_id", w.campaignID), zap.String("status", string(c.Status)))
			return
		}

		if d := w.paceDelay(now); d > 0 {
			if w.clock.Sleep(ctx, d) != nil {
				return
			}
			continue
		}

		made, err := w.dispatchOnce(ctx)
		if err != nil {
			w.logger.Error("campaign worker: dispatch", zap.String("campaign_id", w.campaignID), zap.Error(err))
			if w.clock.Sleep(ctx, errorSleep) != nil {
				return
			}
			continue
		}

		if made {
			w.lastCampaignCallAt = w.clock.Now()
			continue
		}

		if w.clock.Sleep(ctx, idleSleep) != nil {
			return
		}
	}
}

// paceDelay returns how long the worker must still wait to honor the
// campaign's call_interval, zero when it may dial now.
func (w *Worker) paceDelay(now time.Time) time.Duration {
	interval := time.Duration(w.campaign.CallInterval) * time.Second
	if interval <= 0 || w.lastCampaignCallAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(w.lastCampaignCallAt)
	if elapsed >= interval {
		return 0
	}
	remaining := interval - elapsed
	if remaining < minPaceSleep {
		return minPaceSleep
	}
	return remaining
}

// dispatchOnce tries due retries first, then new leads, and emits at most
// one call request.
func (w *Worker) dispatchOnce(ctx context.Context) (bool, error) {
	tracer := otel.Tracer("outbound.campaignworker")
	sctx, span := tracer.Start(ctx, "worker.dispatch", trace.WithAttributes(
		attribute.String("campaign.id", w.campaignID),
	))
	defer span.End()

	made, err := w.dispatchDueRetry(sctx)
	if err != nil || made {
		if err != nil {
			span.RecordError(err)
		}
		return made, err
	}

	made, err = w.dispatchNewLead(sctx)
	if err != nil {
		span.RecordError(err)
	}
	return made, err
}

// dispatchDueRetry claims due retries one at a time, skipping past defunct
// entries, until it emits a request or nothing is due. A claim removes the id
// from the retry index, so every claimed id must be finalized or dispatched
// before the next claim.
func (w *Worker) dispatchDueRetry(ctx context.Context) (bool, error) {
	for {
		callIDs, err := w.store.ClaimDueRetries(ctx, w.campaignID, 1)
		if err != nil {
			return false, err
		}
		if len(callIDs) == 0 {
			return false, nil
		}
		callID := callIDs[0]

		payload, err := w.store.GetCallPayload(ctx, callID)
		if err != nil {
			return false, err
		}

		leadID := store.PayloadString(payload, "lead_id")
		phone := store.PayloadString(payload, "phone")
		if leadID == "" && phone == "" {
			// Orphaned index entry; nothing to redial.
			if err := w.store.SaveSuccessAndFinalize(ctx, callID); err != nil {
				return false, err
			}
			continue
		}

		// A success callback may have landed between the due check and our
		// claim; finalize and move on.
		succeeded, err := w.leadSucceeded(ctx, leadID, phone)
		if err != nil {
			return false, err
		}
		if succeeded {
			if err := w.finalizeRetry(ctx, callID); err != nil {
				return false, err
			}
			continue
		}

		attempt, _ := store.PayloadInt(payload, "attempt")
		maxAttempts, ok := store.PayloadInt(payload, "max_attempts")
		if !ok {
			maxAttempts = w.defaults.MaxAttemptsFor(w.campaign)
		}
		retryInterval, ok := store.PayloadInt(payload, "retry_interval_s")
		if !ok {
			retryInterval = w.defaults.RetryIntervalFor(w.campaign)
		}

		lead := &domain.Lead{
			ID:          leadID,
			PhoneNumber: phone,
			Name:        store.PayloadString(payload, "lead_name"),
		}
		req := campaignsvc.BuildCallRequest(w.campaign, lead, w.clock.Now(), campaignsvc.RequestParams{
			Attempt:        attempt,
			MaxAttempts:    maxAttempts,
			RetryInterval:  retryInterval,
			IsRetry:        true,
			OriginalCallID: callID,
		})

		if err := w.store.PushCallRequest(ctx, req); err != nil {
			return false, err
		}
		// The claimed payload has been consumed by the fresh request.
		if err := w.store.SaveSuccessAndFinalize(ctx, callID); err != nil {
			return false, err
		}
		if err := w.markDispatched(ctx, lead); err != nil {
			return false, err
		}

		w.logger.Info("retry dispatched",
			zap.String("campaign_id", w.campaignID),
			zap.String("call_id", req.CallID),
			zap.String("original_call_id", callID),
			zap.Int("attempt", attempt))
		return true, nil
	}
}

func (w *Worker) dispatchNewLead(ctx context.Context) (bool, error) {
	leads, err := w.repo.PendingLeads(ctx, w.campaignID)
	if err != nil {
		return false, err
	}

	for _, lead := range leads {
		ok, err := w.shouldMakeCall(ctx, lead, w.clock.Now())
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		req := campaignsvc.BuildCallRequest(w.campaign, lead, w.clock.Now(), campaignsvc.RequestParams{
			Attempt:       0,
			MaxAttempts:   w.defaults.MaxAttemptsFor(w.campaign),
			RetryInterval: w.defaults.RetryIntervalFor(w.campaign),
		})

		if err := w.store.PushCallRequest(ctx, req); err != nil {
			return false, err
		}
		if err := w.markDispatched(ctx, lead); err != nil {
			return false, err
		}

		w.logger.Info("call dispatched",
			zap.String("campaign_id", w.campaignID),
			zap.String("call_id", req.CallID),
			zap.String("lead_id", lead.ID))
		return true, nil
	}

	return false, nil
}

// shouldMakeCall applies every dedup and pacing gate for a new lead.
func (w *Worker) shouldMakeCall(ctx context.Context, lead *domain.Lead, now time.Time) (bool, error) {
	succeeded, err := w.leadSucceeded(ctx, lead.ID, lead.PhoneNumber)
	if err != nil || succeeded {
		return false, err
	}

	if _, held := w.localInProgress[lead.ID]; held {
		return false, nil
	}
	if _, held := w.localInProgressPhones[lead.PhoneNumber]; held {
		return false, nil
	}
	if inProg, err := w.store.IsInProgress(ctx, w.campaignID, lead.ID); err != nil || inProg {
		return false, err
	}
	if inProg, err := w.store.IsPhoneInProgress(ctx, w.campaignID, lead.PhoneNumber); err != nil || inProg {
		return false, err
	}

	if !campaignsvc.WithinTimeOfDay(w.campaign, now) {
		return false, nil
	}

	if last, ok := w.lastLeadCallAt[lead.ID]; ok && now.Sub(last) < leadCooldown {
		return false, nil
	}

	return true, nil
}

func (w *Worker) leadSucceeded(ctx context.Context, leadID, phone string) (bool, error) {
	if leadID != "" {
		done, err := w.store.IsLeadSuccess(ctx, w.campaignID, leadID)
		if err != nil || done {
			return done, err
		}
	}
	if phone != "" {
		done, err := w.store.IsPhoneSuccess(ctx, w.campaignID, phone)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

func (w *Worker) finalizeRetry(ctx context.Context, callID string) error {
	if err := w.store.SaveSuccessAndFinalize(ctx, callID); err != nil {
		return err
	}
	return w.store.RemoveRetry(ctx, w.campaignID, callID)
}

func (w *Worker) markDispatched(ctx context.Context, lead *domain.Lead) error {
	if err := w.store.MarkInProgress(ctx, w.campaignID, lead.ID); err != nil {
		return err
	}
	if err := w.store.MarkPhoneInProgress(ctx, w.campaignID, lead.PhoneNumber); err != nil {
		return err
	}
	w.localInProgress[lead.ID] = struct{}{}
	w.localInProgressPhones[lead.PhoneNumber] = struct{}{}
	w.lastLeadCallAt[lead.ID] = w.clock.Now()
	w.processed++
	return nil
}
