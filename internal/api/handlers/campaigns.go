package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-call-scheduler/internal/domain"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
)

type campaignResponse struct {
	ID           string                `json:"id"`
	TenantID     string                `json:"tenant_id,omitempty"`
	Name         string                `json:"name"`
	Status       domain.CampaignStatus `json:"status"`
	StartTime    *time.Time            `json:"start_time,omitempty"`
	EndTime      *time.Time            `json:"end_time,omitempty"`
	CallInterval int                   `json:"call_interval"`
	MaxCallback  int                   `json:"max_callback"`
	TimeOfDay    []domain.TimeWindow   `json:"time_of_day"`
	Eligible     bool                  `json:"eligible_now"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type campaignProgressResponse struct {
	CampaignID     string `json:"campaign_id"`
	SucceededLeads int64  `json:"succeeded_leads"`
	InProgress     int64  `json:"in_progress"`
	PendingRetries int64  `json:"pending_retries"`
	PendingLeads   int    `json:"pending_leads"`
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	running, err := h.repo.RunningCampaigns(ctx.Context())
	if err != nil {
		return err
	}
	stopped, err := h.repo.StoppedCampaigns(ctx.Context())
	if err != nil {
		return err
	}

	now := h.container.Clock.Now()
	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(running)+len(stopped))}
	for _, c := range append(running, stopped...) {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c, now))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	campaign, err := h.repo.CampaignByID(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign, h.container.Clock.Now()))
}

// campaignProgress reports live counters from the coordination store next to
// the database's remaining-lead count.
func (h *HandlerSet) campaignProgress(ctx *fiber.Ctx) error {
	campaign, err := h.repo.CampaignByID(ctx.Context(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}

	succeeded, err := h.store.CountLeadSuccesses(ctx.Context(), campaign.ID)
	if err != nil {
		return err
	}
	inProgress, err := h.store.CountInProgress(ctx.Context(), campaign.ID)
	if err != nil {
		return err
	}
	retries, err := h.store.CountPendingRetries(ctx.Context(), campaign.ID)
	if err != nil {
		return err
	}
	leads, err := h.repo.PendingLeads(ctx.Context(), campaign.ID)
	if err != nil {
		return err
	}

	return ctx.Status(http.StatusOK).JSON(campaignProgressResponse{
		CampaignID:     campaign.ID,
		SucceededLeads: succeeded,
		InProgress:     inProgress,
		PendingRetries: retries,
		PendingLeads:   len(leads),
	})
}

func toCampaignResponse(c *domain.Campaign, now time.Time) campaignResponse {
	return campaignResponse{
		ID:           c.ID,
		TenantID:     c.TenantID,
		Name:         c.Name,
		Status:       c.Status,
		StartTime:    c.StartTime,
		EndTime:      c.EndTime,
		CallInterval: c.CallInterval,
		MaxCallback:  c.MaxCallback,
		TimeOfDay:    campaignsvc.ParseTimeWindows(c.TimeOfDay),
		Eligible:     c.IsRunning() && campaignsvc.Eligible(c, now),
	}
}
