package repository

import (
	"context"

	"github.com/acme/outbound-call-scheduler/internal/domain"
	apperrors "github.com/acme/outbound-call-scheduler/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
)

// PendingLeadsLimit bounds every lead fetch; workers dispatch one lead per
// iteration, so a page is plenty.
const PendingLeadsLimit = 50

// CampaignRepository is the read-only view of campaigns and their leads.
// Campaign mutation happens outside this system.
type CampaignRepository interface {
	// RunningCampaigns returns every campaign with status 'running'.
	RunningCampaigns(ctx context.Context) ([]*domain.Campaign, error)
	// StoppedCampaigns returns every campaign with status 'paused' or 'ended'.
	StoppedCampaigns(ctx context.Context) ([]*domain.Campaign, error)
	// CampaignByID returns a single campaign, or ErrNotFound.
	CampaignByID(ctx context.Context, id string) (*domain.Campaign, error)
	// PendingLeads returns up to PendingLeadsLimit leads for the campaign,
	// ordered by creation time ascending.
	PendingLeads(ctx context.Context, campaignID string) ([]*domain.Lead, error)
}
