package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/repository"
)

const campaignColumns = `c.id, c.tenant_id, c.name, c.status, c.start_time, c.end_time, c.script_id, c.call_interval,
	c.description, c.voice_id, c.email, c.max_call_time, c.time_of_day, c.max_callback, c.callback_conditions`

// CampaignRepository implements repository.CampaignRepository using
// PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// RunningCampaigns returns every campaign whose status is 'running'.
func (r *CampaignRepository) RunningCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM public.campaigns c WHERE c.status = 'running'`
	return r.queryCampaigns(ctx, q)
}

// StoppedCampaigns returns every campaign whose status is 'paused' or 'ended'.
func (r *CampaignRepository) StoppedCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM public.campaigns c WHERE c.status IN ('paused', 'ended')`
	return r.queryCampaigns(ctx, q)
}

// CampaignByID fetches a single campaign.
func (r *CampaignRepository) CampaignByID(ctx context.Context, id string) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM public.campaigns c WHERE c.id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// PendingLeads returns up to repository.PendingLeadsLimit leads for the
// campaign, oldest first.
func (r *CampaignRepository) PendingLeads(ctx context.Context, campaignID string) ([]*domain.Lead, error) {
	q := `SELECT c.id, c.phone_number, c.name, c.tenant_id, c.campaign_id
		FROM public.customers c
		WHERE c.campaign_id = $1
		ORDER BY c.created_at
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, q, campaignID, repository.PendingLeadsLimit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: pending leads: %w", err)
	}
	defer rows.Close()

	var results []*domain.Lead
	for rows.Next() {
		var record leadRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan lead: %w", err)
		}
		lead := record.toDomain()
		results = append(results, &lead)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, q string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

type campaignRecord struct {
	ID                 string         `db:"id"`
	TenantID           sql.NullString `db:"tenant_id"`
	Name               sql.NullString `db:"name"`
	Status             sql.NullString `db:"status"`
	StartTime          sql.NullTime   `db:"start_time"`
	EndTime            sql.NullTime   `db:"end_time"`
	ScriptID           sql.NullString `db:"script_id"`
	CallInterval       sql.NullInt64  `db:"call_interval"`
	Description        sql.NullString `db:"description"`
	VoiceID            sql.NullString `db:"voice_id"`
	Email              sql.NullString `db:"email"`
	MaxCallTime        sql.NullInt64  `db:"max_call_time"`
	TimeOfDay          sql.NullString `db:"time_of_day"`
	MaxCallback        sql.NullInt64  `db:"max_callback"`
	CallbackConditions sql.NullString `db:"callback_conditions"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                 r.ID,
		TenantID:           r.TenantID.String,
		Name:               r.Name.String,
		Status:             domain.CampaignStatus(r.Status.String),
		ScriptID:           r.ScriptID.String,
		CallInterval:       int(r.CallInterval.Int64),
		Description:        r.Description.String,
		VoiceID:            r.VoiceID.String,
		Email:              r.Email.String,
		MaxCallTime:        int(r.MaxCallTime.Int64),
		TimeOfDay:          r.TimeOfDay.String,
		MaxCallback:        int(r.MaxCallback.Int64),
		CallbackConditions: r.CallbackConditions.String,
	}

	if r.StartTime.Valid {
		t := normalizeZone(r.StartTime.Time)
		campaign.StartTime = &t
	}
	if r.EndTime.Valid {
		t := normalizeZone(r.EndTime.Time)
		campaign.EndTime = &t
	}

	return campaign
}

// normalizeZone reinterprets naive timestamps in the operating zone. The
// campaigns table stores wall-clock times without offsets and they are not
// UTC.
func normalizeZone(t time.Time) time.Time {
	if t.Location() == time.UTC {
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), domain.OperatingZone)
	}
	return t
}

type leadRecord struct {
	ID          string         `db:"id"`
	PhoneNumber string         `db:"phone_number"`
	Name        sql.NullString `db:"name"`
	TenantID    sql.NullString `db:"tenant_id"`
	CampaignID  sql.NullString `db:"campaign_id"`
}

func (r leadRecord) toDomain() domain.Lead {
	return domain.Lead{
		ID:          r.ID,
		PhoneNumber: r.PhoneNumber,
		Name:        r.Name.String,
		TenantID:    r.TenantID.String,
		CampaignID:  r.CampaignID.String,
	}
}
