package domain

import "time"

// CampaignStatus enumerates lifecycle states of a campaign. Campaigns are
// created and mutated outside this system; the scheduler only reads them.
type CampaignStatus string

const (
	CampaignStatusRunning CampaignStatus = "running"
	CampaignStatusPaused  CampaignStatus = "paused"
	CampaignStatusEnded   CampaignStatus = "ended"
)

// CallOutcome enumerates the outcomes the call agent reports back.
type CallOutcome string

const (
	CallOutcomeSuccess  CallOutcome = "SUCCESS"
	CallOutcomeNoAnswer CallOutcome = "NO_ANSWER"
	CallOutcomeBusy     CallOutcome = "BUSY"
	CallOutcomeFailed   CallOutcome = "FAILED"
)

// Retryable reports whether the outcome qualifies for another attempt.
func (o CallOutcome) Retryable() bool {
	switch o {
	case CallOutcomeNoAnswer, CallOutcomeBusy, CallOutcomeFailed:
		return true
	}
	return false
}

// Campaign models an outbound calling program as stored in the campaigns
// table. IDs are opaque strings so downstream code can concatenate them into
// coordination-store keys without conversion.
type Campaign struct {
	ID           string
	TenantID     string
	Name         string
	Status       CampaignStatus
	StartTime    *time.Time
	EndTime      *time.Time
	ScriptID     string
	CallInterval int // minimum seconds between any two dials of this campaign

	Description        string
	VoiceID            string
	Email              string
	MaxCallTime        int    // per-call timeout hint, seconds
	TimeOfDay          string // JSON-encoded list of TimeWindow
	MaxCallback        int    // max retry attempts
	CallbackConditions string
}

// IsRunning reports whether the campaign status allows dialing.
func (c *Campaign) IsRunning() bool {
	return c.Status == CampaignStatusRunning
}

// TimeWindow is one allowed calling window within a day, in the operating
// zone. Windows are half-open: [from, to).
type TimeWindow struct {
	FromHour   int `json:"fromHour"`
	FromMinute int `json:"fromMinute"`
	ToHour     int `json:"toHour"`
	ToMinute   int `json:"toMinute"`
}

// StartMinutes returns the window start as minutes since midnight.
func (w TimeWindow) StartMinutes() int {
	return w.FromHour*60 + w.FromMinute
}

// EndMinutes returns the window end as minutes since midnight.
func (w TimeWindow) EndMinutes() int {
	return w.ToHour*60 + w.ToMinute
}

// Lead is one prospective callee within a campaign, read from the customers
// table.
type Lead struct {
	ID          string
	PhoneNumber string
	Name        string
	TenantID    string
	CampaignID  string
}

// DisplayName returns the lead name, falling back to the phone number.
func (l *Lead) DisplayName() string {
	if l.Name != "" {
		return l.Name
	}
	return "Lead " + l.PhoneNumber
}

// OperatingZone is the fixed time zone used for every scheduling comparison.
// Naive timestamps from the database are interpreted in this zone.
var OperatingZone = time.FixedZone("UTC+7", 7*60*60)
