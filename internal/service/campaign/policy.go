// Package campaign holds the pure scheduling policy: which campaigns may
// dial right now, and how a call request is built. Nothing here touches the
// database or the coordination store.
package campaign

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/queue"
)

// Defaults carries the fallbacks applied when a campaign leaves retry
// settings unset.
type Defaults struct {
	RetryInterval time.Duration
	MaxAttempts   int
}

// MaxAttemptsFor resolves the retry budget for a campaign.
func (d Defaults) MaxAttemptsFor(c *domain.Campaign) int {
	if c.MaxCallback > 0 {
		return c.MaxCallback
	}
	return d.MaxAttempts
}

// RetryIntervalFor resolves the retry delay hint attached to new requests.
func (d Defaults) RetryIntervalFor(c *domain.Campaign) int {
	return int(d.RetryInterval / time.Second)
}

// Eligible reports whether the campaign may dial at the given instant:
// inside its absolute window and inside at least one time-of-day window.
// Status is checked separately by the scheduler, which only fetches running
// campaigns.
func Eligible(c *domain.Campaign, now time.Time) bool {
	return WithinAbsoluteWindow(c, now) && WithinTimeOfDay(c, now)
}

// WithinAbsoluteWindow compares now against the optional start/end bounds in
// the operating zone. A missing bound is open on that side.
func WithinAbsoluteWindow(c *domain.Campaign, now time.Time) bool {
	now = now.In(domain.OperatingZone)
	if c.StartTime != nil && c.StartTime.After(now) {
		return false
	}
	if c.EndTime != nil && !now.Before(*c.EndTime) {
		return false
	}
	return true
}

// WithinTimeOfDay checks the campaign's time-of-day windows in the operating
// zone. With no valid window configured the check passes. Zero-length
// windows and windows that would wrap midnight are skipped; only same-day
// [start, end) intervals apply.
func WithinTimeOfDay(c *domain.Campaign, now time.Time) bool {
	windows := ParseTimeWindows(c.TimeOfDay)
	if len(windows) == 0 {
		return true
	}

	local := now.In(domain.OperatingZone)
	nowMinutes := local.Hour()*60 + local.Minute()

	for _, w := range windows {
		start, end := w.StartMinutes(), w.EndMinutes()
		if start >= end {
			continue
		}
		if start <= nowMinutes && nowMinutes < end {
			return true
		}
	}
	return false
}

// ParseTimeWindows decodes a time_of_day column value. The format is a JSON
// list of {fromHour, fromMinute, toHour, toMinute}. Parsing is tolerant:
// malformed input yields no windows, out-of-range values clamp to a valid
// hour or minute.
func ParseTimeWindows(raw string) []domain.TimeWindow {
	if raw == "" {
		return nil
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}

	windows := make([]domain.TimeWindow, 0, len(entries))
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		windows = append(windows, domain.TimeWindow{
			FromHour:   clampField(entry, "fromHour", 0, 0, 23),
			FromMinute: clampField(entry, "fromMinute", 0, 0, 59),
			ToHour:     clampField(entry, "toHour", 23, 0, 23),
			ToMinute:   clampField(entry, "toMinute", 59, 0, 59),
		})
	}
	return windows
}

func clampField(entry map[string]any, key string, fallback, lo, hi int) int {
	v, ok := entry[key]
	if !ok {
		return fallback
	}
	n, ok := v.(float64)
	if !ok {
		return fallback
	}
	value := int(n)
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// RequestParams shapes a call request beyond what campaign and lead provide.
type RequestParams struct {
	Attempt        int
	MaxAttempts    int
	RetryInterval  int // seconds
	IsRetry        bool
	OriginalCallID string
}

// BuildCallRequest assembles the outbound message for the call agent. The
// call id is always a fresh UUID; retries never reuse the original id.
func BuildCallRequest(c *domain.Campaign, lead *domain.Lead, now time.Time, params RequestParams) queue.CallRequest {
	return queue.CallRequest{
		CallID:         uuid.NewString(),
		TenantID:       c.TenantID,
		CampaignID:     c.ID,
		CampaignCode:   c.Name,
		ScriptID:       c.ScriptID,
		LeadID:         lead.ID,
		PhoneNumber:    lead.PhoneNumber,
		LeadName:       lead.DisplayName(),
		IsRetry:        params.IsRetry,
		OriginalCallID: params.OriginalCallID,
		Attempt:        params.Attempt,
		MaxAttempts:    params.MaxAttempts,
		RetryInterval:  params.RetryInterval,
		Timestamp:      now.In(domain.OperatingZone).Format(time.RFC3339),
	}
}
