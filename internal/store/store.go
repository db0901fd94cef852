// Package store is the typed client for the coordination store: the Redis
// instance holding per-campaign dedup sets, the due-time retry index, pending
// retry payloads and the two FIFO queues shared with the call agent.
//
// Key shapes, per campaign cid:
//
//	camp:{cid}:done         SET   lead ids that succeeded
//	camp:{cid}:done_phone   SET   phone numbers that succeeded
//	camp:{cid}:inprogress   SET   lead ids dispatched, awaiting callback
//	camp:{cid}:inprog_phone SET   same, by phone
//	camp:{cid}:retry        ZSET  call_id -> due epoch
//	call:{call_id}          HASH  persisted retry payload
//	call_requests           LIST  outbound requests to the agent
//	call_callbacks          LIST  outcomes from the agent
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acme/outbound-call-scheduler/internal/queue"
)

const (
	// RequestQueueKey is the FIFO list of outbound call requests.
	RequestQueueKey = "call_requests"
	// CallbackQueueKey is the FIFO list of call outcomes.
	CallbackQueueKey = "call_callbacks"
)

// Store is the coordination-store client used by workers, the callback
// consumer and the status API. All operations are idempotent from the
// caller's perspective; transient errors surface to the caller, which
// retries at its own loop cadence.
type Store interface {
	MarkLeadSuccess(ctx context.Context, campaignID, leadID string) error
	IsLeadSuccess(ctx context.Context, campaignID, leadID string) (bool, error)
	MarkPhoneSuccess(ctx context.Context, campaignID, phone string) error
	IsPhoneSuccess(ctx context.Context, campaignID, phone string) (bool, error)

	MarkInProgress(ctx context.Context, campaignID, leadID string) error
	ClearInProgress(ctx context.Context, campaignID, leadID string) error
	IsInProgress(ctx context.Context, campaignID, leadID string) (bool, error)
	MarkPhoneInProgress(ctx context.Context, campaignID, phone string) error
	ClearPhoneInProgress(ctx context.Context, campaignID, phone string) error
	IsPhoneInProgress(ctx context.Context, campaignID, phone string) (bool, error)

	// SaveFailureAndScheduleRetry atomically persists the retry payload under
	// call:{call_id} and indexes the call id in camp:{cid}:retry with score
	// now+delay. A partial write never happens.
	SaveFailureAndScheduleRetry(ctx context.Context, campaignID, callID string, payload map[string]any, delay time.Duration) error
	// SaveSuccessAndFinalize deletes the persisted payload.
	SaveSuccessAndFinalize(ctx context.Context, callID string) error
	// RemoveRetry drops the call id from the retry index.
	RemoveRetry(ctx context.Context, campaignID, callID string) error
	// ClaimDueRetries removes and returns up to limit call ids whose due time
	// has passed. Atomic: concurrent claimants partition the due set.
	ClaimDueRetries(ctx context.Context, campaignID string, limit int) ([]string, error)
	// GetCallPayload reads the payload hash, decoding fields that parse as
	// JSON back into structured values.
	GetCallPayload(ctx context.Context, callID string) (map[string]any, error)

	PushCallRequest(ctx context.Context, req queue.CallRequest) error
	PopCallRequest(ctx context.Context, timeout time.Duration) (*queue.CallRequest, error)
	PushCallCallback(ctx context.Context, cb queue.CallCallback) error
	PopCallCallback(ctx context.Context, timeout time.Duration) (*queue.CallCallback, error)

	CountLeadSuccesses(ctx context.Context, campaignID string) (int64, error)
	CountInProgress(ctx context.Context, campaignID string) (int64, error)
	CountPendingRetries(ctx context.Context, campaignID string) (int64, error)
}

func doneKey(cid string) string { return fmt.Sprintf("camp:%s:done", cid) }

func donePhoneKey(cid string) string { return fmt.Sprintf("camp:%s:done_phone", cid) }

func inProgKey(cid string) string { return fmt.Sprintf("camp:%s:inprogress", cid) }

func inProgPhoneKey(cid string) string { return fmt.Sprintf("camp:%s:inprog_phone", cid) }

func retryKey(cid string) string { return fmt.Sprintf("camp:%s:retry", cid) }

func callKey(callID string) string { return fmt.Sprintf("call:%s", callID) }

// EncodePayload flattens a payload for hash storage: nested maps and slices
// JSON-encode, everything else renders as its string form.
func EncodePayload(payload map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch v := v.(type) {
		case string:
			out[k] = v
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("store: encode payload field %s: %w", k, err)
			}
			out[k] = string(b)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// DecodePayload is the inverse of EncodePayload: every field that parses as
// JSON becomes its decoded value, anything else stays a verbatim string.
func DecodePayload(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
			continue
		}
		out[k] = v
	}
	return out
}

// PayloadInt reads an integer field from a decoded payload, tolerating the
// float64 that JSON decoding produces.
func PayloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// PayloadString reads a string field from a decoded payload.
func PayloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
