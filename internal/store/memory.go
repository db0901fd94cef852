package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/queue"
)

// MemoryStore is an in-process Store used by tests and local demos. Queue
// pops return immediately instead of blocking; claim semantics match the
// Redis Lua script (one claimant per due id).
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock

	sets     map[string]map[string]struct{} // set key -> members
	retries  map[string]map[string]int64    // campaign id -> call id -> due epoch
	payloads map[string]map[string]string   // call id -> encoded fields

	requests  []queue.CallRequest
	callbacks []queue.CallCallback
}

// NewMemoryStore builds an empty store on the given clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:    clk,
		sets:     make(map[string]map[string]struct{}),
		retries:  make(map[string]map[string]int64),
		payloads: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) addMember(key, member string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
}

func (s *MemoryStore) hasMember(key, member string) bool {
	_, ok := s.sets[key][member]
	return ok
}

func (s *MemoryStore) MarkLeadSuccess(_ context.Context, campaignID, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMember(doneKey(campaignID), leadID)
	return nil
}

func (s *MemoryStore) IsLeadSuccess(_ context.Context, campaignID, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMember(doneKey(campaignID), leadID), nil
}

func (s *MemoryStore) MarkPhoneSuccess(_ context.Context, campaignID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMember(donePhoneKey(campaignID), phone)
	return nil
}

func (s *MemoryStore) IsPhoneSuccess(_ context.Context, campaignID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMember(donePhoneKey(campaignID), phone), nil
}

func (s *MemoryStore) MarkInProgress(_ context.Context, campaignID, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMember(inProgKey(campaignID), leadID)
	return nil
}

func (s *MemoryStore) ClearInProgress(_ context.Context, campaignID, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[inProgKey(campaignID)], leadID)
	return nil
}

func (s *MemoryStore) IsInProgress(_ context.Context, campaignID, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMember(inProgKey(campaignID), leadID), nil
}

func (s *MemoryStore) MarkPhoneInProgress(_ context.Context, campaignID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMember(inProgPhoneKey(campaignID), phone)
	return nil
}

func (s *MemoryStore) ClearPhoneInProgress(_ context.Context, campaignID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[inProgPhoneKey(campaignID)], phone)
	return nil
}

func (s *MemoryStore) IsPhoneInProgress(_ context.Context, campaignID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMember(inProgPhoneKey(campaignID), phone), nil
}

func (s *MemoryStore) SaveFailureAndScheduleRetry(_ context.Context, campaignID, callID string, payload map[string]any, delay time.Duration) error {
	fields, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[callID] = fields
	idx, ok := s.retries[campaignID]
	if !ok {
		idx = make(map[string]int64)
		s.retries[campaignID] = idx
	}
	idx[callID] = s.clock.Now().Add(delay).Unix()
	return nil
}

func (s *MemoryStore) SaveSuccessAndFinalize(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payloads, callID)
	return nil
}

func (s *MemoryStore) RemoveRetry(_ context.Context, campaignID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries[campaignID], callID)
	return nil
}

func (s *MemoryStore) ClaimDueRetries(_ context.Context, campaignID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.retries[campaignID]
	if len(idx) == 0 {
		return nil, nil
	}

	now := s.clock.Now().Unix()
	due := make([]string, 0, len(idx))
	for callID, score := range idx {
		if score <= now {
			due = append(due, callID)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if idx[due[i]] != idx[due[j]] {
			return idx[due[i]] < idx[due[j]]
		}
		return due[i] < due[j]
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, callID := range due {
		delete(idx, callID)
	}
	return due, nil
}

func (s *MemoryStore) GetCallPayload(_ context.Context, callID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DecodePayload(s.payloads[callID]), nil
}

func (s *MemoryStore) PushCallRequest(_ context.Context, req queue.CallRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *MemoryStore) PopCallRequest(_ context.Context, _ time.Duration) (*queue.CallRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil, nil
	}
	req := s.requests[0]
	s.requests = s.requests[1:]
	return &req, nil
}

func (s *MemoryStore) PushCallCallback(_ context.Context, cb queue.CallCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
	return nil
}

func (s *MemoryStore) PopCallCallback(_ context.Context, _ time.Duration) (*queue.CallCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callbacks) == 0 {
		return nil, nil
	}
	cb := s.callbacks[0]
	s.callbacks = s.callbacks[1:]
	return &cb, nil
}

func (s *MemoryStore) CountLeadSuccesses(_ context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[doneKey(campaignID)])), nil
}

func (s *MemoryStore) CountInProgress(_ context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[inProgKey(campaignID)])), nil
}

func (s *MemoryStore) CountPendingRetries(_ context.Context, campaignID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.retries[campaignID])), nil
}

// RequestCount reports queued call requests; test helper.
func (s *MemoryStore) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// HasCallPayload reports whether a payload hash exists; test helper.
func (s *MemoryStore) HasCallPayload(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payloads[callID]
	return ok
}
