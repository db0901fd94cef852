package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/repository"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

// stubRepo serves campaigns and leads from memory.
type stubRepo struct {
	campaigns map[string]*domain.Campaign
	leads     map[string][]*domain.Lead
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		campaigns: make(map[string]*domain.Campaign),
		leads:     make(map[string][]*domain.Lead),
	}
}

func (r *stubRepo) RunningCampaigns(context.Context) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignStatusRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *stubRepo) StoppedCampaigns(context.Context) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != domain.CampaignStatusRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *stubRepo) CampaignByID(_ context.Context, id string) (*domain.Campaign, error) {
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (r *stubRepo) PendingLeads(_ context.Context, campaignID string) ([]*domain.Lead, error) {
	return r.leads[campaignID], nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return lg
}

func allDayCampaign(id string) *domain.Campaign {
	return &domain.Campaign{
		ID:     id,
		Name:   "test-campaign",
		Status: domain.CampaignStatusRunning,
	}
}

func testDefaults() campaignsvc.Defaults {
	return campaignsvc.Defaults{RetryInterval: 300 * time.Second, MaxAttempts: 3}
}

func newTestWorker(t *testing.T, repo *stubRepo, st *store.MemoryStore, clk clock.Clock, campaignID string) *Worker {
	t.Helper()
	w := New(campaignID, repo, st, clk, testLogger(t), testDefaults())
	w.campaign = repo.campaigns[campaignID]
	return w
}

func TestDispatchNewLead(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")
	repo.leads["c1"] = []*domain.Lead{
		{ID: "l1", PhoneNumber: "+84901", CampaignID: "c1"},
		{ID: "l2", PhoneNumber: "+84902", CampaignID: "c1"},
	}

	w := newTestWorker(t, repo, st, clk, "c1")

	made, err := w.dispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !made {
		t.Fatalf("expected a call to be dispatched")
	}

	req, err := st.PopCallRequest(ctx, time.Second)
	if err != nil || req == nil {
		t.Fatalf("expected a request on the queue, got %v %v", req, err)
	}
	if req.LeadID != "l1" || req.CampaignID != "c1" || req.IsRetry {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.MaxAttempts != 3 || req.RetryInterval != 300 {
		t.Fatalf("expected defaults on the request, got %+v", req)
	}

	held, _ := st.IsInProgress(ctx, "c1", "l1")
	if !held {
		t.Fatalf("expected lead to be marked in progress")
	}
	held, _ = st.IsPhoneInProgress(ctx, "c1", "+84901")
	if !held {
		t.Fatalf("expected phone to be marked in progress")
	}
}

func TestDispatchSkipsIneligibleLeads(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")
	repo.leads["c1"] = []*domain.Lead{
		{ID: "done", PhoneNumber: "+1", CampaignID: "c1"},
		{ID: "busy", PhoneNumber: "+2", CampaignID: "c1"},
		{ID: "fresh", PhoneNumber: "+3", CampaignID: "c1"},
	}
	_ = st.MarkLeadSuccess(ctx, "c1", "done")
	_ = st.MarkInProgress(ctx, "c1", "busy")

	w := newTestWorker(t, repo, st, clk, "c1")

	made, err := w.dispatchOnce(ctx)
	if err != nil || !made {
		t.Fatalf("dispatch: made=%v err=%v", made, err)
	}

	req, _ := st.PopCallRequest(ctx, time.Second)
	if req == nil || req.LeadID != "fresh" {
		t.Fatalf("expected the fresh lead to be chosen, got %v", req)
	}
}

func TestDispatchSkipsDuplicatePhone(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")
	repo.leads["c1"] = []*domain.Lead{
		{ID: "l1", PhoneNumber: "+shared", CampaignID: "c1"},
		{ID: "l2", PhoneNumber: "+shared", CampaignID: "c1"},
	}

	w := newTestWorker(t, repo, st, clk, "c1")

	if made, err := w.dispatchOnce(ctx); err != nil || !made {
		t.Fatalf("first dispatch: made=%v err=%v", made, err)
	}
	// Second lead shares the phone number still in progress.
	if made, err := w.dispatchOnce(ctx); err != nil || made {
		t.Fatalf("expected no second dispatch, made=%v err=%v", made, err)
	}
	if st.RequestCount() != 1 {
		t.Fatalf("expected exactly one queued request, got %d", st.RequestCount())
	}
}

func TestLocalFallbackCoversPhoneDuringStoreHiccup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")
	repo.leads["c1"] = []*domain.Lead{
		{ID: "l1", PhoneNumber: "+shared", CampaignID: "c1"},
		{ID: "l2", PhoneNumber: "+shared", CampaignID: "c1"},
	}

	w := newTestWorker(t, repo, st, clk, "c1")

	if made, err := w.dispatchOnce(ctx); err != nil || !made {
		t.Fatalf("first dispatch: made=%v err=%v", made, err)
	}

	// Store flags vanish before the callback arrives; the local sets must
	// still block the second lead on the same phone.
	_ = st.ClearInProgress(ctx, "c1", "l1")
	_ = st.ClearPhoneInProgress(ctx, "c1", "+shared")

	ok, err := w.shouldMakeCall(ctx, repo.leads["c1"][1], clk.Now())
	if err != nil {
		t.Fatalf("should make call: %v", err)
	}
	if ok {
		t.Fatalf("expected local fallback to block the shared phone")
	}
}

func TestDispatchRespectsSuccessAfterCallbackRace(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")
	repo.leads["c1"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1", CampaignID: "c1"}}

	w := newTestWorker(t, repo, st, clk, "c1")

	if made, _ := w.dispatchOnce(ctx); !made {
		t.Fatalf("expected first dispatch")
	}
	_, _ = st.PopCallRequest(ctx, time.Second)

	// Callback lands: success recorded, in-progress cleared.
	_ = st.MarkLeadSuccess(ctx, "c1", "l1")
	_ = st.ClearInProgress(ctx, "c1", "l1")
	_ = st.ClearPhoneInProgress(ctx, "c1", "+1")

	if made, err := w.dispatchOnce(ctx); err != nil || made {
		t.Fatalf("expected no redial of a succeeded lead, made=%v err=%v", made, err)
	}
}

func TestDispatchDueRetry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")

	payload := map[string]any{
		"lead_id":          "l1",
		"phone":            "+84901",
		"lead_name":        "Alice",
		"attempt":          1,
		"max_attempts":     3,
		"retry_interval_s": 120,
	}
	if err := st.SaveFailureAndScheduleRetry(ctx, "c1", "old-call", payload, 30*time.Second); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	w := newTestWorker(t, repo, st, clk, "c1")

	// Not due yet; no leads either, so nothing dispatches.
	if made, err := w.dispatchOnce(ctx); err != nil || made {
		t.Fatalf("expected nothing due, made=%v err=%v", made, err)
	}

	clk.Advance(31 * time.Second)
	made, err := w.dispatchOnce(ctx)
	if err != nil || !made {
		t.Fatalf("expected retry dispatch, made=%v err=%v", made, err)
	}

	req, _ := st.PopCallRequest(ctx, time.Second)
	if req == nil {
		t.Fatalf("expected a retry request on the queue")
	}
	if !req.IsRetry || req.OriginalCallID != "old-call" {
		t.Fatalf("expected retry markers, got %+v", req)
	}
	if req.CallID == "old-call" {
		t.Fatalf("expected a fresh call id")
	}
	if req.LeadID != "l1" || req.LeadName != "Alice" || req.Attempt != 1 || req.RetryInterval != 120 {
		t.Fatalf("payload fields lost: %+v", req)
	}

	if st.HasCallPayload("old-call") {
		t.Fatalf("expected the claimed payload to be consumed")
	}
	held, _ := st.IsInProgress(ctx, "c1", "l1")
	if !held {
		t.Fatalf("expected the retried lead to be in progress")
	}
}

func TestDispatchEmitsEveryDueRetry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")

	// Two retries fall due in the same iteration window.
	for i, callID := range []string{"call-a", "call-b"} {
		payload := map[string]any{
			"lead_id":      fmt.Sprintf("l%d", i+1),
			"phone":        fmt.Sprintf("+8490%d", i+1),
			"attempt":      1,
			"max_attempts": 3,
		}
		if err := st.SaveFailureAndScheduleRetry(ctx, "c1", callID, payload, time.Second); err != nil {
			t.Fatalf("schedule retry: %v", err)
		}
	}
	clk.Advance(2 * time.Second)

	w := newTestWorker(t, repo, st, clk, "c1")

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		made, err := w.dispatchOnce(ctx)
		if err != nil || !made {
			t.Fatalf("dispatch %d: made=%v err=%v", i+1, made, err)
		}
		req, _ := st.PopCallRequest(ctx, time.Second)
		if req == nil || !req.IsRetry {
			t.Fatalf("dispatch %d: expected a retry request, got %v", i+1, req)
		}
		seen[req.OriginalCallID] = true
	}

	if !seen["call-a"] || !seen["call-b"] {
		t.Fatalf("expected both due retries emitted, got %v", seen)
	}
	if n, _ := st.CountPendingRetries(ctx, "c1"); n != 0 {
		t.Fatalf("expected retry index drained, got %d", n)
	}
	for _, callID := range []string{"call-a", "call-b"} {
		if st.HasCallPayload(callID) {
			t.Fatalf("expected payload %s consumed", callID)
		}
	}
}

func TestDispatchSkipsDefunctRetryAndEmitsNext(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")

	done := map[string]any{"lead_id": "winner", "phone": "+1", "attempt": 1, "max_attempts": 3}
	live := map[string]any{"lead_id": "pending", "phone": "+2", "attempt": 1, "max_attempts": 3}
	_ = st.SaveFailureAndScheduleRetry(ctx, "c1", "call-a", done, time.Second)
	_ = st.SaveFailureAndScheduleRetry(ctx, "c1", "call-b", live, time.Second)
	_ = st.MarkLeadSuccess(ctx, "c1", "winner")
	clk.Advance(2 * time.Second)

	w := newTestWorker(t, repo, st, clk, "c1")

	// One iteration finalizes the defunct retry and still emits the live one.
	made, err := w.dispatchOnce(ctx)
	if err != nil || !made {
		t.Fatalf("dispatch: made=%v err=%v", made, err)
	}

	req, _ := st.PopCallRequest(ctx, time.Second)
	if req == nil || req.OriginalCallID != "call-b" || req.LeadID != "pending" {
		t.Fatalf("expected the live retry emitted, got %v", req)
	}
	if st.HasCallPayload("call-a") {
		t.Fatalf("expected defunct payload finalized")
	}
	if n, _ := st.CountPendingRetries(ctx, "c1"); n != 0 {
		t.Fatalf("expected retry index drained, got %d", n)
	}
}

func TestDispatchDueRetrySkipsSucceededLead(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	repo.campaigns["c1"] = allDayCampaign("c1")

	payload := map[string]any{"lead_id": "l1", "phone": "+1", "attempt": 1, "max_attempts": 3}
	_ = st.SaveFailureAndScheduleRetry(ctx, "c1", "old-call", payload, time.Second)
	_ = st.MarkLeadSuccess(ctx, "c1", "l1")

	clk.Advance(2 * time.Second)
	w := newTestWorker(t, repo, st, clk, "c1")

	made, err := w.dispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if made || st.RequestCount() != 0 {
		t.Fatalf("expected defunct retry to be dropped without a request")
	}
	if st.HasCallPayload("old-call") {
		t.Fatalf("expected payload cleanup for the defunct retry")
	}
}

func TestPaceDelay(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	repo := newStubRepo()
	campaign := allDayCampaign("c1")
	campaign.CallInterval = 30
	repo.campaigns["c1"] = campaign

	w := newTestWorker(t, repo, store.NewMemoryStore(clk), clk, "c1")

	if d := w.paceDelay(clk.Now()); d != 0 {
		t.Fatalf("expected no delay before the first call, got %v", d)
	}

	w.lastCampaignCallAt = clk.Now()
	clk.Advance(10 * time.Second)
	if d := w.paceDelay(clk.Now()); d != 20*time.Second {
		t.Fatalf("expected 20s remaining, got %v", d)
	}

	clk.Advance(25 * time.Second)
	if d := w.paceDelay(clk.Now()); d != 0 {
		t.Fatalf("expected interval elapsed, got %v", d)
	}

	// Tiny remainders clamp up so the loop never busy-spins.
	w.lastCampaignCallAt = clk.Now().Add(-29*time.Second - 900*time.Millisecond)
	if d := w.paceDelay(clk.Now()); d != minPaceSleep {
		t.Fatalf("expected clamp to %v, got %v", minPaceSleep, d)
	}
}

func TestRunExitsWhenCampaignStops(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	campaign := allDayCampaign("c1")
	campaign.Status = domain.CampaignStatusPaused
	repo.campaigns["c1"] = campaign

	w := New("c1", repo, st, clk, testLogger(t), testDefaults())
	go w.Run(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected worker to exit for a paused campaign")
	}
	if !w.Finished() {
		t.Fatalf("expected Finished after exit")
	}
}

func TestRunExitsOutsideTimeOfDay(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 22, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()
	campaign := allDayCampaign("c1")
	campaign.TimeOfDay = `[{"fromHour":9,"fromMinute":0,"toHour":17,"toMinute":0}]`
	repo.campaigns["c1"] = campaign
	repo.leads["c1"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1", CampaignID: "c1"}}

	w := New("c1", repo, st, clk, testLogger(t), testDefaults())
	go w.Run(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected worker to exit outside the calling window")
	}
	if st.RequestCount() != 0 {
		t.Fatalf("expected no dispatch outside the window")
	}
}

func TestRunExitsWhenCampaignDeleted(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	st := store.NewMemoryStore(clk)
	repo := newStubRepo()

	w := New("ghost", repo, st, clk, testLogger(t), testDefaults())
	go w.Run(context.Background())

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected worker to exit for a missing campaign")
	}
}
