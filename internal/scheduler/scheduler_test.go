package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/config"
	"github.com/acme/outbound-call-scheduler/internal/domain"
	"github.com/acme/outbound-call-scheduler/internal/repository"
	campaignsvc "github.com/acme/outbound-call-scheduler/internal/service/campaign"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

// stubRepo is safe for concurrent reads from spawned workers while the test
// mutates campaign state.
type stubRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*domain.Campaign
	leads     map[string][]*domain.Lead
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		campaigns: make(map[string]*domain.Campaign),
		leads:     make(map[string][]*domain.Lead),
	}
}

func (r *stubRepo) put(c *domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

func (r *stubRepo) setStatus(id string, status domain.CampaignStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *r.campaigns[id]
	c.Status = status
	r.campaigns[id] = &c
}

func (r *stubRepo) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.campaigns, id)
}

func (r *stubRepo) RunningCampaigns(context.Context) ([]*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == domain.CampaignStatusRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *stubRepo) StoppedCampaigns(context.Context) ([]*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status != domain.CampaignStatusRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *stubRepo) CampaignByID(_ context.Context, id string) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (r *stubRepo) PendingLeads(_ context.Context, campaignID string) ([]*domain.Lead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
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

func runningCampaign(id string) *domain.Campaign {
	return &domain.Campaign{ID: id, Name: id, Status: domain.CampaignStatusRunning}
}

type fixture struct {
	sched  *Scheduler
	repo   *stubRepo
	clk    *clock.Fake
	closed *atomic.Int32
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()

	repo := newStubRepo()
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, domain.OperatingZone))
	closed := new(atomic.Int32)

	factory := func(context.Context) (*WorkerResources, error) {
		return &WorkerResources{
			Repo:  repo,
			Store: store.NewMemoryStore(clk),
			Close: func() error {
				closed.Add(1)
				return nil
			},
		}, nil
	}

	cfg := config.SchedulerConfig{
		CheckIntervalSec:       60,
		MaxConcurrentCampaigns: maxWorkers,
		StopTimeout:            2 * time.Second,
	}
	defaults := campaignsvc.Defaults{RetryInterval: 300 * time.Second, MaxAttempts: 3}

	return &fixture{
		sched:  New(cfg, defaults, repo, factory, clk, testLogger(t)),
		repo:   repo,
		clk:    clk,
		closed: closed,
	}
}

func TestCycleSpawnsWorkerForEligibleCampaign(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.put(runningCampaign("c1"))
	f.repo.leads["c1"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1", CampaignID: "c1"}}

	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 1 {
		t.Fatalf("expected one worker, got %d", f.sched.WorkerCount())
	}

	// A second cycle must not double-spawn.
	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 1 {
		t.Fatalf("expected still one worker, got %d", f.sched.WorkerCount())
	}

	f.sched.stopAll()
}

func TestCycleSkipsCampaignWithoutLeads(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.put(runningCampaign("empty"))

	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 0 {
		t.Fatalf("expected no worker for a campaign with no leads")
	}
}

func TestCycleSkipsIneligibleCampaign(t *testing.T) {
	f := newFixture(t, 10)
	campaign := runningCampaign("night")
	campaign.TimeOfDay = `[{"fromHour":9,"fromMinute":0,"toHour":17,"toMinute":0}]`
	f.repo.put(campaign)
	f.repo.leads["night"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1"}}

	f.clk.Set(time.Date(2026, 3, 10, 22, 0, 0, 0, domain.OperatingZone))
	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 0 {
		t.Fatalf("expected no worker outside the calling window")
	}
}

func TestCycleEnforcesConcurrencyCap(t *testing.T) {
	f := newFixture(t, 1)
	for _, id := range []string{"c1", "c2"} {
		f.repo.put(runningCampaign(id))
		f.repo.leads[id] = []*domain.Lead{{ID: id + "-l", PhoneNumber: "+" + id}}
	}

	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 1 {
		t.Fatalf("expected cap of 1 worker, got %d", f.sched.WorkerCount())
	}

	f.sched.stopAll()
}

func TestCycleStopsWorkerWhenCampaignPauses(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.put(runningCampaign("c1"))
	f.repo.leads["c1"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1"}}

	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 1 {
		t.Fatalf("expected one worker, got %d", f.sched.WorkerCount())
	}

	f.repo.setStatus("c1", domain.CampaignStatusPaused)
	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.sched.WorkerCount() != 0 {
		t.Fatalf("expected worker stopped, got %d", f.sched.WorkerCount())
	}
	if f.closed.Load() != 1 {
		t.Fatalf("expected worker resources closed once, got %d", f.closed.Load())
	}
}

func TestCycleReapsWorkerAfterCampaignDeleted(t *testing.T) {
	f := newFixture(t, 10)
	f.repo.put(runningCampaign("c1"))
	f.repo.leads["c1"] = []*domain.Lead{{ID: "l1", PhoneNumber: "+1"}}

	if err := f.sched.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// The campaign disappears; the worker notices and exits on its own.
	f.repo.remove("c1")
	deadline := time.Now().Add(2 * time.Second)
	for f.sched.WorkerCount() == 1 {
		if err := f.sched.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if f.closed.Load() != 1 {
		t.Fatalf("expected resources closed after reap, got %d", f.closed.Load())
	}
}
