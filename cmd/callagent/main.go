// callagent is a stand-in for the external telephony agent: it consumes
// call_requests, simulates a call with a weighted random outcome and pushes
// the result onto call_callbacks. Useful for end-to-end runs without a
// telephony provider.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/config"
	"github.com/acme/outbound-call-scheduler/internal/domain"
	redisinfra "github.com/acme/outbound-call-scheduler/internal/infra/redis"
	"github.com/acme/outbound-call-scheduler/internal/queue"
	"github.com/acme/outbound-call-scheduler/internal/store"
	"github.com/acme/outbound-call-scheduler/pkg/logger"
)

const popTimeout = 2 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	client, err := redisinfra.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer client.Close()

	st := store.NewRedisStore(client.Inner(), clock.New())

	lg.Info("call agent started")
	run(ctx, st, lg)
}

func run(ctx context.Context, st store.Store, lg *logger.Logger) {
	for ctx.Err() == nil {
		req, err := st.PopCallRequest(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Error("call agent: pop request", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if req == nil {
			continue
		}

		cb := simulate(req)
		if err := st.PushCallCallback(ctx, cb); err != nil {
			lg.Error("call agent: push callback",
				zap.String("call_id", req.CallID), zap.Error(err))
			continue
		}

		lg.Info("call simulated",
			zap.String("call_id", req.CallID),
			zap.String("campaign_id", req.CampaignID),
			zap.String("lead_id", req.LeadID),
			zap.String("status", cb.Status),
			zap.Bool("is_retry", req.IsRetry))
	}
}

// simulate produces an outcome with fixed weights: 70% success, 10% each for
// no-answer, busy and failed.
func simulate(req *queue.CallRequest) queue.CallCallback {
	duration := 5 + rand.Intn(55)

	return queue.CallCallback{
		CallID:        req.CallID,
		CampaignID:    req.CampaignID,
		LeadID:        req.LeadID,
		PhoneNumber:   req.PhoneNumber,
		Status:        string(pickOutcome()),
		Attempt:       req.Attempt,
		MaxAttempts:   req.MaxAttempts,
		RetryInterval: req.RetryInterval,
		Duration:      duration,
		Timestamp:     time.Now().In(domain.OperatingZone).Format(time.RFC3339),
	}
}

func pickOutcome() domain.CallOutcome {
	switch n := rand.Intn(100); {
	case n < 70:
		return domain.CallOutcomeSuccess
	case n < 80:
		return domain.CallOutcomeNoAnswer
	case n < 90:
		return domain.CallOutcomeBusy
	default:
		return domain.CallOutcomeFailed
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
