package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-call-scheduler/internal/app"
	"github.com/acme/outbound-call-scheduler/internal/scheduler"
	"github.com/acme/outbound-call-scheduler/internal/telemetry"
	"github.com/acme/outbound-call-scheduler/internal/worker/callback"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-scheduler")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// Callbacks drain in-process alongside the scheduler so outcomes keep
	// applying even while every campaign is out of window.
	consumer := callback.New(
		container.Store(),
		publisherOrNil(container),
		container.Clock,
		container.Logger.Named("callback"),
		container.Config.Retry.DefaultInterval(),
	)
	go consumer.Run(ctx)

	svc := scheduler.New(
		container.Config.Scheduler,
		container.Defaults(),
		container.Repo(),
		container.WorkerResources,
		container.Clock,
		container.Logger.Named("scheduler"),
	)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("scheduler terminated: %v", err)
	}
}

// publisherOrNil avoids handing the consumer a typed nil interface when the
// outcome stream is disabled.
func publisherOrNil(container *app.Container) callback.Publisher {
	if p := container.OutcomePublisher(); p != nil {
		return p
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
