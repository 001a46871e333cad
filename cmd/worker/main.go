package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"shout-server/internal/config"
	"shout-server/internal/queue"
	"shout-server/internal/telemetry"
	"shout-server/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Consumer name must be unique per process within the group.
	consumer := os.Getenv("WORKER_ID")
	if consumer == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		consumer = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}

	sub := queue.NewSubscriber(cfg, consumer)
	if err := sub.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure consumer group: %v", err)
	}

	runner := worker.NewRunner(cfg, sub, worker.NewReporter())

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s consuming %s (group %s)", consumer, cfg.Topic, cfg.ConsumerGroup)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
