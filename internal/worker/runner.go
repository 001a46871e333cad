package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strconv"
	"time"

	"shout-server/internal/config"
	"shout-server/internal/models"
	"shout-server/internal/queue"
	"shout-server/internal/telemetry"
)

// Source is the transport side the runner consumes from.
type Source interface {
	Receive(ctx context.Context) (queue.Message, error)
	Ack(ctx context.Context, id string) error
}

// StatusReporter posts status events back to the API.
type StatusReporter interface {
	Report(ctx context.Context, postURL, token string, status models.Status, result string) error
}

// Runner drives the worker loop: receive a shout job, report progress over
// the callback, retry transient failures with backoff, ack.
type Runner struct {
	source      Source
	reporter    StatusReporter
	shout       func(ctx context.Context, text string) (string, error)
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a runner from config.
func NewRunner(cfg config.Config, source Source, reporter StatusReporter) *Runner {
	return &Runner{
		source:      source,
		reporter:    reporter,
		shout:       Shouter{}.Shout,
		maxAttempts: cfg.WorkerAttempts,
		backoffMin:  cfg.RetryBackoffMin,
		backoffMax:  cfg.RetryBackoffMax,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Run consumes messages until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := r.source.Receive(ctx)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("receive: %v", err)
			if err := r.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		r.Handle(ctx, msg)
		if err := r.source.Ack(ctx, msg.ID); err != nil {
			log.Printf("ack %s: %v", msg.ID, err)
		}
	}
}

// Handle processes one dispatched shout. Every outcome ends in a status
// report so the polling client always unblocks: success, or fatal after the
// deadline or the attempt budget, with interim error events in between.
func (r *Runner) Handle(ctx context.Context, msg queue.Message) {
	postURL := msg.Attrs["postStatusUrl"]
	token := msg.Attrs["postStatusToken"]
	if postURL == "" || token == "" {
		log.Printf("drop message %s: missing callback attributes", msg.ID)
		return
	}
	deadline := parseDeadline(msg.Attrs["deadline"])

	if !deadline.IsZero() && r.now().After(deadline) {
		r.report(ctx, postURL, token, models.StatusFatal, "deadline exceeded")
		telemetry.WorkerFatals.Inc()
		return
	}

	r.report(ctx, postURL, token, models.StatusShouting, "")

	for attempt := 1; ; attempt++ {
		result, err := r.shout(ctx, string(msg.Payload))
		if err == nil {
			r.report(ctx, postURL, token, models.StatusSuccess, result)
			telemetry.WorkerShouts.Inc()
			return
		}
		if IsFatal(err) {
			r.report(ctx, postURL, token, models.StatusFatal, err.Error())
			telemetry.WorkerFatals.Inc()
			return
		}

		telemetry.WorkerFailures.Inc()
		if attempt >= r.maxAttempts {
			r.report(ctx, postURL, token, models.StatusFatal,
				fmt.Sprintf("giving up after %d attempts: %v", attempt, err))
			telemetry.WorkerFatals.Inc()
			return
		}
		if !deadline.IsZero() && r.now().After(deadline) {
			r.report(ctx, postURL, token, models.StatusFatal, "deadline exceeded")
			telemetry.WorkerFatals.Inc()
			return
		}
		// Interim news for the polling client, then retry.
		r.report(ctx, postURL, token, models.StatusError, err.Error())
		if err := r.sleep(ctx, backoffWithJitter(r.backoffMin, r.backoffMax, attempt)); err != nil {
			return
		}
	}
}

func (r *Runner) report(ctx context.Context, postURL, token string, status models.Status, result string) {
	if err := r.reporter.Report(ctx, postURL, token, status, result); err != nil {
		log.Printf("report %s: %v", status, err)
	}
}

func parseDeadline(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
