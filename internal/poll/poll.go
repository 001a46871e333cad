// Package poll turns "wait until the shout's status changes" into a bounded
// sequence of short store reads. A poll never blocks past its wall-clock
// budget; when the budget runs out the caller gets its last-known status
// back and is expected to poll again with a continuation token.
package poll

import (
	"context"
	"time"

	"shout-server/internal/models"
	"shout-server/internal/telemetry"
)

// Log is the slice of the store the poller needs.
type Log interface {
	LatestEvent(ctx context.Context, key string) (models.Event, bool, error)
}

// Result is the outcome of one bounded wait. Exactly one of Result/Err is
// populated for terminal statuses; for non-terminal outcomes the caller
// builds a continuation from Status.
type Result struct {
	Status   models.Status
	Result   string
	Err      string
	Terminal bool
}

// Poller runs the bounded wait. The zero values of Now and Sleep are filled
// in by New; tests override them to run without real time.
type Poller struct {
	Log            Log
	Budget         time.Duration // hard wall-clock cap per wait
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New builds a poller with the given budget and backoff bounds.
func New(log Log, budget, backoffInitial, backoffMax time.Duration) *Poller {
	return &Poller{
		Log:            log,
		Budget:         budget,
		BackoffInitial: backoffInitial,
		BackoffMax:     backoffMax,
		Now:            time.Now,
		Sleep:          sleepCtx,
	}
}

// Wait reads the latest status for key until it sees a terminal event, a
// transition away from last, or the budget expires. Store errors count as
// "no change observed this iteration": the loop retries rather than failing
// a poll whose shout was already accepted.
func (p *Poller) Wait(ctx context.Context, key string, last models.Status) (Result, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	deadline := now().Add(p.Budget)
	backoff := p.BackoffInitial
	status := last

	for {
		ev, found, err := p.Log.LatestEvent(ctx, key)
		if err != nil {
			telemetry.PollStoreErrors.Inc()
		} else if found {
			status = ev.Status
			if status == models.StatusSuccess {
				return Result{Status: status, Result: ev.Result, Terminal: true}, nil
			}
			if status == models.StatusFatal {
				return Result{Status: status, Err: ev.Error, Terminal: true}, nil
			}
			if status != last {
				// Transition observed: hand back interim news instead
				// of burning the rest of the budget.
				return Result{Status: status, Err: ev.Error}, nil
			}
		}

		if !now().Before(deadline) {
			telemetry.PollTimeouts.Inc()
			return Result{Status: status}, nil
		}
		if err := sleep(ctx, backoff); err != nil {
			// Client went away; nothing to compensate, only reads happened.
			return Result{Status: status}, err
		}
		backoff *= 2
		if backoff > p.BackoffMax {
			backoff = p.BackoffMax
		}
	}
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
