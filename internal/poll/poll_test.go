package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"shout-server/internal/models"
)

// fakeLog scripts LatestEvent responses; after the script runs out the last
// entry repeats.
type fakeLog struct {
	script []fakeRead
	calls  int
}

type fakeRead struct {
	ev    models.Event
	found bool
	err   error
}

func (f *fakeLog) LatestEvent(_ context.Context, _ string) (models.Event, bool, error) {
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	r := f.script[i]
	return r.ev, r.found, r.err
}

// fakeClock advances virtual time by each sleep instead of blocking.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestPoller(log Log, clock *fakeClock) *Poller {
	p := New(log, 45*time.Second, 100*time.Millisecond, 5*time.Second)
	p.Now = clock.Now
	p.Sleep = clock.Sleep
	return p
}

func TestWaitReturnsTerminalImmediately(t *testing.T) {
	for _, last := range []models.Status{models.StatusNew, models.StatusShouting, models.StatusSuccess} {
		clock := &fakeClock{now: time.Unix(0, 0)}
		log := &fakeLog{script: []fakeRead{
			{ev: models.Event{Status: models.StatusSuccess, Result: "HELLO"}, found: true},
		}}
		res, err := newTestPoller(log, clock).Wait(context.Background(), "k", last)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if !res.Terminal || res.Status != models.StatusSuccess || res.Result != "HELLO" {
			t.Fatalf("expected terminal success, got %+v", res)
		}
		if len(clock.sleeps) != 0 {
			t.Fatalf("terminal result should not sleep, slept %v", clock.sleeps)
		}
	}
}

func TestWaitReturnsFatalWithError(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{
		{ev: models.Event{Status: models.StatusFatal, Error: "invalid input"}, found: true},
	}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusNew)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Terminal || res.Status != models.StatusFatal || res.Err != "invalid input" {
		t.Fatalf("expected terminal fatal, got %+v", res)
	}
}

func TestWaitTimesOutWithUnchangedStatus(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{
		{ev: models.Event{Status: models.StatusShouting}, found: true},
	}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusShouting)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Terminal {
		t.Fatalf("timeout must not be terminal: %+v", res)
	}
	if res.Status != models.StatusShouting {
		t.Fatalf("status should be unchanged, got %s", res.Status)
	}

	var total time.Duration
	for _, d := range clock.sleeps {
		total += d
	}
	if total < 45*time.Second {
		t.Fatalf("expected the full budget to be consumed, slept %s", total)
	}

	// Backoff doubles from 100ms and caps at 5s.
	want := 100 * time.Millisecond
	for i, d := range clock.sleeps {
		if d != want {
			t.Fatalf("sleep %d: got %s want %s", i, d, want)
		}
		want *= 2
		if want > 5*time.Second {
			want = 5 * time.Second
		}
	}
}

func TestWaitReturnsPromptlyOnTransition(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{
		{ev: models.Event{Status: models.StatusNew}, found: true},
		{ev: models.Event{Status: models.StatusNew}, found: true},
		{ev: models.Event{Status: models.StatusShouting}, found: true},
	}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusNew)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Terminal || res.Status != models.StatusShouting {
		t.Fatalf("expected prompt non-terminal shouting, got %+v", res)
	}
	if len(clock.sleeps) != 2 {
		t.Fatalf("expected 2 sleeps before the transition, got %d", len(clock.sleeps))
	}
}

func TestWaitErrorStatusSurfacesInterimMessage(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{
		{ev: models.Event{Status: models.StatusError, Error: "worker hiccup"}, found: true},
	}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusShouting)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Terminal {
		t.Fatalf("error status is not terminal: %+v", res)
	}
	if res.Status != models.StatusError || res.Err != "worker hiccup" {
		t.Fatalf("expected surfaced error, got %+v", res)
	}
}

func TestWaitTreatsStoreErrorsAsNoChange(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{
		{err: errors.New("store unreachable")},
		{err: errors.New("store unreachable")},
		{ev: models.Event{Status: models.StatusSuccess, Result: "OK"}, found: true},
	}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusNew)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Terminal || res.Result != "OK" {
		t.Fatalf("expected recovery to terminal success, got %+v", res)
	}
	if len(clock.sleeps) != 2 {
		t.Fatalf("expected retries through store errors, slept %d times", len(clock.sleeps))
	}
}

func TestWaitNoEventsYetTimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{{}}}
	res, err := newTestPoller(log, clock).Wait(context.Background(), "k", models.StatusNew)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Terminal || res.Status != models.StatusNew {
		t.Fatalf("expected unchanged new after timeout, got %+v", res)
	}
}

func TestWaitAbandonsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := &fakeClock{now: time.Unix(0, 0)}
	log := &fakeLog{script: []fakeRead{{ev: models.Event{Status: models.StatusNew}, found: true}}}
	p := newTestPoller(log, clock)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if _, err := p.Wait(ctx, "k", models.StatusNew); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
