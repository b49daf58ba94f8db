package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
)

// Store is the part of the matchmaking store the janitor sweeps.
type Store interface {
	PruneStale(ctx context.Context, cutoff time.Time) (int, error)
	QueueKeys(ctx context.Context) ([]string, error)
	QueueLen(ctx context.Context, key string) (int64, error)
}

// Recorder receives sweep results, e.g. the Prometheus metrics.
type Recorder interface {
	SetQueueDepth(queue string, n int)
	AddPruned(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetQueueDepth(string, int) {}
func (nopRecorder) AddPruned(int)             {}

// Janitor periodically removes queue entries older than StaleAfter and
// entries whose body already expired.
type Janitor struct {
	store      Store
	rec        Recorder
	clock      clockwork.Clock
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.Logger

	sched gocron.Scheduler
}

type Option func(*Janitor)

func WithClock(c clockwork.Clock) Option {
	return func(j *Janitor) {
		if c != nil {
			j.clock = c
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.staleAfter = d
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(j *Janitor) {
		if r != nil {
			j.rec = r
		}
	}
}

func New(store Store, opts ...Option) *Janitor {
	j := &Janitor{
		store:      store,
		rec:        nopRecorder{},
		clock:      clockwork.NewRealClock(),
		interval:   time.Minute,
		staleAfter: 5 * time.Minute,
		log:        obslog.L().Named("janitor"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules the sweep. Overlapping runs are skipped.
func (j *Janitor) Start() error {
	if j.sched != nil {
		return errors.New("janitor already started")
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(j.clock))
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			defer cancel()
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Warn("janitor_sweep_error", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("queue-janitor"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return err
	}
	sched.Start()
	j.sched = sched
	j.log.Info("janitor_started", zap.Duration("interval", j.interval), zap.Duration("stale_after", j.staleAfter))
	return nil
}

// RunOnce sweeps every queue and refreshes the depth gauges.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.clock.Now().Add(-j.staleAfter)
	removed, err := j.store.PruneStale(ctx, cutoff)
	j.rec.AddPruned(removed)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		j.log.Info("janitor_pruned", zap.Int("removed", removed))
	}

	keys, err := j.store.QueueKeys(ctx)
	if err != nil {
		return removed, err
	}
	for _, key := range keys {
		n, err := j.store.QueueLen(ctx, key)
		if err != nil {
			return removed, err
		}
		j.rec.SetQueueDepth(key, int(n))
	}
	return removed, nil
}

func (j *Janitor) Stop() error {
	if j.sched == nil {
		return nil
	}
	err := j.sched.Shutdown()
	j.sched = nil
	return err
}
