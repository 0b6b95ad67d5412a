package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/model"
)

// SweeperConfig sets the periods of the background jobs.
type SweeperConfig struct {
	SweepEvery  time.Duration
	DrainEvery  time.Duration
	OutboxBatch int

	// PollMethods lists the payment methods whose pending payments are
	// looked up at the gateway every PollEvery.
	PollMethods []model.PaymentMethod
	PollEvery   time.Duration
	PollMinAge  time.Duration
	PollMaxAge  time.Duration
	PollBatch   int
}

type sweepJob struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) (int, error)
}

// Sweeper runs the periodic maintenance jobs: expiring unpaid bookings,
// marking lapsed seat locks, draining the outbox and looking up pending
// payments.  Each job runs as a singleton; a slow run delays the next one
// instead of overlapping it.
type Sweeper struct {
	scheduler gocron.Scheduler
	logger    logrus.FieldLogger
}

// NewSweeper schedules the jobs.  outbox may be nil when no broker is
// configured and payments may be nil to skip the status lookups.
func NewSweeper(bookings *BookingOrchestrator, locks *SeatLockManager, outbox *OutboxPublisher, payments *PaymentReconciler, cfg SweeperConfig, logger logrus.FieldLogger) (*Sweeper, error) {
	logger = orDiscard(logger)
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	if cfg.DrainEvery <= 0 {
		cfg.DrainEvery = 5 * time.Second
	}
	if cfg.OutboxBatch <= 0 {
		cfg.OutboxBatch = 100
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Minute
	}
	if cfg.PollMaxAge <= 0 {
		cfg.PollMaxAge = 24 * time.Hour
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 50
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	w := &Sweeper{scheduler: s, logger: logger}

	jobs := []sweepJob{
		{"expire-bookings", cfg.SweepEvery, bookings.SweepExpired},
		{"expire-seat-locks", cfg.SweepEvery, func(ctx context.Context) (int, error) {
			n, err := locks.SweepExpired(ctx)
			return int(n), err
		}},
	}
	if outbox != nil {
		jobs = append(jobs, sweepJob{"drain-outbox", cfg.DrainEvery, func(ctx context.Context) (int, error) {
			return outbox.Drain(ctx, cfg.OutboxBatch)
		}})
	}
	if payments != nil {
		for _, m := range cfg.PollMethods {
			q := PollQuery{Method: m, MinAge: cfg.PollMinAge, MaxAge: cfg.PollMaxAge, Limit: cfg.PollBatch}
			jobs = append(jobs, sweepJob{"poll-" + strings.ToLower(string(m)), cfg.PollEvery, func(ctx context.Context) (int, error) {
				return payments.PollPending(ctx, q)
			}})
		}
	}

	for _, j := range jobs {
		j := j
		_, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(func() { w.run(j.name, j.every, j.run) }),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, err
		}
	}
	return w, nil
}

func (w *Sweeper) run(name string, timeout time.Duration, fn func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := fn(ctx)
	if err != nil {
		w.logger.WithFields(logrus.Fields{"job": name, "error": err.Error()}).Error("background job failed")
		return
	}
	if n > 0 {
		w.logger.WithFields(logrus.Fields{"job": name, "count": n}).Info("background job done")
	}
}

// Start begins running the jobs.
func (w *Sweeper) Start() { w.scheduler.Start() }

// Shutdown stops the jobs and waits for running ones to finish.
func (w *Sweeper) Shutdown() error { return w.scheduler.Shutdown() }
