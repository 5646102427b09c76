package etl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/meridianlabs/clientmart/pkg/runctx"
)

// Runner is what the scheduler triggers. *Pipeline implements it.
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) error
}

type SchedulerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Runner Runner

	// TriggerAt is the daily trigger time as an offset from UTC midnight.
	TriggerAt time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.TriggerAt < 0 || cfg.TriggerAt >= 24*time.Hour {
		return errors.New("trigger offset must be within one day")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TriggerAt == 0 {
		cfg.TriggerAt = 2 * time.Hour
	}
	return nil
}

// Scheduler fires the pipeline once per day at a fixed UTC time. A missed
// trigger is not caught up: if the process was down over the trigger time,
// the next fire is the next day's trigger. Overlap is handled by the
// runner, which rejects a trigger while a run is active.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run blocks firing daily triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: started", "triggerAt", s.cfg.TriggerAt)
	for {
		now := s.cfg.Clock.Now().UTC()
		next := nextTrigger(now, s.cfg.TriggerAt)
		timer := s.cfg.Clock.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}

		fireAt := next
		s.log.Info("scheduler: daily trigger fired", "trigger", fireAt)
		go func() {
			err := s.cfg.Runner.RunOnce(ctx, fireAt)
			switch {
			case errors.Is(err, ErrRunActive):
				s.log.Warn("scheduler: trigger skipped, previous run still active", "trigger", fireAt)
			case err != nil:
				s.log.Error("scheduler: run failed", "trigger", fireAt, "error", err)
			}
		}()
	}
}

// nextTrigger is the first trigger time strictly after now.
func nextTrigger(now time.Time, offset time.Duration) time.Time {
	next := runctx.Midnight(now).Add(offset)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
