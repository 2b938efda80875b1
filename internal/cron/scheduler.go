// Package cron drives the daemon cadence: it fires simulation ticks on a
// cron schedule and drains the generation queue on a fixed interval.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/hollowmesh/ghostship/internal/bus"
	"github.com/hollowmesh/ghostship/internal/persistence"
	"github.com/hollowmesh/ghostship/internal/queue"
	"github.com/hollowmesh/ghostship/internal/tick"
)

// cronParser parses standard 5-field cron expressions plus @every and
// @hourly style descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// TickRunner fires one simulation tick. Satisfied by tick.Runner.
type TickRunner interface {
	Run(ctx context.Context, opts tick.Options) (*persistence.TickRecord, error)
}

// Drainer processes pending generation tasks. Satisfied by queue.Consumer.
type Drainer interface {
	Process(ctx context.Context, limit int) (queue.Summary, error)
}

// Config holds the scheduler dependencies and cadence.
type Config struct {
	Runner   TickRunner
	Consumer Drainer
	Logger   *slog.Logger

	// Events, when set, is watched for operator-facing notifications
	// (provider offline, task failures).
	Events *bus.Bus

	// TickCron fires simulation ticks. Default "@every 5m".
	TickCron string

	// DrainInterval is the queue drain cadence. Default 30s.
	DrainInterval time.Duration

	// Jitter delays each tick by a uniform random amount in [0, Jitter).
	Jitter time.Duration

	// BatchLimit caps tasks per drain pass.
	BatchLimit int
}

// Scheduler runs the tick and drain loops until stopped. Both loops run
// invocations to completion; an overdue fire is never skipped, only late.
type Scheduler struct {
	runner   TickRunner
	consumer Drainer
	logger   *slog.Logger
	events   *bus.Bus

	schedule      cronlib.Schedule
	drainInterval time.Duration
	jitter        time.Duration
	batchLimit    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler, validating the cron expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.TickCron
	if expr == "" {
		expr = "@every 5m"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse tick cron %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	drainInterval := cfg.DrainInterval
	if drainInterval <= 0 {
		drainInterval = 30 * time.Second
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 25
	}
	return &Scheduler{
		runner:        cfg.Runner,
		consumer:      cfg.Consumer,
		logger:        logger,
		events:        cfg.Events,
		schedule:      schedule,
		drainInterval: drainInterval,
		jitter:        cfg.Jitter,
		batchLimit:    batchLimit,
	}, nil
}

// Start launches the tick and drain loops in background goroutines, plus an
// event loop when a bus is configured.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.drainLoop(ctx)
	if s.events != nil {
		s.wg.Add(1)
		go s.eventLoop(ctx)
	}
	s.logger.Info("scheduler started", "drain_interval", s.drainInterval)
}

// Stop cancels both loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.jitter > 0 {
			delay := time.Duration(rand.Int63n(int64(s.jitter)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := s.runner.Run(ctx, tick.Options{Origin: "scheduler"}); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scheduled tick failed", "error", err)
		}
	}
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	// Drain immediately on startup, then on each interval.
	s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// eventLoop surfaces bus events that an operator watching the daemon log
// should see without grepping the audit trail.
func (s *Scheduler) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	sub := s.events.Subscribe("")
	defer s.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.logEvent(ev)
		}
	}
}

func (s *Scheduler) logEvent(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.ProviderOfflineEvent:
		s.logger.Warn("provider offline",
			"reason", payload.Reason,
			"until", time.Unix(payload.UntilUnixSec, 0).UTC().Format(time.RFC3339),
		)
	case bus.TaskOutcomeEvent:
		if ev.Topic == bus.TopicTaskFailed {
			s.logger.Warn("task failed",
				"task_id", payload.TaskID,
				"kind", payload.Kind,
				"error", payload.Reason,
				"attempt", payload.Attempt,
			)
		}
	case bus.TickCompletedEvent:
		s.logger.Debug("tick completed",
			"tick", payload.TickNumber,
			"card", payload.Card,
			"origin", payload.Origin,
		)
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	summary, err := s.consumer.Process(ctx, s.batchLimit)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("queue drain failed", "error", err)
		return
	}
	if summary.Total() > 0 {
		s.logger.Info("queue drained",
			"completed", summary.Completed,
			"skipped", summary.Skipped,
			"failed", summary.Failed,
			"rescheduled", summary.Rescheduled,
		)
	}
}
