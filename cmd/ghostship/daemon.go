package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hollowmesh/ghostship/internal/config"
	"github.com/hollowmesh/ghostship/internal/cron"
)

func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ghostship daemon")
		return 2
	}

	rt, err := setupRuntime(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close(ctx)

	sched, err := cron.NewScheduler(cron.Config{
		Runner:        rt.runner,
		Consumer:      rt.consumer,
		Logger:        rt.logger,
		Events:        rt.events,
		TickCron:      rt.cfg.Scheduler.TickCron,
		DrainInterval: time.Duration(rt.cfg.Scheduler.DrainIntervalSeconds) * time.Second,
		Jitter:        time.Duration(rt.cfg.Scheduler.JitterSeconds) * time.Second,
		BatchLimit:    rt.cfg.Queue.BatchLimit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		return 1
	}

	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.logger)
	if err := watcher.Start(ctx); err != nil {
		rt.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					rt.logger.Warn("config reload failed; keeping current tuning", "error", err)
					continue
				}
				// Only the simulation tuning is hot-swappable; provider and
				// scheduler settings take effect on daemon restart.
				rt.runner.UpdateTuning(fresh.Sim)
				rt.logger.Info("tuning reloaded from disk", "config", fresh.Fingerprint())
			}
		}()
	}

	sched.Start(ctx)
	rt.logger.Info("daemon running",
		"tick_cron", rt.cfg.Scheduler.TickCron,
		"drain_interval_s", rt.cfg.Scheduler.DrainIntervalSeconds,
		"config", rt.cfg.Fingerprint(),
	)
	<-ctx.Done()
	sched.Stop()
	return 0
}
