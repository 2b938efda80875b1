package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func runDrainCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "max tasks to process (default: queue.batch_limit)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := setupRuntime(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close(ctx)

	batch := *limit
	if batch <= 0 {
		batch = rt.cfg.Queue.BatchLimit
	}
	summary, err := rt.consumer.Process(ctx, batch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drain: %v\n", err)
		return 1
	}
	fmt.Printf("drained %d  completed=%d skipped=%d failed=%d rescheduled=%d\n",
		summary.Total(), summary.Completed, summary.Skipped, summary.Failed, summary.Rescheduled)
	return 0
}
