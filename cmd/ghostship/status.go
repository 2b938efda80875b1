package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hollowmesh/ghostship/internal/persistence"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ghostship status")
		return 2
	}

	rt, err := setupRuntime(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close(ctx)

	depth, err := rt.store.QueueDepth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue depth: %v\n", err)
		return 1
	}
	counts, err := rt.store.TaskCountsByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task counts: %v\n", err)
		return 1
	}
	usage, err := rt.store.UsageForDay(ctx, persistence.UsageDay(time.Now()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: %v\n", err)
		return 1
	}
	last, err := rt.store.LastTick(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "last tick: %v\n", err)
		return 1
	}

	fmt.Printf("queue depth: %d\n", depth)
	for _, status := range []persistence.TaskStatus{
		persistence.TaskStatusPending,
		persistence.TaskStatusProcessing,
		persistence.TaskStatusCompleted,
		persistence.TaskStatusSkipped,
		persistence.TaskStatusFailed,
	} {
		fmt.Printf("  %-11s %d\n", status, counts[status])
	}
	fmt.Printf("usage %s: %d/%d requests, %d tokens\n",
		usage.Day, usage.RequestCount, rt.cfg.Provider.DailyLimit, usage.TokenCount)
	if rt.client.Offline() {
		fmt.Println("provider: offline (backoff window active)")
	}
	if last == nil {
		fmt.Println("last tick: none")
	} else {
		fmt.Printf("last tick: %d card=%s energy=%d/%d at %s\n",
			last.TickNumber, last.Card, last.Energy, last.EnergyPrime,
			last.CreatedAt.UTC().Format(time.RFC3339))
	}
	return 0
}
