package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hollowmesh/ghostship/internal/tick"
)

func runTickCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tick", flag.ContinueOnError)
	seed := fs.Int64("seed", 0, "replay seed (default: time-derived)")
	origin := fs.String("origin", "manual", "origin label recorded on the tick")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	seedSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedSet = true
		}
	})

	rt, err := setupRuntime(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer rt.close(ctx)

	opts := tick.Options{Origin: *origin}
	if seedSet {
		opts.Seed = seed
	}
	rec, err := rt.runner.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tick: %v\n", err)
		return 1
	}

	depth, err := rt.store.QueueDepth(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue depth: %v\n", err)
		return 1
	}
	fmt.Printf("tick %d  seed=%d card=%s energy=%d/%d queue=%d\n",
		rec.TickNumber, rec.Seed, rec.Card, rec.Energy, rec.EnergyPrime, depth)
	return 0
}
