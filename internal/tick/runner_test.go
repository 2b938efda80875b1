package tick

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollowmesh/ghostship/internal/config"
	"github.com/hollowmesh/ghostship/internal/persistence"
	"github.com/hollowmesh/ghostship/internal/queue"
)

var fixedMoment = time.Date(2026, 8, 2, 6, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRunner(t *testing.T, store *persistence.Store, cfg config.SimConfig) *Runner {
	t.Helper()
	r := New(store, cfg, nil, nil)
	r.now = func() time.Time { return fixedMoment }
	return r
}

func seedAgent(t *testing.T, store *persistence.Store) {
	t.Helper()
	if _, err := store.CreateAgent(context.Background(), "Trexxak", "keeps the lights on", persistence.AgentStatusActive, false); err != nil {
		t.Fatalf("create agent: %v", err)
	}
}

func seedPtr(v int64) *int64 { return &v }

func TestRunSeedScenario(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store)
	r := newTestRunner(t, store, config.SimConfig{})

	rec, err := r.Run(context.Background(), Options{Seed: seedPtr(42), Origin: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.TickNumber != 1 {
		t.Fatalf("tick number = %d, want 1", rec.TickNumber)
	}
	if rec.Seed != 42 || rec.Origin != "test" {
		t.Fatalf("seed/origin = %d/%s", rec.Seed, rec.Origin)
	}
	if len(rec.Rolls) < 2 {
		t.Fatalf("rolls = %v, want at least one per die", rec.Rolls)
	}
	sum := 0
	for _, roll := range rec.Rolls {
		if roll < 1 || roll > 6 {
			t.Fatalf("roll %d out of d6 range", roll)
		}
		sum += roll
	}
	if rec.Energy != sum {
		t.Fatalf("energy = %d, want roll sum %d", rec.Energy, sum)
	}
	if rec.EnergyPrime < 0 {
		t.Fatalf("energy_prime = %d", rec.EnergyPrime)
	}
	if rec.Card == "" {
		t.Fatal("no card recorded")
	}
	var trace []persistence.TraceEntry
	if err := json.Unmarshal([]byte(rec.TraceJSON), &trace); err != nil {
		t.Fatalf("trace json: %v", err)
	}
	stages := make(map[string]bool)
	for _, entry := range trace {
		stages[entry.Stage] = true
		if entry.Stage != "energy" {
			continue
		}
		// The fixed moment sits at hour 6, the peak of the day modulation,
		// so the modulated energy must not drop below the roll sum.
		raw, err := json.Marshal(entry.Output)
		if err != nil {
			t.Fatalf("energy stage output: %v", err)
		}
		var profile struct {
			Energy      int `json:"energy"`
			EnergyPrime int `json:"energy_prime"`
		}
		if err := json.Unmarshal(raw, &profile); err != nil {
			t.Fatalf("energy stage output: %v", err)
		}
		if profile.EnergyPrime < profile.Energy {
			t.Errorf("energy_prime = %d below base energy %d at the daily peak", profile.EnergyPrime, profile.Energy)
		}
	}
	for _, want := range []string{"energy", "card", "energy_adjust", "allocate", "materialize"} {
		if !stages[want] {
			t.Errorf("trace missing stage %q", want)
		}
	}
}

func TestRunDeterministicForSameSeed(t *testing.T) {
	run := func() *persistence.TickRecord {
		store := openTestStore(t)
		seedAgent(t, store)
		r := newTestRunner(t, store, config.SimConfig{})
		rec, err := r.Run(context.Background(), Options{Seed: seedPtr(42), Origin: "test"})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return rec
	}

	a, b := run(), run()
	if a.Card != b.Card || a.Energy != b.Energy || a.EnergyPrime != b.EnergyPrime {
		t.Fatalf("headline values diverged: %+v vs %+v", a, b)
	}
	if len(a.Rolls) != len(b.Rolls) {
		t.Fatalf("roll counts diverged: %v vs %v", a.Rolls, b.Rolls)
	}
	for i := range a.Rolls {
		if a.Rolls[i] != b.Rolls[i] {
			t.Fatalf("rolls diverged: %v vs %v", a.Rolls, b.Rolls)
		}
	}
	if a.AllocationJSON != b.AllocationJSON {
		t.Fatalf("allocations diverged:\n%s\n%s", a.AllocationJSON, b.AllocationJSON)
	}
}

func TestRunEnqueuesClaimableTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, store)
	// Six dice guarantee enough energy for at least one thread task.
	r := newTestRunner(t, store, config.SimConfig{DiceCount: 6})

	rec, err := r.Run(ctx, Options{Seed: seedPtr(7), Origin: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth == 0 {
		t.Fatalf("no tasks enqueued for tick %d", rec.TickNumber)
	}

	claimed := 0
	for {
		task, err := store.ClaimNextPendingTask(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			break
		}
		claimed++
		if task.CreatedTick != rec.TickNumber {
			t.Errorf("task %s created_tick = %d, want %d", task.ID, task.CreatedTick, rec.TickNumber)
		}
		if _, err := queue.ParsePayload(task.Kind, task.Payload); err != nil {
			t.Errorf("task %s payload invalid: %v", task.ID, err)
		}
	}
	if int64(claimed) != depth {
		t.Fatalf("claimed %d of %d tasks", claimed, depth)
	}
}

func TestRunPoolExcludesOrganicAndRestrictedAgents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, store)
	organicID, err := store.CreateAgent(ctx, "Operator", "posts by hand", persistence.AgentStatusActive, true)
	if err != nil {
		t.Fatalf("create organic agent: %v", err)
	}
	restrictedID, err := store.CreateAgent(ctx, "MutedGull", "on a timeout", persistence.AgentStatusRestricted, false)
	if err != nil {
		t.Fatalf("create restricted agent: %v", err)
	}
	r := newTestRunner(t, store, config.SimConfig{DiceCount: 6})

	if _, err := r.Run(ctx, Options{Seed: seedPtr(7), Origin: "test"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// A task authored by either agent would only ever be skipped by the
	// consumer, leaving its placeholder opener stranded.
	for {
		task, err := store.ClaimNextPendingTask(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			break
		}
		p, err := queue.ParsePayload(task.Kind, task.Payload)
		if err != nil {
			t.Fatalf("task %s payload: %v", task.ID, err)
		}
		for _, id := range []string{p.AuthorID, p.SenderID, p.RecipientID} {
			if id == organicID || id == restrictedID {
				t.Errorf("task %s (%s) involves ineligible agent %s", task.ID, task.Kind, id)
			}
		}
	}
}

func TestUpdateTuningAppliesToNextRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, store)
	r := newTestRunner(t, store, config.SimConfig{})

	if _, err := r.Run(ctx, Options{Seed: seedPtr(42), Origin: "test"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	r.UpdateTuning(config.SimConfig{DiceCount: 6})
	rec, err := r.Run(ctx, Options{Seed: seedPtr(42), Origin: "test"})
	if err != nil {
		t.Fatalf("run after tuning update: %v", err)
	}
	if len(rec.Rolls) < 6 {
		t.Fatalf("rolls = %v, want at least one per configured die", rec.Rolls)
	}
}

func TestRunSequenceIsGapless(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedAgent(t, store)
	r := newTestRunner(t, store, config.SimConfig{})

	for i := int64(1); i <= 3; i++ {
		rec, err := r.Run(ctx, Options{Seed: seedPtr(100 + i), Origin: "test"})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if rec.TickNumber != i {
			t.Fatalf("tick number = %d, want %d", rec.TickNumber, i)
		}
	}

	history, err := store.TickHistory(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
}

func TestRunOnEmptyForumStillTicks(t *testing.T) {
	store := openTestStore(t)
	r := newTestRunner(t, store, config.SimConfig{})

	rec, err := r.Run(context.Background(), Options{Seed: seedPtr(9), Origin: "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.TickNumber != 1 {
		t.Fatalf("tick number = %d, want 1", rec.TickNumber)
	}
}
