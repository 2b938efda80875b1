package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDraft(seed int64) *TickDraft {
	return &TickDraft{
		Seed:        seed,
		Origin:      "test",
		Energy:      7,
		EnergyPrime: 9,
		Rolls:       []int{6, 1},
		Card:        "calm-drift",
	}
}

func TestOpenReopensWithSameSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store.Close()
}

func TestApplyTickNumbersAreGapless(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		rec, err := store.ApplyTick(ctx, testDraft(i))
		if err != nil {
			t.Fatalf("apply tick %d: %v", i, err)
		}
		if rec.TickNumber != i {
			t.Fatalf("tick %d got number %d", i, rec.TickNumber)
		}
	}

	last, err := store.LastTick(ctx)
	if err != nil {
		t.Fatalf("last tick: %v", err)
	}
	if last == nil || last.TickNumber != 5 {
		t.Fatalf("expected last tick 5, got %+v", last)
	}
}

func TestApplyTickIsAtomic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A task referencing kinds outside the CHECK constraint aborts the
	// whole draft.
	draft := testDraft(1)
	draft.Tasks = []NewTask{{ID: "t1", Kind: "bogus", Payload: "{}"}}
	if _, err := store.ApplyTick(ctx, draft); err == nil {
		t.Fatal("expected constraint error")
	}

	last, err := store.LastTick(ctx)
	if err != nil {
		t.Fatalf("last tick: %v", err)
	}
	if last != nil {
		t.Fatalf("partial tick persisted: %+v", last)
	}
	depth, err := store.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("partial task persisted, depth %d", depth)
	}
}

func TestApplyTickMaterializesDraft(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	authorID, err := store.CreateAgent(ctx, "seed-author", "", AgentStatusActive, false)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"thread_id": "th1", "author_id": authorID, "post_id": "p1"})
	draft := testDraft(42)
	draft.Agents = []NewAgent{{ID: "a1", Name: "drifter-7"}}
	draft.Threads = []NewThread{{ID: "th1", Title: "signal check", AuthorID: authorID}}
	draft.Posts = []PlaceholderPost{{ID: "p1", ThreadID: "th1", AuthorID: authorID, Body: "..."}}
	draft.Tasks = []NewTask{{ID: "t1", Kind: TaskKindThreadStart, Payload: string(payload), IsPlaceholder: true}}
	draft.Reports = []NewReport{{ID: "r1", Kind: "report", Subject: "spam"}}

	rec, err := store.ApplyTick(ctx, draft)
	if err != nil {
		t.Fatalf("apply tick: %v", err)
	}
	if rec.TickNumber != 1 {
		t.Fatalf("tick number = %d, want 1", rec.TickNumber)
	}

	agent, err := store.AgentByName(ctx, "Drifter-7")
	if err != nil || agent == nil {
		t.Fatalf("case-insensitive agent lookup failed: %v %v", agent, err)
	}
	thread, err := store.ThreadByID(ctx, "th1")
	if err != nil || thread == nil {
		t.Fatalf("thread lookup failed: %v %v", thread, err)
	}
	post, err := store.GetPost(ctx, "p1")
	if err != nil || post == nil || !post.IsPlaceholder {
		t.Fatalf("placeholder post lookup failed: %+v %v", post, err)
	}
	task, err := store.GetTask(ctx, "t1")
	if err != nil || task == nil || task.Status != TaskStatusPending {
		t.Fatalf("task lookup failed: %+v %v", task, err)
	}
	if task.CreatedTick != 1 {
		t.Fatalf("task created_tick = %d, want 1", task.CreatedTick)
	}
}

func TestClaimNextPendingTaskFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.EnqueueTask(ctx, TaskKindReply, `{"n":1}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// created_at has second resolution, so the secondary id ordering breaks
	// ties; sleep keeps the test independent of uuid ordering.
	time.Sleep(1100 * time.Millisecond)
	if _, err := store.EnqueueTask(ctx, TaskKindReply, `{"n":2}`, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := store.ClaimNextPendingTask(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != first {
		t.Fatalf("claimed %+v, want oldest %s", task, first)
	}
	if task.Status != TaskStatusProcessing {
		t.Fatalf("claimed status %s, want processing", task.Status)
	}
}

func TestClaimRaceSingleWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan *GenerationTask, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := store.ClaimNextPendingTask(ctx)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if task != nil {
				claims <- task
			}
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for range claims {
		won++
	}
	if won != 1 {
		t.Fatalf("%d concurrent claims succeeded, want exactly 1", won)
	}
}

func TestTaskTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, TaskKindDM, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Terminal transitions require a prior claim.
	if err := store.CompleteTask(ctx, id); err == nil {
		t.Fatal("complete without claim should fail")
	}

	task, err := store.ClaimNextPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SkipTask(ctx, id, "banned author"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusSkipped || got.LastError != "banned author" {
		t.Fatalf("skip result %+v", got)
	}

	events, err := store.ListTaskEvents(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []string{"task.enqueued", "task.claimed", "task.skipped"}
	if len(events) != len(want) {
		t.Fatalf("events %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestConfiguredMaxAttemptsOnNewTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SetTaskMaxAttempts(2)

	id, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxAttempts != 2 {
		t.Fatalf("enqueued max_attempts = %d, want 2", got.MaxAttempts)
	}

	draft := testDraft(1)
	draft.Tasks = []NewTask{{ID: "t1", Kind: TaskKindReply, Payload: `{}`}}
	if _, err := store.ApplyTick(ctx, draft); err != nil {
		t.Fatalf("apply tick: %v", err)
	}
	got, err = store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get tick task: %v", err)
	}
	if got.MaxAttempts != 2 {
		t.Fatalf("tick task max_attempts = %d, want 2", got.MaxAttempts)
	}

	// Out-of-range overrides keep the current value.
	store.SetTaskMaxAttempts(0)
	id2, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err = store.GetTask(ctx, id2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxAttempts != 2 {
		t.Fatalf("max_attempts after ignored override = %d, want 2", got.MaxAttempts)
	}
}

func TestStaleProcessingTaskReclaimed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := store.ClaimNextPendingTask(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: %+v %v", task, err)
	}

	// A fresh claim stays with its owner.
	if again, err := store.ClaimNextPendingTask(ctx); err != nil || again != nil {
		t.Fatalf("claimed a task inside its lease: %+v %v", again, err)
	}

	// Backdate the claim past the lease, as if the consumer died mid-task.
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE generation_tasks SET updated_at = datetime(CURRENT_TIMESTAMP, '-1 hour') WHERE id = ?;
	`, id); err != nil {
		t.Fatalf("backdate claim: %v", err)
	}

	reclaimed, err := store.ClaimNextPendingTask(ctx)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != id {
		t.Fatalf("reclaimed %+v, want %s", reclaimed, id)
	}

	events, err := store.ListTaskEvents(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	found := false
	for _, et := range events {
		if et == "task.lease_expired" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no lease_expired event in %v", events)
	}
}

func TestRescheduleRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextPendingTask(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RescheduleTask(ctx, id, "provider-error", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	got, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusPending || got.AttemptCount != 1 {
		t.Fatalf("reschedule result %+v", got)
	}

	// Past not-before means it is immediately claimable again.
	task, err := store.ClaimNextPendingTask(ctx)
	if err != nil || task == nil || task.ID != id {
		t.Fatalf("reclaim failed: %+v %v", task, err)
	}
	if err := store.FailTask(ctx, id, "still broken"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = store.GetTask(ctx, id)
	if got.Status != TaskStatusFailed || got.AttemptCount != 2 {
		t.Fatalf("fail result %+v", got)
	}
}

func TestScheduledNotBeforeGatesClaims(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, TaskKindReply, `{}`, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNextPendingTask(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RescheduleTask(ctx, id, "transient", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	task, err := store.ClaimNextPendingTask(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("claimed a task scheduled in the future: %+v", task)
	}
}

func TestReserveUsageRespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := UsageDay(time.Now())

	for i := 0; i < 3; i++ {
		ok, err := store.ReserveUsage(ctx, day, 3)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("reserve %d rejected below limit", i)
		}
	}
	ok, err := store.ReserveUsage(ctx, day, 3)
	if err != nil {
		t.Fatalf("reserve over limit: %v", err)
	}
	if ok {
		t.Fatal("reservation succeeded past the daily limit")
	}

	counter, err := store.UsageForDay(ctx, day)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if counter.RequestCount != 3 {
		t.Fatalf("request_count = %d, want 3", counter.RequestCount)
	}
}

func TestReserveUsageZeroLimit(t *testing.T) {
	store := openTestStore(t)
	ok, err := store.ReserveUsage(context.Background(), UsageDay(time.Now()), 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("zero limit must reject every reservation")
	}
}

func TestReserveUsageConcurrent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	day := UsageDay(time.Now())
	const limit = 5

	var wg sync.WaitGroup
	granted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveUsage(ctx, day, limit)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	if n != limit {
		t.Fatalf("%d reservations granted, want %d", n, limit)
	}
}

func TestPlaceholderPostUpdateInPlace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	authorID, err := store.CreateAgent(ctx, "echo", "", AgentStatusActive, false)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	draft := testDraft(1)
	draft.Threads = []NewThread{{ID: "th1", Title: "t", AuthorID: authorID}}
	draft.Posts = []PlaceholderPost{{ID: "p1", ThreadID: "th1", AuthorID: authorID, Body: "placeholder"}}
	if _, err := store.ApplyTick(ctx, draft); err != nil {
		t.Fatalf("apply tick: %v", err)
	}

	if err := store.UpdatePostBody(ctx, "p1", "generated text", false); err != nil {
		t.Fatalf("update post: %v", err)
	}
	post, err := store.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if post.IsPlaceholder || post.Body != "generated text" {
		t.Fatalf("post not updated in place: %+v", post)
	}
}

func TestSpecialStreaks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	omenDraft := testDraft(1)
	omenDraft.Omen = true
	omenDraft.Card = "troll-raid"
	if _, err := store.ApplyTick(ctx, omenDraft); err != nil {
		t.Fatalf("apply omen tick: %v", err)
	}
	for i := int64(2); i <= 4; i++ {
		if _, err := store.ApplyTick(ctx, testDraft(i)); err != nil {
			t.Fatalf("apply tick %d: %v", i, err)
		}
	}

	omenStreak, seanceStreak, err := store.SpecialStreaks(ctx)
	if err != nil {
		t.Fatalf("streaks: %v", err)
	}
	if omenStreak != 3 {
		t.Fatalf("omen streak = %d, want 3", omenStreak)
	}
	if seanceStreak != 4 {
		t.Fatalf("seance streak = %d, want 4", seanceStreak)
	}
}
