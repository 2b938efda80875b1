package tick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hollowmesh/ghostship/internal/config"
	"github.com/hollowmesh/ghostship/internal/otel"
	"github.com/hollowmesh/ghostship/internal/persistence"
	"github.com/hollowmesh/ghostship/internal/queue"
	"github.com/hollowmesh/ghostship/internal/shared"
	"github.com/hollowmesh/ghostship/internal/sim"
)

const (
	// openerBody is the placeholder text a thread opener carries until the
	// consumer generates the real post.
	openerBody = "(awaiting transmission)"

	// maxAgentsPerTick bounds how many allocated registrations materialize
	// as agent rows in a single tick.
	maxAgentsPerTick = 25

	// maxTasksPerTick bounds the generation tasks one tick may enqueue.
	maxTasksPerTick = 60

	recentThreadWindow = 25
	agentPoolLimit     = 200
	handleRetries      = 5
)

var reportDetails = []string{
	"spam suspected",
	"flamebait",
	"off-topic dump",
	"impersonation claim",
}

var moderationDetails = []string{
	"cooldown issued",
	"thread flagged for review",
	"sticky removed",
	"warning logged",
}

// Options controls a single tick run.
type Options struct {
	// Seed overrides the time-derived seed. Same seed, same tick.
	Seed *int64

	// Origin labels who fired the tick. Default "manual".
	Origin string
}

// Runner executes the allocation pipeline and persists the result as one
// atomic tick.
type Runner struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics // may be nil
	now     func() time.Time

	mu  sync.RWMutex
	cfg config.SimConfig
}

// New builds a runner. metrics may be nil.
func New(store *persistence.Store, cfg config.SimConfig, logger *slog.Logger, metrics *otel.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func tuningFromConfig(cfg config.SimConfig) sim.Tuning {
	t := sim.DefaultTuning()
	if cfg.Capacity > 0 {
		t.Capacity = cfg.Capacity
	}
	if cfg.GrowthRate > 0 {
		t.GrowthRate = cfg.GrowthRate
	}
	if cfg.DiceCount > 0 {
		t.DiceCount = cfg.DiceCount
	}
	if cfg.ExplosionCap > 0 {
		t.ExplosionCap = cfg.ExplosionCap
	}
	if cfg.CalmWeight > 0 || cfg.OmenWeight > 0 || cfg.SeanceWeight > 0 {
		t.CalmWeight = cfg.CalmWeight
		t.OmenWeight = cfg.OmenWeight
		t.SeanceWeight = cfg.SeanceWeight
	}
	t.ActionWeights = cfg.ActionWeights
	return t
}

// UpdateTuning swaps the simulation tuning for subsequent runs. A run
// already in flight keeps the tuning it started with.
func (r *Runner) UpdateTuning(cfg config.SimConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info("tick tuning updated")
}

// Run executes one tick: draw energy, draw a card, allocate actions,
// materialize rows and tasks, and persist the whole draft atomically. The
// seed defaults to the current time in milliseconds; pass Options.Seed to
// replay a tick.
func (r *Runner) Run(ctx context.Context, opts Options) (*persistence.TickRecord, error) {
	ctx, span := otelapi.Tracer(otel.TracerName).Start(ctx, "tick.run")
	defer span.End()

	start := r.now()
	seed := start.UnixMilli()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	origin := opts.Origin
	if origin == "" {
		origin = "manual"
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	omenStreak, seanceStreak, err := r.store.SpecialStreaks(ctx)
	if err != nil {
		return nil, fmt.Errorf("special streaks: %w", err)
	}
	agentCount, err := r.store.ActiveAgentCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent count: %w", err)
	}
	threadCount, avgHeat, err := r.store.RecentThreadMetrics(ctx, recentThreadWindow)
	if err != nil {
		return nil, fmt.Errorf("thread metrics: %w", err)
	}

	stream := sim.NewStream(seed)
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()
	tuning := tuningFromConfig(cfg)
	simCtx := sim.Context{
		AgentCount:    agentCount,
		ActiveThreads: threadCount,
		AvgHeat:       avgHeat,
		OmenStreak:    omenStreak,
		SeanceStreak:  seanceStreak,
	}

	profile := sim.BuildEnergyProfile(stream, start, tuning.DiceCount, tuning.ExplosionCap)
	specials := sim.DrawCard(stream, profile.EnergyPrime, simCtx, tuning)
	adjusted := sim.ApplyEnergyFactor(profile.EnergyPrime, specials)
	alloc := sim.Allocate(adjusted, simCtx, stream, specials, tuning)

	trace := []persistence.TraceEntry{
		{
			Stage:  "energy",
			Inputs: map[string]any{"dice": tuning.DiceCount, "explosion_cap": tuning.ExplosionCap, "rolls": sim.DescribeRolls(profile.Rolls)},
			Output: profile,
		},
		{
			Stage:  "card",
			Inputs: map[string]any{"omen_streak": omenStreak, "seance_streak": seanceStreak, "energy_prime": profile.EnergyPrime},
			Output: specials,
		},
		{
			Stage:  "energy_adjust",
			Inputs: map[string]any{"factor_card": specials.Card},
			Output: adjusted,
		},
		{
			Stage:  "allocate",
			Inputs: map[string]any{"agents": agentCount, "active_threads": threadCount, "avg_heat": avgHeat},
			Output: alloc,
		},
	}

	draft := &persistence.TickDraft{
		Seed:        seed,
		Origin:      origin,
		Energy:      profile.Energy,
		EnergyPrime: adjusted,
		Rolls:       profile.Rolls,
		Card:        specials.Card,
		Omen:        specials.Omen,
		Seance:      specials.Seance,
		Specials:    specials,
		Allocation:  alloc,
	}

	materializeNote, err := r.materialize(ctx, stream, alloc, draft)
	if err != nil {
		return nil, err
	}
	trace = append(trace, persistence.TraceEntry{
		Stage: "materialize",
		Output: map[string]any{
			"agents":  len(draft.Agents),
			"threads": len(draft.Threads),
			"tasks":   len(draft.Tasks),
			"reports": len(draft.Reports),
			"note":    materializeNote,
		},
	})
	draft.Trace = trace

	record, err := r.store.ApplyTick(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("apply tick: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("tick.number", record.TickNumber),
		attribute.String("tick.card", record.Card),
	)

	took := r.now().Sub(start)
	r.logger.Info("tick applied",
		"tick", record.TickNumber,
		"seed", seed,
		"origin", origin,
		"card", record.Card,
		"energy", record.Energy,
		"energy_prime", record.EnergyPrime,
		"tasks", len(draft.Tasks),
		"duration_ms", took.Milliseconds(),
	)
	if r.metrics != nil {
		r.metrics.TickDuration.Record(ctx, took.Seconds(),
			metric.WithAttributes(attribute.String("card", record.Card)))
		r.metrics.TasksEnqueued.Add(ctx, int64(len(draft.Tasks)))
	}
	return record, nil
}

type participant struct {
	id   string
	name string
}

// materialize turns the allocation into concrete rows: new agents, threads
// with placeholder openers, generation tasks, and moderation rows. Counts
// beyond the per-tick caps stay in the allocation record but do not
// materialize.
func (r *Runner) materialize(ctx context.Context, stream *sim.Stream, alloc sim.Allocation, draft *persistence.TickDraft) (string, error) {
	drafted := make(map[string]struct{})
	for i := 0; i < alloc.Registrations && i < maxAgentsPerTick; i++ {
		name, err := r.freshHandle(ctx, stream, drafted)
		if err != nil {
			return "", err
		}
		if name == "" {
			continue
		}
		drafted[name] = struct{}{}
		draft.Agents = append(draft.Agents, persistence.NewAgent{
			ID:      uuid.NewString(),
			Name:    name,
			Persona: personaFor(stream),
		})
	}

	existing, err := r.store.ListGenerationAuthors(ctx, agentPoolLimit)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	pool := make([]participant, 0, len(existing)+len(draft.Agents))
	for _, a := range existing {
		pool = append(pool, participant{id: a.ID, name: a.Name})
	}
	for _, a := range draft.Agents {
		pool = append(pool, participant{id: a.ID, name: a.Name})
	}

	if len(pool) == 0 {
		return "no authors available; content generation deferred", nil
	}

	budget := maxTasksPerTick
	pick := func() participant { return pool[stream.Choice(len(pool))] }

	for i := 0; i < alloc.Threads && budget > 0; i++ {
		author := pick()
		threadID := uuid.NewString()
		postID := uuid.NewString()
		title := titleFor(stream)
		draft.Threads = append(draft.Threads, persistence.NewThread{
			ID: threadID, Title: title, AuthorID: author.id,
		})
		draft.Posts = append(draft.Posts, persistence.PlaceholderPost{
			ID: postID, ThreadID: threadID, AuthorID: author.id, Body: openerBody,
		})
		if err := appendTask(draft, queue.KindThreadStart, queue.Payload{
			ThreadID: threadID, AuthorID: author.id, PostID: postID, Title: title,
		}, true); err != nil {
			return "", err
		}
		budget--
	}

	openThreads, err := r.store.ListRecentThreads(ctx, recentThreadWindow)
	if err != nil {
		return "", fmt.Errorf("list threads: %w", err)
	}
	threadIDs := make([]string, 0, len(openThreads)+len(draft.Threads))
	for _, th := range openThreads {
		threadIDs = append(threadIDs, th.ID)
	}
	for _, th := range draft.Threads {
		threadIDs = append(threadIDs, th.ID)
	}

	if len(threadIDs) > 0 {
		for i := 0; i < alloc.Replies && budget > 0; i++ {
			author := pick()
			threadID := threadIDs[stream.Choice(len(threadIDs))]
			if err := appendTask(draft, queue.KindReply, queue.Payload{
				ThreadID: threadID, AuthorID: author.id,
			}, false); err != nil {
				return "", err
			}
			budget--
		}
	}

	if len(pool) >= 2 {
		for i := 0; i < alloc.DMs && budget > 0; i++ {
			si := stream.Choice(len(pool))
			ri := stream.Choice(len(pool))
			if ri == si {
				ri = (ri + 1) % len(pool)
			}
			if err := appendTask(draft, queue.KindDM, queue.Payload{
				SenderID: pool[si].id, RecipientID: pool[ri].id,
			}, false); err != nil {
				return "", err
			}
			budget--
		}
	}

	for i := 0; i < alloc.Reports; i++ {
		subject := pick().id
		if len(threadIDs) > 0 && stream.Float64() < 0.5 {
			subject = threadIDs[stream.Choice(len(threadIDs))]
		}
		draft.Reports = append(draft.Reports, persistence.NewReport{
			ID: uuid.NewString(), Kind: "report", Subject: subject,
			Details: reportDetails[stream.Choice(len(reportDetails))],
		})
	}
	for i := 0; i < alloc.Moderation; i++ {
		subject := pick().id
		if len(threadIDs) > 0 && stream.Float64() < 0.5 {
			subject = threadIDs[stream.Choice(len(threadIDs))]
		}
		draft.Reports = append(draft.Reports, persistence.NewReport{
			ID: uuid.NewString(), Kind: "moderation", Subject: subject,
			Details: moderationDetails[stream.Choice(len(moderationDetails))],
		})
	}

	if budget == 0 {
		return "task budget exhausted; surplus actions recorded in allocation only", nil
	}
	return "", nil
}

// freshHandle draws handles until one is unused, bounded by handleRetries.
// Returns "" when every candidate collided.
func (r *Runner) freshHandle(ctx context.Context, stream *sim.Stream, drafted map[string]struct{}) (string, error) {
	for i := 0; i < handleRetries; i++ {
		name := handleFor(stream)
		if _, taken := drafted[name]; taken {
			continue
		}
		existing, err := r.store.AgentByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check handle: %w", err)
		}
		if existing == nil {
			return name, nil
		}
	}
	return "", nil
}

func appendTask(draft *persistence.TickDraft, kind string, p queue.Payload, isPlaceholder bool) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	draft.Tasks = append(draft.Tasks, persistence.NewTask{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       string(raw),
		IsPlaceholder: isPlaceholder,
	})
	return nil
}
