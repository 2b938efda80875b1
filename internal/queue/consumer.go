package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hollowmesh/ghostship/internal/audit"
	"github.com/hollowmesh/ghostship/internal/otel"
	"github.com/hollowmesh/ghostship/internal/persistence"
	"github.com/hollowmesh/ghostship/internal/provider"
	"github.com/hollowmesh/ghostship/internal/shared"
)

// replyHeatDelta is added to a thread's heat for each persisted reply.
const replyHeatDelta = 1.0

// maxRetryDelay caps the exponential reschedule backoff.
const maxRetryDelay = 15 * time.Minute

// Generator produces text for a prompt. Satisfied by provider.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (provider.Result, error)
}

// Config holds consumer settings.
type Config struct {
	// MaxTokens per generation request. Default 512.
	MaxTokens int

	// RetryDelay is the base reschedule delay, doubled per attempt. Default 60s.
	RetryDelay time.Duration

	// DuplicateThreshold is the token-overlap ratio at which a generated
	// reply is rejected. Values outside (0, 1] disable the check.
	DuplicateThreshold float64
}

// Summary reports the outcome counts of one drain pass.
type Summary struct {
	Completed   int `json:"completed"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
}

// Total is the number of tasks touched in the pass.
func (s Summary) Total() int {
	return s.Completed + s.Skipped + s.Failed + s.Rescheduled
}

// Consumer drains the generation queue: it claims pending tasks, runs
// guardrails, calls the provider, and persists the resulting content.
type Consumer struct {
	store     *persistence.Store
	generator Generator
	cfg       Config
	logger    *slog.Logger
	metrics   *otel.Metrics // may be nil
	now       func() time.Time
}

// New builds a consumer. metrics may be nil.
func New(store *persistence.Store, generator Generator, cfg Config, logger *slog.Logger, metrics *otel.Metrics) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	return &Consumer{
		store:     store,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Process drains up to limit due tasks and returns the outcome counts. The
// pass stops early when the queue is empty or the context is cancelled. A
// store error aborts the pass; the partial summary is still returned.
func (c *Consumer) Process(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 25
	}
	var summary Summary
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		task, err := c.store.ClaimNextPendingTask(ctx)
		if err != nil {
			return summary, fmt.Errorf("claim task: %w", err)
		}
		if task == nil {
			break
		}
		taskCtx := shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), task.ID)
		start := c.now()
		outcome, err := c.processOne(taskCtx, task)
		if err != nil {
			return summary, err
		}
		c.record(taskCtx, task, outcome, c.now().Sub(start))
		switch outcome {
		case outcomeCompleted:
			summary.Completed++
		case outcomeSkipped:
			summary.Skipped++
		case outcomeFailed:
			summary.Failed++
		case outcomeRescheduled:
			summary.Rescheduled++
		}
	}
	return summary, nil
}

type outcome string

const (
	outcomeCompleted   outcome = "completed"
	outcomeSkipped     outcome = "skipped"
	outcomeFailed      outcome = "failed"
	outcomeRescheduled outcome = "rescheduled"
)

// processOne runs one claimed task to a terminal or rescheduled state. The
// returned error covers only store failures; content problems resolve into
// task outcomes.
func (c *Consumer) processOne(ctx context.Context, task *persistence.GenerationTask) (outcome, error) {
	payload, err := ParsePayload(task.Kind, task.Payload)
	if err != nil {
		return outcomeFailed, c.store.FailTask(ctx, task.ID, err.Error())
	}

	author, reason, err := c.checkGuardrails(ctx, task.Kind, payload)
	if err != nil {
		return "", err
	}
	if reason != "" {
		audit.Record("deny", "guardrail", reason, task.CreatedTick, task.ID)
		return outcomeSkipped, c.store.SkipTask(ctx, task.ID, reason)
	}

	prompt, err := c.buildPrompt(ctx, task, payload, author)
	if err != nil {
		return outcomeFailed, c.store.FailTask(ctx, task.ID, err.Error())
	}

	res, err := c.generator.Generate(ctx, prompt, c.cfg.MaxTokens)
	if err != nil {
		// Usage-store failure. The claim survives as a bounded retry.
		return c.retryOrFail(ctx, task, "generate: "+err.Error())
	}
	if res.Transient() {
		return c.retryOrFail(ctx, task, "provider fallback: "+res.Reason)
	}

	text := res.Text
	if !res.Fallback {
		text = CanonicalizeMentions(text, func(handle string) (string, bool) {
			agent, lookupErr := c.store.AgentByName(ctx, handle)
			if lookupErr != nil || agent == nil {
				return "", false
			}
			return agent.Name, true
		})
		if task.Kind == KindReply {
			dup, dupErr := c.isDuplicateReply(ctx, payload.ThreadID, text)
			if dupErr != nil {
				return "", dupErr
			}
			// At the last attempt the duplicate is accepted rather than
			// burning the content.
			if dup && task.AttemptCount+1 < task.MaxAttempts {
				return c.retryOrFail(ctx, task, "duplicate content")
			}
		}
	}

	if err := c.persistContent(ctx, task, payload, text, res.Fallback); err != nil {
		return "", err
	}
	return outcomeCompleted, c.store.CompleteTask(ctx, task.ID)
}

// checkGuardrails resolves the acting agent and vets the task against agent
// standing and target state. A non-empty reason means skip.
func (c *Consumer) checkGuardrails(ctx context.Context, kind string, p Payload) (*persistence.Agent, string, error) {
	actorID := p.AuthorID
	if kind == KindDM {
		actorID = p.SenderID
	}
	actor, err := c.store.AgentByID(ctx, actorID)
	if err != nil {
		return nil, "", fmt.Errorf("load author: %w", err)
	}
	if actor == nil {
		return nil, "author not found", nil
	}
	if actor.IsOrganic {
		return nil, "author is organic", nil
	}
	switch actor.Status {
	case persistence.AgentStatusBanned:
		return nil, "author banned", nil
	case persistence.AgentStatusRestricted:
		return nil, "author restricted", nil
	}

	switch kind {
	case KindThreadStart, KindReply:
		thread, err := c.store.ThreadByID(ctx, p.ThreadID)
		if err != nil {
			return nil, "", fmt.Errorf("load thread: %w", err)
		}
		if thread == nil || thread.Deleted {
			return nil, "thread deleted", nil
		}
		if thread.Locked && kind == KindReply {
			return nil, "thread locked", nil
		}
	case KindDM:
		recipient, err := c.store.AgentByID(ctx, p.RecipientID)
		if err != nil {
			return nil, "", fmt.Errorf("load recipient: %w", err)
		}
		if recipient == nil || recipient.Status == persistence.AgentStatusBanned {
			return nil, "recipient unavailable", nil
		}
	}
	return actor, "", nil
}

func (c *Consumer) isDuplicateReply(ctx context.Context, threadID, text string) (bool, error) {
	posts, err := c.store.RecentPostsInThread(ctx, threadID, promptRecentReplies)
	if err != nil {
		return false, fmt.Errorf("load recent posts: %w", err)
	}
	priors := make([]string, 0, len(posts))
	for _, post := range posts {
		priors = append(priors, post.Body)
	}
	return isDuplicate(text, priors, c.cfg.DuplicateThreshold), nil
}

// persistContent writes the generated text to its destination. Thread
// openers update their placeholder post in place; replies and messages
// insert new rows. Fallback text keeps the placeholder flag so a later pass
// can regenerate it.
func (c *Consumer) persistContent(ctx context.Context, task *persistence.GenerationTask, p Payload, text string, fallback bool) error {
	switch task.Kind {
	case KindThreadStart:
		if err := c.store.UpdatePostBody(ctx, p.PostID, text, fallback); err != nil {
			return fmt.Errorf("update opener: %w", err)
		}
	case KindReply:
		if _, err := c.store.CreatePost(ctx, p.ThreadID, p.AuthorID, text, fallback, task.CreatedTick); err != nil {
			return fmt.Errorf("create reply: %w", err)
		}
		if err := c.store.BumpThreadHeat(ctx, p.ThreadID, replyHeatDelta); err != nil {
			return fmt.Errorf("bump heat: %w", err)
		}
	case KindDM:
		if _, err := c.store.CreateMessage(ctx, p.SenderID, p.RecipientID, text, fallback, task.CreatedTick); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
	return nil
}

// retryOrFail reschedules the task with exponential backoff, or fails it
// when the attempt budget is spent.
func (c *Consumer) retryOrFail(ctx context.Context, task *persistence.GenerationTask, lastError string) (outcome, error) {
	nextAttempt := task.AttemptCount + 1
	if nextAttempt >= task.MaxAttempts {
		return outcomeFailed, c.store.FailTask(ctx, task.ID, "retries exhausted: "+lastError)
	}
	notBefore := c.now().Add(c.backoffDelay(nextAttempt))
	return outcomeRescheduled, c.store.RescheduleTask(ctx, task.ID, lastError, notBefore)
}

func (c *Consumer) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (c *Consumer) record(ctx context.Context, task *persistence.GenerationTask, out outcome, took time.Duration) {
	c.logger.Info("task processed",
		"trace_id", shared.TraceID(ctx),
		"task_id", shared.TaskID(ctx),
		"kind", task.Kind,
		"outcome", string(out),
		"attempt", task.AttemptCount,
		"duration_ms", took.Milliseconds(),
	)
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", task.Kind),
		attribute.String("outcome", string(out)),
	)
	c.metrics.TasksProcessed.Add(ctx, 1, attrs)
	c.metrics.TaskDuration.Record(ctx, took.Seconds(), attrs)
}
