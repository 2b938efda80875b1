package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hollowmesh/ghostship/internal/bus"
)

// GenerationTask is one queued unit of content work.
type GenerationTask struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Status             TaskStatus `json:"status"`
	Payload            string     `json:"payload"`
	AttemptCount       int        `json:"attempt_count"`
	MaxAttempts        int        `json:"max_attempts"`
	LastError          string     `json:"last_error,omitempty"`
	ScheduledNotBefore time.Time  `json:"scheduled_not_before"`
	CreatedTick        int64      `json:"created_tick"`
	IsPlaceholder      bool       `json:"is_placeholder"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

const taskColumns = `id, kind, status, payload, attempt_count, max_attempts, COALESCE(last_error, ''), scheduled_not_before, created_tick, is_placeholder, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *GenerationTask) error {
	return scanFn(
		&task.ID,
		&task.Kind,
		&task.Status,
		&task.Payload,
		&task.AttemptCount,
		&task.MaxAttempts,
		&task.LastError,
		&task.ScheduledNotBefore,
		&task.CreatedTick,
		&task.IsPlaceholder,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

// EnqueueTask creates a standalone pending task outside a tick. Used by
// operator tooling and tests; tick-created tasks go through ApplyTick.
func (s *Store) EnqueueTask(ctx context.Context, kind, payload string, createdTick int64) (string, error) {
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO generation_tasks (id, kind, status, payload, attempt_count, max_attempts, scheduled_not_before, created_tick, created_at, updated_at)
			VALUES (?, ?, 'pending', ?, 0, ?, CURRENT_TIMESTAMP, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, kind, payload, s.taskMaxAttempts, createdTick); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// processingLease bounds how long a claimed task may sit in processing
// before it is handed back to the queue. Covers consumers that died
// mid-task without reaching a terminal transition.
const processingLease = 10 * time.Minute

// reclaimStaleProcessing returns tasks whose processing claim outlived the
// lease to pending, recording a lease_expired event per task.
func (s *Store) reclaimStaleProcessing(ctx context.Context, tx *sql.Tx) error {
	cutoff := fmt.Sprintf("-%d seconds", int(processingLease.Seconds()))
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM generation_tasks
		WHERE status = 'processing' AND updated_at <= datetime(CURRENT_TIMESTAMP, ?);
	`, cutoff)
	if err != nil {
		return fmt.Errorf("select stale processing tasks: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan stale task id: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close stale task rows: %w", err)
	}
	for _, id := range stale {
		res, err := tx.ExecContext(ctx, `
			UPDATE generation_tasks
			SET status = 'pending', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'processing';
		`, id)
		if err != nil {
			return fmt.Errorf("reclaim task %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reclaim rows affected: %w", err)
		}
		if affected != 1 {
			continue
		}
		if err := s.appendTaskEventTx(ctx, tx, id, TaskStatusProcessing, TaskStatusPending, "task.lease_expired", ""); err != nil {
			return err
		}
	}
	return nil
}

// ClaimNextPendingTask atomically claims the oldest due pending task,
// transitioning it to processing. Returns nil when the queue is empty. The
// conditional UPDATE guarantees at most one active processing claim per id.
// Processing claims older than the lease are first returned to pending.
func (s *Store) ClaimNextPendingTask(ctx context.Context) (*GenerationTask, error) {
	var result *GenerationTask
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.reclaimStaleProcessing(ctx, tx); err != nil {
			return err
		}

		var task GenerationTask
		err = scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM generation_tasks
			WHERE status = 'pending' AND scheduled_not_before <= CURRENT_TIMESTAMP
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`).Scan, &task)
		if errors.Is(err, sql.ErrNoRows) {
			result = nil
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select pending task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE generation_tasks
			SET status = 'processing', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending';
		`, task.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race to another consumer; treat as empty.
			result = nil
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, TaskStatusPending, TaskStatusProcessing, "task.claimed", ""); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusProcessing
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transitionTask moves a task from processing to a terminal or pending state
// with a conditional UPDATE, appending a task event on success.
func (s *Store) transitionTask(ctx context.Context, taskID string, to TaskStatus, eventType string, set string, args []any, eventPayload string) (bool, error) {
	if !canTransition(TaskStatusProcessing, to) {
		return false, fmt.Errorf("illegal transition processing -> %s", to)
	}
	var applied bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `UPDATE generation_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP`
		if set != "" {
			query += ", " + set
		}
		query += ` WHERE id = ? AND status = 'processing';`

		fullArgs := append([]any{string(to)}, args...)
		fullArgs = append(fullArgs, taskID)
		res, err := tx.ExecContext(ctx, query, fullArgs...)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			applied = false
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusProcessing, to, eventType, eventPayload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// CompleteTask marks a processing task completed.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	applied, err := s.transitionTask(ctx, taskID, TaskStatusCompleted, "task.completed", "", nil, "")
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("task %s not in processing state", taskID)
	}
	s.publishOutcome(ctx, taskID, TaskStatusCompleted, "")
	return nil
}

// SkipTask marks a processing task skipped with a guardrail reason.
func (s *Store) SkipTask(ctx context.Context, taskID, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	applied, err := s.transitionTask(ctx, taskID, TaskStatusSkipped, "task.skipped",
		"last_error = ?", []any{reason}, string(payload))
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("task %s not in processing state", taskID)
	}
	s.publishOutcome(ctx, taskID, TaskStatusSkipped, reason)
	return nil
}

// FailTask marks a processing task failed with its last error.
func (s *Store) FailTask(ctx context.Context, taskID, lastError string) error {
	payload, _ := json.Marshal(map[string]string{"error": lastError})
	applied, err := s.transitionTask(ctx, taskID, TaskStatusFailed, "task.failed",
		"last_error = ?, attempt_count = attempt_count + 1", []any{lastError}, string(payload))
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("task %s not in processing state", taskID)
	}
	s.publishOutcome(ctx, taskID, TaskStatusFailed, lastError)
	return nil
}

// RescheduleTask returns a processing task to pending with a bumped attempt
// counter and a not-before delay.
func (s *Store) RescheduleTask(ctx context.Context, taskID, lastError string, notBefore time.Time) error {
	payload, _ := json.Marshal(map[string]string{
		"error":      lastError,
		"not_before": notBefore.UTC().Format(time.RFC3339),
	})
	applied, err := s.transitionTask(ctx, taskID, TaskStatusPending, "task.rescheduled",
		"last_error = ?, attempt_count = attempt_count + 1, scheduled_not_before = ?",
		[]any{lastError, notBefore.UTC()}, string(payload))
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("task %s not in processing state", taskID)
	}
	s.publishOutcome(ctx, taskID, TaskStatusPending, lastError)
	return nil
}

func (s *Store) publishOutcome(ctx context.Context, taskID string, status TaskStatus, reason string) {
	if s.bus == nil {
		return
	}
	topic := map[TaskStatus]string{
		TaskStatusCompleted: bus.TopicTaskCompleted,
		TaskStatusSkipped:   bus.TopicTaskSkipped,
		TaskStatusFailed:    bus.TopicTaskFailed,
		TaskStatusPending:   bus.TopicTaskRescheduled,
	}[status]
	if topic == "" {
		return
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskOutcomeEvent{
		TaskID:  taskID,
		Kind:    task.Kind,
		Status:  string(status),
		Reason:  reason,
		Attempt: task.AttemptCount,
	})
}

// GetTask fetches a task by id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*GenerationTask, error) {
	var task GenerationTask
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// QueueDepth returns the number of pending tasks.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM generation_tasks WHERE status = 'pending';
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// TaskCountsByStatus returns status -> count for operator views.
func (s *Store) TaskCountsByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM generation_tasks GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int64)
	for rows.Next() {
		var status TaskStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ListTaskEvents returns the ordered event trail for one task.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, et)
	}
	return out, rows.Err()
}
