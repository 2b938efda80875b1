package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hollowmesh/ghostship/internal/bus"
)

// TraceEntry is one stage of a tick's ordered decision trace.
type TraceEntry struct {
	Stage  string         `json:"stage"`
	Inputs map[string]any `json:"inputs,omitempty"`
	Output any            `json:"output"`
}

// TickRecord is the immutable audit row for one tick.
type TickRecord struct {
	TickNumber     int64     `json:"tick_number"`
	Seed           int64     `json:"seed"`
	Origin         string    `json:"origin"`
	Energy         int       `json:"energy"`
	EnergyPrime    int       `json:"energy_prime"`
	Rolls          []int     `json:"rolls"`
	Card           string    `json:"card"`
	Omen           bool      `json:"omen"`
	Seance         bool      `json:"seance"`
	SpecialsJSON   string    `json:"specials_json"`
	AllocationJSON string    `json:"allocation_json"`
	TraceJSON      string    `json:"trace_json"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewAgent is an agent row to create during a tick.
type NewAgent struct {
	ID      string
	Name    string
	Persona string
}

// NewThread is a thread row pre-created for a thread_start task.
type NewThread struct {
	ID       string
	Title    string
	AuthorID string
}

// PlaceholderPost is an opener post created alongside its thread with
// is_placeholder set, updated in place once text generation succeeds.
type PlaceholderPost struct {
	ID       string
	ThreadID string
	AuthorID string
	Body     string
}

// NewTask is a pending generation task created by a tick.
type NewTask struct {
	ID            string
	Kind          string
	Payload       string
	IsPlaceholder bool
}

// NewReport is a moderation or report row materialized by a tick.
type NewReport struct {
	ID      string
	Kind    string
	Subject string
	Details string
}

// TickDraft carries everything a tick wants persisted. ApplyTick writes the
// whole draft in one transaction; a failed stage leaves no partial rows.
type TickDraft struct {
	Seed        int64
	Origin      string
	Energy      int
	EnergyPrime int
	Rolls       []int
	Card        string
	Omen        bool
	Seance      bool
	Specials    any
	Allocation  any
	Trace       []TraceEntry

	Agents  []NewAgent
	Threads []NewThread
	Posts   []PlaceholderPost
	Tasks   []NewTask
	Reports []NewReport
}

// ApplyTick persists a tick draft atomically and returns the written record.
// tick_number is assigned inside the transaction as last+1, so numbers are
// strictly increasing and gapless.
func (s *Store) ApplyTick(ctx context.Context, draft *TickDraft) (*TickRecord, error) {
	rollsJSON, err := json.Marshal(draft.Rolls)
	if err != nil {
		return nil, fmt.Errorf("marshal rolls: %w", err)
	}
	specialsJSON, err := marshalOrEmpty(draft.Specials, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal specials: %w", err)
	}
	allocationJSON, err := marshalOrEmpty(draft.Allocation, "{}")
	if err != nil {
		return nil, fmt.Errorf("marshal allocation: %w", err)
	}
	traceJSON, err := marshalOrEmpty(draft.Trace, "[]")
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}

	var record *TickRecord
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tick tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var tickNumber int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(tick_number), 0) + 1 FROM ticks;`).Scan(&tickNumber); err != nil {
			return fmt.Errorf("next tick number: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticks (tick_number, seed, origin, energy, energy_prime, rolls_json, card, omen, seance, specials_json, allocation_json, trace_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, tickNumber, draft.Seed, draft.Origin, draft.Energy, draft.EnergyPrime,
			string(rollsJSON), draft.Card, draft.Omen, draft.Seance,
			specialsJSON, allocationJSON, traceJSON); err != nil {
			return fmt.Errorf("insert tick: %w", err)
		}

		for _, a := range draft.Agents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, name, persona, status, is_organic, created_tick, created_at)
				VALUES (?, ?, ?, 'active', 0, ?, CURRENT_TIMESTAMP);
			`, a.ID, a.Name, a.Persona, tickNumber); err != nil {
				return fmt.Errorf("insert agent %s: %w", a.Name, err)
			}
		}

		for _, th := range draft.Threads {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO threads (id, title, author_id, created_tick, created_at)
				VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, th.ID, th.Title, th.AuthorID, tickNumber); err != nil {
				return fmt.Errorf("insert thread: %w", err)
			}
		}

		for _, p := range draft.Posts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO posts (id, thread_id, author_id, body, is_placeholder, created_tick, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, p.ID, p.ThreadID, p.AuthorID, p.Body, tickNumber); err != nil {
				return fmt.Errorf("insert placeholder post: %w", err)
			}
		}

		for _, task := range draft.Tasks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO generation_tasks (id, kind, status, payload, attempt_count, max_attempts, scheduled_not_before, created_tick, is_placeholder, created_at, updated_at)
				VALUES (?, ?, 'pending', ?, 0, ?, CURRENT_TIMESTAMP, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, task.ID, task.Kind, task.Payload, s.taskMaxAttempts, tickNumber, task.IsPlaceholder); err != nil {
				return fmt.Errorf("insert generation task: %w", err)
			}
			if err := s.appendTaskEventTx(ctx, tx, task.ID, "", TaskStatusPending, "task.enqueued", fmt.Sprintf(`{"tick":%d,"kind":%q}`, tickNumber, task.Kind)); err != nil {
				return err
			}
		}

		for _, r := range draft.Reports {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO moderation_reports (id, kind, subject, details, created_tick, created_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, r.ID, r.Kind, r.Subject, r.Details, tickNumber); err != nil {
				return fmt.Errorf("insert moderation report: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tick tx: %w", err)
		}

		record = &TickRecord{
			TickNumber:     tickNumber,
			Seed:           draft.Seed,
			Origin:         draft.Origin,
			Energy:         draft.Energy,
			EnergyPrime:    draft.EnergyPrime,
			Rolls:          draft.Rolls,
			Card:           draft.Card,
			Omen:           draft.Omen,
			Seance:         draft.Seance,
			SpecialsJSON:   specialsJSON,
			AllocationJSON: allocationJSON,
			TraceJSON:      traceJSON,
			CreatedAt:      time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTickCompleted, bus.TickCompletedEvent{
		TickNumber:  record.TickNumber,
		Seed:        record.Seed,
		Energy:      record.Energy,
		EnergyPrime: record.EnergyPrime,
		Card:        record.Card,
		Origin:      record.Origin,
	})
	return record, nil
}

func marshalOrEmpty(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LastTick returns the most recent tick record, or nil when none exist.
func (s *Store) LastTick(ctx context.Context) (*TickRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tick_number, seed, origin, energy, energy_prime, rolls_json, card, omen, seance, specials_json, allocation_json, trace_json, created_at
		FROM ticks
		ORDER BY tick_number DESC
		LIMIT 1;
	`)
	rec, err := scanTick(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last tick: %w", err)
	}
	return rec, nil
}

// TickHistory returns the newest ticks first, up to limit.
func (s *Store) TickHistory(ctx context.Context, limit int) ([]TickRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick_number, seed, origin, energy, energy_prime, rolls_json, card, omen, seance, specials_json, allocation_json, trace_json, created_at
		FROM ticks
		ORDER BY tick_number DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tick history: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		rec, err := scanTick(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tick rows: %w", err)
	}
	return out, nil
}

// SpecialStreaks returns the number of consecutive ticks since the last omen
// and seance respectively.
func (s *Store) SpecialStreaks(ctx context.Context) (omenStreak, seanceStreak int, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ticks
		WHERE tick_number > COALESCE((SELECT MAX(tick_number) FROM ticks WHERE omen = 1), 0);
	`).Scan(&omenStreak); err != nil {
		return 0, 0, fmt.Errorf("omen streak: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ticks
		WHERE tick_number > COALESCE((SELECT MAX(tick_number) FROM ticks WHERE seance = 1), 0);
	`).Scan(&seanceStreak); err != nil {
		return 0, 0, fmt.Errorf("seance streak: %w", err)
	}
	return omenStreak, seanceStreak, nil
}

func scanTick(scanFn func(dest ...any) error) (*TickRecord, error) {
	var rec TickRecord
	var rollsJSON string
	if err := scanFn(
		&rec.TickNumber,
		&rec.Seed,
		&rec.Origin,
		&rec.Energy,
		&rec.EnergyPrime,
		&rollsJSON,
		&rec.Card,
		&rec.Omen,
		&rec.Seance,
		&rec.SpecialsJSON,
		&rec.AllocationJSON,
		&rec.TraceJSON,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rollsJSON), &rec.Rolls); err != nil {
		return nil, fmt.Errorf("unmarshal rolls: %w", err)
	}
	return &rec, nil
}
