package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageCounter is one calendar day's provider usage.
type UsageCounter struct {
	Day          string `json:"day"`
	RequestCount int    `json:"request_count"`
	TokenCount   int    `json:"token_count"`
}

// UsageDay formats a moment as the UTC usage-counter key.
func UsageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ReserveUsage atomically reserves one provider call against the day's
// quota. Returns false when the daily limit is already reached. The
// reservation happens before any network call so concurrent consumers can
// never race past the limit.
func (s *Store) ReserveUsage(ctx context.Context, day string, dailyLimit int) (bool, error) {
	if dailyLimit <= 0 {
		return false, nil
	}
	var reserved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin usage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (day, request_count, token_count, updated_at)
			VALUES (?, 0, 0, CURRENT_TIMESTAMP)
			ON CONFLICT(day) DO NOTHING;
		`, day); err != nil {
			return fmt.Errorf("ensure usage row: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE usage_counters
			SET request_count = request_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE day = ? AND request_count < ?;
		`, day, dailyLimit)
		if err != nil {
			return fmt.Errorf("reserve usage: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("usage rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit usage tx: %w", err)
		}
		reserved = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// AddUsageTokens records tokens consumed by a successful provider call.
func (s *Store) AddUsageTokens(ctx context.Context, day string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE usage_counters
			SET token_count = token_count + ?, updated_at = CURRENT_TIMESTAMP
			WHERE day = ?;
		`, tokens, day)
		if err != nil {
			return fmt.Errorf("add usage tokens: %w", err)
		}
		return nil
	})
}

// UsageForDay returns the day's counter; a missing row reads as zero.
func (s *Store) UsageForDay(ctx context.Context, day string) (UsageCounter, error) {
	counter := UsageCounter{Day: day}
	err := s.db.QueryRowContext(ctx, `
		SELECT request_count, token_count FROM usage_counters WHERE day = ?;
	`, day).Scan(&counter.RequestCount, &counter.TokenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return counter, nil
	}
	if err != nil {
		return counter, fmt.Errorf("usage for day: %w", err)
	}
	return counter, nil
}
