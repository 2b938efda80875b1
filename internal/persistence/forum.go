package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is a simulated forum member.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Persona     string    `json:"persona"`
	Status      string    `json:"status"`
	IsOrganic   bool      `json:"is_organic"`
	CreatedTick int64     `json:"created_tick"`
	CreatedAt   time.Time `json:"created_at"`
}

// Thread is a forum thread.
type Thread struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	AuthorID    string    `json:"author_id"`
	Heat        float64   `json:"heat"`
	ReplyCount  int       `json:"reply_count"`
	Locked      bool      `json:"locked"`
	Deleted     bool      `json:"deleted"`
	CreatedTick int64     `json:"created_tick"`
	CreatedAt   time.Time `json:"created_at"`
}

// Post is one post inside a thread.
type Post struct {
	ID            string    `json:"id"`
	ThreadID      string    `json:"thread_id"`
	AuthorID      string    `json:"author_id"`
	Body          string    `json:"body"`
	IsPlaceholder bool      `json:"is_placeholder"`
	CreatedTick   int64     `json:"created_tick"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CreateAgent inserts an agent outside a tick (seeding, operators).
func (s *Store) CreateAgent(ctx context.Context, name, persona, status string, isOrganic bool) (string, error) {
	switch status {
	case AgentStatusActive, AgentStatusRestricted, AgentStatusBanned:
	default:
		return "", fmt.Errorf("invalid agent status %q", status)
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, persona, status, is_organic, created_tick, created_at)
			VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP);
		`, id, name, persona, status, isOrganic)
		if err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetAgentStatus updates an agent's standing.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	switch status {
	case AgentStatusActive, AgentStatusRestricted, AgentStatusBanned:
	default:
		return fmt.Errorf("invalid agent status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ? WHERE id = ?;
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent status rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("agent %s not found", agentID)
	}
	return nil
}

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	return scanFn(&a.ID, &a.Name, &a.Persona, &a.Status, &a.IsOrganic, &a.CreatedTick, &a.CreatedAt)
}

const agentColumns = `id, name, persona, status, is_organic, created_tick, created_at`

// AgentByID fetches an agent by id, or nil when absent.
func (s *Store) AgentByID(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?;
	`, agentID).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent by id: %w", err)
	}
	return &a, nil
}

// AgentByName looks up an agent case-insensitively by handle.
func (s *Store) AgentByName(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE name = ? COLLATE NOCASE;
	`, name).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent by name: %w", err)
	}
	return &a, nil
}

// ActiveAgentCount counts agents that are not banned.
func (s *Store) ActiveAgentCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents WHERE status != 'banned';
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("active agent count: %w", err)
	}
	return n, nil
}

// ListGenerationAuthors returns agents eligible to author generated content,
// in stable creation order. Organic operator accounts and restricted or
// banned agents never enter the pool; a task for such an author would only
// be skipped by the consumer, stranding its placeholder.
func (s *Store) ListGenerationAuthors(ctx context.Context, limit int) ([]Agent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = 'active' AND is_organic = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generation authors: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MentionableNames returns active agent handles for prompt context.
func (s *Store) MentionableNames(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > 200 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM agents WHERE status = 'active' ORDER BY created_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("mentionable names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

const threadColumns = `id, title, author_id, heat, reply_count, locked, deleted, created_tick, created_at`

func scanThread(scanFn func(dest ...any) error, th *Thread) error {
	return scanFn(&th.ID, &th.Title, &th.AuthorID, &th.Heat, &th.ReplyCount, &th.Locked, &th.Deleted, &th.CreatedTick, &th.CreatedAt)
}

// ThreadByID fetches a thread by id, or nil when absent.
func (s *Store) ThreadByID(ctx context.Context, threadID string) (*Thread, error) {
	var th Thread
	err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM threads WHERE id = ?;
	`, threadID).Scan, &th)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("thread by id: %w", err)
	}
	return &th, nil
}

// ListRecentThreads returns open threads newest-first for reply targeting.
func (s *Store) ListRecentThreads(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE deleted = 0 AND locked = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var th Thread
		if err := scanThread(rows.Scan, &th); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// RecentThreadMetrics returns the recent-thread count and average heat, the
// allocator's pressure inputs.
func (s *Store) RecentThreadMetrics(ctx context.Context, limit int) (count int, avgHeat float64, err error) {
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(heat), 0)
		FROM (SELECT heat FROM threads WHERE deleted = 0 ORDER BY created_at DESC LIMIT ?);
	`, limit).Scan(&count, &avgHeat)
	if err != nil {
		return 0, 0, fmt.Errorf("recent thread metrics: %w", err)
	}
	return count, avgHeat, nil
}

// SetThreadState flips the locked/deleted flags (moderation outcomes).
func (s *Store) SetThreadState(ctx context.Context, threadID string, locked, deleted bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET locked = ?, deleted = ? WHERE id = ?;
	`, locked, deleted, threadID)
	if err != nil {
		return fmt.Errorf("set thread state: %w", err)
	}
	return nil
}

// BumpThreadHeat raises a thread's heat and reply count after a persisted reply.
func (s *Store) BumpThreadHeat(ctx context.Context, threadID string, heatDelta float64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE threads
			SET heat = heat + ?, reply_count = reply_count + 1
			WHERE id = ?;
		`, heatDelta, threadID)
		if err != nil {
			return fmt.Errorf("bump thread heat: %w", err)
		}
		return nil
	})
}

const postColumns = `id, thread_id, author_id, body, is_placeholder, created_tick, created_at, updated_at`

func scanPost(scanFn func(dest ...any) error, p *Post) error {
	return scanFn(&p.ID, &p.ThreadID, &p.AuthorID, &p.Body, &p.IsPlaceholder, &p.CreatedTick, &p.CreatedAt, &p.UpdatedAt)
}

// GetPost fetches a post by id, or nil when absent.
func (s *Store) GetPost(ctx context.Context, postID string) (*Post, error) {
	var p Post
	err := scanPost(s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+` FROM posts WHERE id = ?;
	`, postID).Scan, &p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return &p, nil
}

// CreatePost inserts a post.
func (s *Store) CreatePost(ctx context.Context, threadID, authorID, body string, isPlaceholder bool, createdTick int64) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO posts (id, thread_id, author_id, body, is_placeholder, created_tick, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, threadID, authorID, body, isPlaceholder, createdTick)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdatePostBody rewrites a post in place. Used to turn a placeholder opener
// into real content (or refresh its fallback body); the identity never changes.
func (s *Store) UpdatePostBody(ctx context.Context, postID, body string, isPlaceholder bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET body = ?, is_placeholder = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, body, isPlaceholder, postID)
	if err != nil {
		return fmt.Errorf("update post body: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("post rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("post %s not found", postID)
	}
	return nil
}

// RecentPostsInThread returns the latest non-placeholder posts, oldest first.
func (s *Store) RecentPostsInThread(ctx context.Context, threadID string, limit int) ([]Post, error) {
	if limit <= 0 || limit > 50 {
		limit = 6
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+` FROM (
			SELECT `+postColumns+` FROM posts
			WHERE thread_id = ? AND is_placeholder = 0
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent posts: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		if err := scanPost(rows.Scan, &p); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateMessage inserts a direct message between two agents.
func (s *Store) CreateMessage(ctx context.Context, senderID, recipientID, body string, isPlaceholder bool, createdTick int64) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, recipient_id, body, is_placeholder, created_tick, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, senderID, recipientID, body, isPlaceholder, createdTick)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
