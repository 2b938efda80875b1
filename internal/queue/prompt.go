package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/hollowmesh/ghostship/internal/persistence"
)

const (
	promptExcerptLen    = 200
	promptMentionLimit  = 12
	promptRecentReplies = 6
)

// buildPrompt assembles the generation prompt for a claimed task. The final
// line names the concrete writing task; fallback text is anchored on it, so
// it must stay meaningful on its own.
func (c *Consumer) buildPrompt(ctx context.Context, task *persistence.GenerationTask, p Payload, author *persistence.Agent) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a member of the Ghostship forum.\n", author.Name)
	if persona := strings.TrimSpace(author.Persona); persona != "" {
		fmt.Fprintf(&b, "Persona: %s\n", persona)
	}

	if names, err := c.store.MentionableNames(ctx, promptMentionLimit); err == nil && len(names) > 0 {
		fmt.Fprintf(&b, "Members you may @mention: %s\n", strings.Join(names, ", "))
	}

	if task.AttemptCount > 0 {
		b.WriteString("Your earlier draft was rejected. Do not repeat existing replies; take a new angle.\n")
	}

	switch task.Kind {
	case KindThreadStart:
		b.WriteString("Keep it to two short paragraphs.\n")
		fmt.Fprintf(&b, "Write the opening post for a thread titled %q.", p.Title)

	case KindReply:
		thread, err := c.store.ThreadByID(ctx, p.ThreadID)
		if err != nil {
			return "", fmt.Errorf("load thread: %w", err)
		}
		if thread == nil {
			return "", fmt.Errorf("thread %s not found", p.ThreadID)
		}
		posts, err := c.store.RecentPostsInThread(ctx, p.ThreadID, promptRecentReplies)
		if err != nil {
			return "", fmt.Errorf("load recent posts: %w", err)
		}
		if len(posts) > 0 {
			b.WriteString("Recent posts in the thread:\n")
			for _, post := range posts {
				fmt.Fprintf(&b, "> %s\n", excerpt(post.Body, promptExcerptLen))
			}
		}
		b.WriteString("Keep it to one short paragraph.\n")
		fmt.Fprintf(&b, "Write a reply to the thread %q.", thread.Title)

	case KindDM:
		recipient, err := c.store.AgentByID(ctx, p.RecipientID)
		if err != nil {
			return "", fmt.Errorf("load recipient: %w", err)
		}
		if recipient == nil {
			return "", fmt.Errorf("recipient %s not found", p.RecipientID)
		}
		b.WriteString("Keep it to one or two sentences.\n")
		fmt.Fprintf(&b, "Write a short direct message to @%s.", recipient.Name)

	default:
		return "", fmt.Errorf("unknown task kind %q", task.Kind)
	}
	return b.String(), nil
}

// excerpt collapses whitespace and truncates to max runes, never splitting
// a multibyte character.
func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
