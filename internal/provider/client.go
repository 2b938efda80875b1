package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hollowmesh/ghostship/internal/audit"
	"github.com/hollowmesh/ghostship/internal/bus"
	"github.com/hollowmesh/ghostship/internal/otel"
)

// Fallback reasons.
const (
	ReasonOfflineBackoff = "offline-backoff"
	ReasonNoCredential   = "no-credential"
	ReasonQuotaExhausted = "quota-exhausted"
	ReasonProviderError  = "provider-error"
)

// failureWindow bounds how far apart consecutive failures may be and still
// count toward the offline threshold.
const failureWindow = 2 * time.Minute

// Result is the outcome of one Generate call. Fallback results carry a
// labeled placeholder text and are shaped exactly like real output.
type Result struct {
	Text       string `json:"text"`
	Fallback   bool   `json:"fallback"`
	Reason     string `json:"reason,omitempty"`
	TokensUsed int    `json:"tokens_used"`
}

// Transient reports whether a fallback reason is worth retrying later.
// no-credential and quota-exhausted are terminal for the day.
func (r Result) Transient() bool {
	return r.Fallback && (r.Reason == ReasonProviderError || r.Reason == ReasonOfflineBackoff)
}

// UsageStore is the persistence surface the client needs for quota tracking.
type UsageStore interface {
	ReserveUsage(ctx context.Context, day string, dailyLimit int) (bool, error)
	AddUsageTokens(ctx context.Context, day string, tokens int) error
}

// Config holds the client settings.
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	DailyLimit       int
	RequestTimeout   time.Duration
	FailureThreshold int
	Backoff          time.Duration
	Temperature      float64
}

// Client wraps the text-generation endpoint with daily-quota enforcement,
// failure-triggered backoff, and deterministic fallback text. Backoff state
// is process-local; multiple processes each learn independently.
type Client struct {
	cfg     Config
	usage   UsageStore
	logger  *slog.Logger
	events  *bus.Bus      // may be nil
	metrics *otel.Metrics // may be nil
	http    *http.Client
	now     func() time.Time

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	offlineUntil time.Time
}

// New builds a client. bus and metrics may be nil.
func New(cfg Config, usage UsageStore, logger *slog.Logger, events *bus.Bus, metrics *otel.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		usage:   usage,
		logger:  logger,
		events:  events,
		metrics: metrics,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		now:     time.Now,
	}
}

// SetClock replaces the client's time source. Tests only.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Offline reports whether the client is inside its backoff window.
func (c *Client) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.offlineUntil)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate produces text for a prompt. Provider failures never surface as
// errors: the caller always gets a Result, possibly a labeled fallback. The
// returned error covers only usage-store failures.
//
// Decision order: offline backoff, credential, atomic quota reservation,
// then the network call. The reservation happens before the call so
// concurrent consumers cannot race past the daily limit.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (Result, error) {
	ctx, span := otelapi.Tracer(otel.TracerName).Start(ctx, "provider.generate")
	defer span.End()

	if c.Offline() {
		return c.serveFallback(ctx, ReasonOfflineBackoff, prompt), nil
	}

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return c.serveFallback(ctx, ReasonNoCredential, prompt), nil
	}

	day := c.now().UTC().Format("2006-01-02")
	reserved, err := c.usage.ReserveUsage(ctx, day, c.cfg.DailyLimit)
	if err != nil {
		return Result{}, fmt.Errorf("reserve usage: %w", err)
	}
	if !reserved {
		if c.metrics != nil {
			c.metrics.QuotaRejects.Add(ctx, 1)
		}
		return c.serveFallback(ctx, ReasonQuotaExhausted, prompt), nil
	}

	start := time.Now()
	text, tokens, callErr := c.call(ctx, prompt, maxTokens)
	if c.metrics != nil {
		c.metrics.ProviderDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.Bool("error", callErr != nil)))
	}
	if callErr != nil {
		if c.metrics != nil {
			c.metrics.ProviderErrors.Add(ctx, 1)
		}
		c.recordFailure(callErr)
		return c.serveFallback(ctx, ReasonProviderError, prompt), nil
	}

	c.recordSuccess()
	if c.metrics != nil {
		c.metrics.TokensUsed.Add(ctx, int64(tokens))
	}
	if err := c.usage.AddUsageTokens(ctx, day, tokens); err != nil {
		c.logger.Warn("record token usage", "error", err)
	}
	return Result{Text: text, TokensUsed: tokens}, nil
}

func (c *Client) call(ctx context.Context, prompt string, maxTokens int) (string, int, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", 0, fmt.Errorf("provider status %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", 0, fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), parsed.Usage.TotalTokens, nil
}

func (c *Client) recordFailure(callErr error) {
	c.mu.Lock()
	now := c.now()
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > failureWindow {
		c.failureCount = 0
	}
	c.failureCount++
	c.lastFailure = now

	tripped := c.failureCount >= c.cfg.FailureThreshold
	var until time.Time
	if tripped {
		until = now.Add(c.cfg.Backoff)
		c.offlineUntil = until
		c.failureCount = 0
	}
	c.mu.Unlock()

	c.logger.Warn("provider call failed", "error", callErr, "tripped", tripped)
	if tripped {
		c.logger.Warn("provider offline", "until", until.UTC().Format(time.RFC3339))
		audit.Record("deny", "provider", "backoff window opened after repeated failures", 0, c.cfg.Model)
		if c.events != nil {
			c.events.Publish(bus.TopicProviderOffline, bus.ProviderOfflineEvent{
				Reason:       ReasonProviderError,
				UntilUnixSec: until.Unix(),
			})
		}
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failureCount = 0
	c.lastFailure = time.Time{}
	c.mu.Unlock()
}

// serveFallback counts and returns the fallback for a reason.
func (c *Client) serveFallback(ctx context.Context, reason, prompt string) Result {
	if c.metrics != nil {
		c.metrics.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return c.fallback(reason, prompt)
}

// fallback builds the deterministic labeled placeholder for a reason. The
// last prompt line anchors the text so repeated calls for the same task are
// byte-identical. Truncation is rune-aware so multibyte topics stay valid.
func (c *Client) fallback(reason, prompt string) Result {
	topic := lastLine(prompt)
	if runes := []rune(topic); len(runes) > 80 {
		topic = string(runes[:80])
	}
	text := fmt.Sprintf("(ghostship placeholder: %s) %s", reason, topic)
	return Result{Text: strings.TrimSpace(text), Fallback: true, Reason: reason}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
