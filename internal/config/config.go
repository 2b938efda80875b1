package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hollowmesh/ghostship/internal/otel"
)

// ProviderConfig holds settings for the text generation provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// DailyLimit caps provider calls per UTC day. 0 disables all calls.
	DailyLimit int `yaml:"daily_limit"`

	// RequestTimeoutSeconds bounds a single provider HTTP call. Default 60.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// FailureThreshold is the number of consecutive failures before the
	// client goes offline. Default 3.
	FailureThreshold int `yaml:"failure_threshold"`

	// BackoffMinutes is the offline window after the threshold trips. Default 10.
	BackoffMinutes int `yaml:"backoff_minutes"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// SimConfig holds the tunable constants of the allocation pipeline.
type SimConfig struct {
	// Capacity is the logistic carrying capacity for the forum population.
	Capacity int `yaml:"capacity"`

	// GrowthRate is the logistic growth coefficient. Default 0.05.
	GrowthRate float64 `yaml:"growth_rate"`

	// DiceCount is the number of exploding dice rolled per tick. Default 2.
	DiceCount int `yaml:"dice_count"`

	// ExplosionCap bounds chained explosions per die. Default 10.
	ExplosionCap int `yaml:"explosion_cap"`

	// Deck weights. Defaults: calm 87, omen 5, seance 8.
	CalmWeight   int `yaml:"calm_weight"`
	OmenWeight   int `yaml:"omen_weight"`
	SeanceWeight int `yaml:"seance_weight"`

	// ActionWeights scale each action category's distribution parameter.
	// 1.0 is neutral; missing categories default to 1.0.
	ActionWeights map[string]float64 `yaml:"action_weights"`
}

// QueueConfig holds consumer settings.
type QueueConfig struct {
	// BatchLimit is the max tasks claimed per drain pass. Default 25.
	BatchLimit int `yaml:"batch_limit"`

	// MaxAttempts before a task is marked failed. Default 5.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelaySeconds is the base reschedule delay. Default 60.
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	// DuplicateThreshold is the token-overlap ratio above which generated
	// text is rejected as a duplicate. Default 0.7.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
}

// SchedulerConfig holds daemon cadence settings.
type SchedulerConfig struct {
	// TickCron is a cron expression for tick firing. Default "@every 5m".
	TickCron string `yaml:"tick_cron"`

	// DrainIntervalSeconds is the queue drain cadence. Default 30.
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`

	// JitterSeconds randomizes tick start within the window. Default 0.
	JitterSeconds int `yaml:"jitter_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Provider  ProviderConfig  `yaml:"provider"`
	Sim       SimConfig       `yaml:"sim"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	OTel      otel.Config     `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the sqlite database path within the home directory.
func DatabasePath(homeDir string) string {
	return filepath.Join(homeDir, "ghostship.db")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|model=%s|limit=%d|cap=%d|rate=%f|cron=%s|batch=%d",
		c.LogLevel, c.Provider.Model, c.Provider.DailyLimit,
		c.Sim.Capacity, c.Sim.GrowthRate, c.Scheduler.TickCron, c.Queue.BatchLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Provider: ProviderConfig{
			BaseURL:               "https://openrouter.ai/api/v1",
			Model:                 "deepseek/deepseek-chat",
			DailyLimit:            200,
			RequestTimeoutSeconds: int((60 * time.Second).Seconds()),
			FailureThreshold:      3,
			BackoffMinutes:        10,
			MaxTokens:             512,
			Temperature:           0.9,
		},
		Sim: SimConfig{
			Capacity:     10000,
			GrowthRate:   0.05,
			DiceCount:    2,
			ExplosionCap: 10,
			CalmWeight:   87,
			OmenWeight:   5,
			SeanceWeight: 8,
			ActionWeights: map[string]float64{
				"threads":    1.0,
				"replies":    1.0,
				"dms":        1.0,
				"reports":    1.0,
				"moderation": 1.0,
			},
		},
		Queue: QueueConfig{
			BatchLimit:         25,
			MaxAttempts:        5,
			RetryDelaySeconds:  60,
			DuplicateThreshold: 0.7,
		},
		Scheduler: SchedulerConfig{
			TickCron:             "@every 5m",
			DrainIntervalSeconds: 30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GHOSTSHIP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ghostship")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory, applying
// defaults and env overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ghostship home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "deepseek/deepseek-chat"
	}
	if cfg.Provider.RequestTimeoutSeconds <= 0 {
		cfg.Provider.RequestTimeoutSeconds = 60
	}
	if cfg.Provider.FailureThreshold <= 0 {
		cfg.Provider.FailureThreshold = 3
	}
	if cfg.Provider.BackoffMinutes <= 0 {
		cfg.Provider.BackoffMinutes = 10
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = 512
	}
	if cfg.Sim.Capacity <= 0 {
		cfg.Sim.Capacity = 10000
	}
	if cfg.Sim.GrowthRate <= 0 {
		cfg.Sim.GrowthRate = 0.05
	}
	if cfg.Sim.DiceCount <= 0 {
		cfg.Sim.DiceCount = 2
	}
	if cfg.Sim.ExplosionCap <= 0 {
		cfg.Sim.ExplosionCap = 10
	}
	if cfg.Sim.CalmWeight <= 0 && cfg.Sim.OmenWeight <= 0 && cfg.Sim.SeanceWeight <= 0 {
		cfg.Sim.CalmWeight, cfg.Sim.OmenWeight, cfg.Sim.SeanceWeight = 87, 5, 8
	}
	if len(cfg.Sim.ActionWeights) == 0 {
		cfg.Sim.ActionWeights = defaultConfig().Sim.ActionWeights
	}
	if cfg.Queue.BatchLimit <= 0 {
		cfg.Queue.BatchLimit = 25
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.RetryDelaySeconds <= 0 {
		cfg.Queue.RetryDelaySeconds = 60
	}
	if cfg.Queue.DuplicateThreshold <= 0 || cfg.Queue.DuplicateThreshold > 1 {
		cfg.Queue.DuplicateThreshold = 0.7
	}
	if cfg.Scheduler.TickCron == "" {
		cfg.Scheduler.TickCron = "@every 5m"
	}
	if cfg.Scheduler.DrainIntervalSeconds <= 0 {
		cfg.Scheduler.DrainIntervalSeconds = 30
	}
}

func validate(cfg *Config) error {
	if cfg.Provider.DailyLimit < 0 {
		return fmt.Errorf("provider.daily_limit must be >= 0, got %d", cfg.Provider.DailyLimit)
	}
	var total float64
	for name, w := range cfg.Sim.ActionWeights {
		if w < 0 {
			return fmt.Errorf("sim.action_weights.%s must be >= 0, got %f", name, w)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("sim.action_weights must have positive total weight")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GHOSTSHIP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPENROUTER_API_KEY"); raw != "" {
		cfg.Provider.APIKey = raw
	}
	if raw := os.Getenv("OPENROUTER_BASE_URL"); raw != "" {
		cfg.Provider.BaseURL = raw
	}
	if raw := os.Getenv("OPENROUTER_MODEL"); raw != "" {
		cfg.Provider.Model = raw
	}
	if raw := os.Getenv("GHOSTSHIP_DAILY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.Provider.DailyLimit = v
		}
	}
	if raw := os.Getenv("GHOSTSHIP_TICK_CRON"); raw != "" {
		cfg.Scheduler.TickCron = raw
	}
	if raw := os.Getenv("GHOSTSHIP_BATCH_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Queue.BatchLimit = v
		}
	}
}
