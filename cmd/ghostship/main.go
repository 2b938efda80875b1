package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/hollowmesh/ghostship/internal/audit"
	"github.com/hollowmesh/ghostship/internal/bus"
	"github.com/hollowmesh/ghostship/internal/config"
	otelPkg "github.com/hollowmesh/ghostship/internal/otel"
	"github.com/hollowmesh/ghostship/internal/persistence"
	"github.com/hollowmesh/ghostship/internal/provider"
	"github.com/hollowmesh/ghostship/internal/queue"
	"github.com/hollowmesh/ghostship/internal/telemetry"
	"github.com/hollowmesh/ghostship/internal/tick"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, "ghostship %s\n", Version)
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s tick [-seed N] [-origin label]   Fire one simulation tick
  %s drain [-limit N]                 Process pending generation tasks
  %s status                           Show queue depth, usage, and last tick
  %s daemon                           Run the tick and drain loops

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GHOSTSHIP_HOME           Data directory (default: ~/.ghostship)
  OPENROUTER_API_KEY       Provider credential; without it the forum runs
                           on placeholder text
  GHOSTSHIP_TICK_CRON      Override the daemon tick schedule
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "tick":
		os.Exit(runTickCommand(ctx, args[1:]))
	case "drain":
		os.Exit(runDrainCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runtime bundles the wired components a subcommand needs.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	events   *bus.Bus
	store    *persistence.Store
	metrics  *otelPkg.Metrics
	otelProv *otelPkg.Provider
	client   *provider.Client
	consumer *queue.Consumer
	runner   *tick.Runner

	logCloser io.Closer
}

func setupRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit: %w", err)
	}

	quiet := cfg.Quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg); err != nil {
			logger.Warn("write default config", "error", err)
		} else {
			logger.Info("wrote default config", "path", config.ConfigPath(cfg.HomeDir))
		}
	}

	otelProv, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(otelProv.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	events := bus.New()
	store, err := persistence.Open(config.DatabasePath(cfg.HomeDir), events)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	audit.SetDB(store.DB())
	store.SetTaskMaxAttempts(cfg.Queue.MaxAttempts)

	if err := seedFoundersIfEmpty(ctx, store, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	client := provider.New(provider.Config{
		APIKey:           cfg.Provider.APIKey,
		BaseURL:          cfg.Provider.BaseURL,
		Model:            cfg.Provider.Model,
		DailyLimit:       cfg.Provider.DailyLimit,
		RequestTimeout:   time.Duration(cfg.Provider.RequestTimeoutSeconds) * time.Second,
		FailureThreshold: cfg.Provider.FailureThreshold,
		Backoff:          time.Duration(cfg.Provider.BackoffMinutes) * time.Minute,
		Temperature:      cfg.Provider.Temperature,
	}, store, logger, events, metrics)

	consumer := queue.New(store, client, queue.Config{
		MaxTokens:          cfg.Provider.MaxTokens,
		RetryDelay:         time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		DuplicateThreshold: cfg.Queue.DuplicateThreshold,
	}, logger, metrics)

	runner := tick.New(store, cfg.Sim, logger, metrics)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		events:    events,
		store:     store,
		metrics:   metrics,
		otelProv:  otelProv,
		client:    client,
		consumer:  consumer,
		runner:    runner,
		logCloser: logCloser,
	}, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.store != nil {
		_ = rt.store.Close()
	}
	if rt.otelProv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = rt.otelProv.Shutdown(shutdownCtx)
		cancel()
	}
	_ = audit.Close()
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
}

// writeDefaultConfig materializes the active defaults as config.yaml so
// operators have a file to edit.
func writeDefaultConfig(cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o644)
}

// founders is the genesis roster for an empty forum. Trexxak is the organic
// operator account; the consumer never generates text on its behalf.
var founders = []struct {
	name    string
	persona string
	organic bool
}{
	{"Trexxak", "the operator; posts by hand, rarely", true},
	{"HollowEcho", "first mate of the boards, greets every newcomer twice", false},
	{"StaticLark", "hums about antenna maintenance and old transmissions", false},
	{"BrineWarden", "grumbles about cargo manifests and moderation backlog", false},
}

func seedFoundersIfEmpty(ctx context.Context, store *persistence.Store, logger *slog.Logger) error {
	count, err := store.ActiveAgentCount(ctx)
	if err != nil {
		return fmt.Errorf("agent count: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, f := range founders {
		if _, err := store.CreateAgent(ctx, f.name, f.persona, persistence.AgentStatusActive, f.organic); err != nil {
			return fmt.Errorf("seed founder %s: %w", f.name, err)
		}
	}
	logger.Info("seeded founding agents", "count", len(founders))
	return nil
}
