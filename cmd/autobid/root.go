package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/autobid/internal/adapter"
	"github.com/amishk599/autobid/internal/ai"
	"github.com/amishk599/autobid/internal/config"
	"github.com/amishk599/autobid/internal/eligibility"
	"github.com/amishk599/autobid/internal/guard"
	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/notifier"
	"github.com/amishk599/autobid/internal/orchestrator"
	"github.com/amishk599/autobid/internal/pricing"
	"github.com/amishk599/autobid/internal/ratelimit"
	"github.com/amishk599/autobid/internal/retry"
	"github.com/amishk599/autobid/internal/schedule"
	"github.com/amishk599/autobid/internal/store"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "autobid",
	Short: "Automatic bidding on marketplace jobs",
	Long:  "autobid polls a freelance marketplace, decides which jobs to bid on, writes the proposal and submits it.",
	// No subcommand runs the daemon.
	RunE:          runStart,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: AUTOBID_CONFIG env var or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig resolves the config path and parses it.
// Priority: explicit path arg > AUTOBID_CONFIG env var > "./config.yaml"
func loadConfig(path string) (*config.Config, error) {
	return config.Load(config.ResolvePath(path))
}

func setupLogger(dbg bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if dbg {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func setupNotifier(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) model.Notifier {
	switch cfg.Notification.Type {
	case "slack":
		logger.Info("using slack notifier")
		return notifier.NewSlackNotifier(cfg.Notification.WebhookURL, httpClient, logger)
	default:
		return notifier.NewLogNotifier(logger)
	}
}

func setupWriter(cfg *config.Config, logger *slog.Logger) model.BidWriter {
	if !cfg.AI.Enabled {
		logger.Info("ai disabled, using static proposal")
		return ai.NewStaticBidWriter(cfg.Bidding.StaticProposal)
	}
	provider := ai.NewOpenAIProvider(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, &http.Client{Timeout: cfg.AI.Timeout})
	logger.Info("ai bid writer enabled", "model", cfg.AI.Model)
	return ai.NewLLMBidWriter(provider, logger)
}

// stores holds the opened backends. The SQLite file carries the bid ledger
// and the leases; the KV (rate-limit window, schedule, decisions) moves to
// Postgres when several hosts share one account. The memory driver keeps
// everything in process.
type stores struct {
	kv      model.KVStore
	ledger  model.BidLedger
	locker  model.Locker
	closers []func()
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Storage.Driver == "memory" {
		mem := store.NewMemoryStore()
		logger.Warn("memory storage: schedule, ledger and rate-limit window are lost on exit")
		return &stores{kv: mem, ledger: mem, locker: mem}, nil
	}

	sq, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	s := &stores{kv: sq, ledger: sq, locker: sq, closers: []func(){func() { sq.Close() }}}

	if cfg.Storage.Driver == "postgres" {
		pg, err := store.NewPostgresKV(ctx, cfg.Storage.DSN)
		if err != nil {
			sq.Close()
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		s.kv = pg
		s.closers = append(s.closers, pg.Close)
	}
	logger.Debug("stores opened", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)
	return s, nil
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newCoordinator(cfg *config.Config, s *stores, logger *slog.Logger) *ratelimit.Coordinator {
	return ratelimit.NewCoordinator(s.kv, cfg.RateLimit.Cooldown, logger)
}

// buildEngine wires the marketplace client behind the rate-limit guard and
// retry decorator, and hands every collaborator to a new Orchestrator.
func buildEngine(cfg *config.Config, s *stores, coord *ratelimit.Coordinator, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	client, err := adapter.NewMarketplaceClient(adapter.MarketplaceOptions{
		BaseURL:   cfg.Marketplace.BaseURL,
		Token:     cfg.Marketplace.Token,
		UserAgent: "autobid/" + version,
		Client:    &http.Client{Timeout: cfg.Marketplace.Timeout},
	})
	if err != nil {
		return nil, err
	}
	guarded := ratelimit.NewGuardedMarketplace(client, client, coord, cfg.Marketplace.MinDelay)
	source := retry.NewRetrySource(guarded, cfg.Marketplace.Retries, 2*time.Second, logger)

	var conv pricing.Converter
	if len(cfg.Bidding.ExchangeRates) > 0 {
		conv = pricing.NewStaticRates(cfg.Marketplace.BidCurrency, cfg.Bidding.ExchangeRates)
	}
	resolver := pricing.NewResolver(pricing.Policy{
		DefaultMinBudget: cfg.Bidding.DefaultMinBudget,
		CapMultiplier:    cfg.Bidding.CapMultiplier,
		BidCurrency:      cfg.Marketplace.BidCurrency,
	}, conv)
	evaluator := eligibility.NewEvaluator(eligibility.Policy{
		RecencyEnabled: cfg.Bidding.Recency.Enabled,
		MaxAge:         cfg.Bidding.Recency.MaxAge,
	})

	deps := orchestrator.Deps{
		Source:    source,
		Writer:    setupWriter(cfg, logger),
		Submitter: guarded,
		Ledger:    s.ledger,
		Notifier:  setupNotifier(cfg, &http.Client{Timeout: 30 * time.Second}, logger),
		Gate:      coord,
		Guard:     guard.New(s.locker, cfg.Locks.SafetyTimeout, logger),
		Evaluator: evaluator,
		Resolver:  resolver,
		States:    schedule.NewStore(s.kv),
	}
	return orchestrator.New(deps, orchestrator.Config{
		AccountID:       cfg.Marketplace.AccountID,
		Workers:         cfg.Workers,
		CallTimeout:     cfg.Marketplace.Timeout,
		GenerateTimeout: cfg.AI.Timeout,
		Curve:           schedule.Curve{Min: cfg.Schedule.MinInterval, Max: cfg.Schedule.MaxInterval},
	}, logger), nil
}
