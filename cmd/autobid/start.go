package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amishk599/autobid/internal/scheduler"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bidding daemon",
	Long:  "Start the scheduler daemon; blocks until SIGINT/SIGTERM.",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("config loaded",
		"account_id", cfg.Marketplace.AccountID,
		"bid_currency", cfg.Marketplace.BidCurrency,
		"workers", cfg.Workers,
		"recency", cfg.Bidding.Recency.Enabled,
		"max_age", cfg.Bidding.Recency.MaxAge.String(),
		"storage", cfg.Storage.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	engine, err := buildEngine(cfg, st, newCoordinator(cfg, st, logger), logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	n, err := engine.Load(ctx)
	if err != nil {
		logger.Warn("could not restore schedule, starting empty", "error", err)
	} else {
		logger.Info("schedule restored", "jobs", n)
	}

	sched := scheduler.NewScheduler(engine, cfg.Schedule.Tick, cfg.Schedule.DiscoveryInterval, logger)
	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}

	logger.Info("goodbye")
	return nil
}
